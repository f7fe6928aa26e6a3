package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-drowsiness/internal/types"
)

const (
	writeWait  = 2 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Dashboards are served from other origins on the vehicle network.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// wsCommand is a dashboard request, e.g. {"command":"reset"}
type wsCommand struct {
	Command string `json:"command"`
}

// wsAck answers a dashboard command
type wsAck struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// snapshotView is the per-frame payload pushed to dashboards
type snapshotView struct {
	Type string `json:"type"`
	types.Snapshot
	Severity         types.Severity `json:"severity"`
	StatusText       string         `json:"status_text"`
	ProgressText     string         `json:"progress_text"`
	CriticalProgress float64        `json:"critical_progress"`
	FatigueProgress  float64        `json:"fatigue_progress"`
}

func newSnapshotView(s types.Snapshot) snapshotView {
	if s.EAR != nil {
		v := types.RoundEAR(*s.EAR)
		s.EAR = &v
	}
	return snapshotView{
		Type:             "snapshot",
		Snapshot:         s,
		Severity:         s.Severity(),
		StatusText:       s.StatusText(),
		ProgressText:     s.ProgressText(),
		CriticalProgress: s.CriticalProgress(),
		FatigueProgress:  s.FatigueProgress(),
	}
}

// handleWebSocket pushes every snapshot the client can keep up with and
// accepts reset commands
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := "ws-" + uuid.NewString()
	log := slog.With("component", "websocket", "client", id, "remote", r.RemoteAddr)
	log.Info("dashboard connected")

	read := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id)

	snaps := make(chan types.Snapshot)
	go func() {
		defer close(snaps)
		for {
			snap, ok := read()
			if !ok {
				return
			}
			snaps <- snap
		}
	}()

	acks := make(chan wsAck, 4)
	done := make(chan struct{})
	go s.readCommands(conn, acks, done, log)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := s.write(conn, newSnapshotView(snap)); err != nil {
				log.Debug("dashboard write failed", "error", err)
				s.drain(snaps, id)
				return
			}
		case ack := <-acks:
			if err := s.write(conn, ack); err != nil {
				s.drain(snaps, id)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.drain(snaps, id)
				return
			}
		case <-done:
			log.Info("dashboard disconnected")
			s.drain(snaps, id)
			return
		}
	}
}

// drain unblocks the subscription goroutine after the writer gives up
func (s *Server) drain(snaps <-chan types.Snapshot, id string) {
	s.bus.Unsubscribe(id)
	for range snaps {
	}
}

func (s *Server) write(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// readCommands reads client messages until the connection fails
func (s *Server) readCommands(conn *websocket.Conn, acks chan<- wsAck, done chan<- struct{}, log *slog.Logger) {
	defer close(done)

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("dashboard read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ack := wsAck{Type: "ack", Command: cmd.Command, Status: "success"}
		switch cmd.Command {
		case "reset":
			if err := s.backend.ManualReset("websocket"); err != nil {
				ack.Status = "error"
				ack.Error = err.Error()
			}
		default:
			ack.Status = "error"
			ack.Error = "unknown command"
		}

		select {
		case acks <- ack:
		default:
			log.Warn("dropping ack, dashboard not reading", "command", cmd.Command)
		}
	}
}

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/emitter"
)

// Command names accepted on the control topic
const (
	CmdGetStatus  = "get_status"
	CmdResetAlarm = "reset_alarm"
	CmdShutdown   = "shutdown"
)

// ErrUnknownCommand is reported for commands the handler does not implement
var ErrUnknownCommand = errors.New("control: unknown command")

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus  func() map[string]any
	OnResetAlarm func() error
	OnShutdown   func() error
	// OnCommand observes every parsed command, e.g. for metrics
	OnCommand func(name string)
}

// Transport is the MQTT connection the handler subscribes and answers on
type Transport interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	PublishRaw(topic string, qos byte, payload []byte) error
	// OnConnect registers fn to run after every (re)connection
	OnConnect(fn func())
}

// Handler handles control plane commands received over MQTT
type Handler struct {
	cfg       *config.Config
	transport Transport
	commands  chan Command
	stopped   atomic.Bool

	stopOnce  sync.Once
	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, transport Transport, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		transport: transport,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// ResponseTopic is where command acknowledgements are published
func (h *Handler) ResponseTopic() string {
	return h.cfg.MQTT.Topics.Control + "/response"
}

// Start processes commands until ctx ends. The control topic is subscribed
// now if the broker is reachable and again after every reconnection, so the
// plane survives a broker that is down at startup or drops later. Only a
// subscription the connected broker rejects is returned as an error.
func (h *Handler) Start(ctx context.Context) error {
	go h.processCommands(ctx)

	h.transport.OnConnect(func() { _ = h.subscribe() })

	err := h.subscribe()
	if err != nil && !errors.Is(err, emitter.ErrNotConnected) {
		return err
	}

	slog.Info("control plane handler started")
	return nil
}

// subscribe (re)registers the control topic on the current connection
func (h *Handler) subscribe() error {
	if h.stopped.Load() {
		return nil
	}

	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	if err := h.transport.Subscribe(topic, qos, h.messageHandler); err != nil {
		if errors.Is(err, emitter.ErrNotConnected) {
			slog.Warn("control plane not subscribed yet, broker unreachable",
				"topic", topic,
				"action", "subscribing on connect")
		} else {
			slog.Error("control plane subscription failed", "topic", topic, "error", err)
		}
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("subscribed to control plane", "topic", topic, "qos", qos)
	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		err := h.transport.Unsubscribe(h.cfg.MQTT.Topics.Control)
		if err != nil && !errors.Is(err, emitter.ErrNotConnected) {
			slog.Warn("failed to unsubscribe control plane", "error", err)
		}
		slog.Info("control plane handler stopped")
	})
	return nil
}

// messageHandler is called by the MQTT client for each control message
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command and builds its acknowledgement
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	if h.callbacks.OnCommand != nil {
		h.callbacks.OnCommand(cmd.Command)
	}

	switch cmd.Command {
	case CmdGetStatus:
		if h.callbacks.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case CmdResetAlarm:
		if h.callbacks.OnResetAlarm == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnResetAlarm(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]any{
				"message": "counters reset manually & alarm stopped",
			}
		}

	case CmdShutdown:
		if h.callbacks.OnShutdown == nil {
			return notImplemented(resp)
		}
		if err := h.callbacks.OnShutdown(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]any{
				"message": "shutdown initiated",
			}
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("%v: %q", ErrUnknownCommand, cmd.Command)
	}

	return resp
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

// sendResponse publishes a command acknowledgement
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.ResponseTopic()
	qos := h.cfg.MQTT.QoS["control"]

	if err := h.transport.PublishRaw(topic, qos, payload); err != nil {
		slog.Error("failed to publish response", "command_ack", resp.CommandAck, "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

package emitter

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
	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

var (
	// ErrNotConnected is returned when publishing without a broker connection
	ErrNotConnected = errors.New("emitter: mqtt not connected")

	// ErrThrottled is returned when a status publish exceeds the rate limit
	ErrThrottled = errors.New("emitter: status publish throttled")
)

const publishTimeout = 2 * time.Second

// Status is the periodic driver status published for fleet dashboards
type Status struct {
	InstanceID   string          `json:"instance_id"`
	VehicleID    string          `json:"vehicle_id"`
	SessionID    string          `json:"session_id"`
	Monitoring   bool            `json:"monitoring"`
	Level        types.Level     `json:"level"`
	Severity     types.Severity  `json:"severity"`
	StatusText   string          `json:"status_text"`
	ProgressText string          `json:"progress_text"`
	EAR          *float64        `json:"ear,omitempty"`
	Condition    types.Condition `json:"condition"`
	FrameSeq     uint64          `json:"frame_seq"`
	Timestamp    string          `json:"timestamp"`
}

// NewStatus builds a status message from an engine snapshot
func NewStatus(cfg *config.Config, sessionID string, snap types.Snapshot, now time.Time) Status {
	var ear *float64
	if snap.EAR != nil {
		v := types.RoundEAR(*snap.EAR)
		ear = &v
	}

	return Status{
		InstanceID:   cfg.InstanceID,
		VehicleID:    cfg.VehicleID,
		SessionID:    sessionID,
		Monitoring:   snap.Monitoring,
		Level:        snap.Level,
		Severity:     snap.Severity(),
		StatusText:   snap.StatusText(),
		ProgressText: snap.ProgressText(),
		EAR:          ear,
		Condition:    snap.Condition,
		FrameSeq:     snap.Seq,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
	}
}

// availability is the retained presence message. The broker publishes the
// offline variant as the last will if the process dies.
type availability struct {
	InstanceID string `json:"instance_id"`
	Online     bool   `json:"online"`
	Monitoring bool   `json:"monitoring"`
}

// MQTTEmitter publishes alarm events, driver status and availability
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client

	limiter    *rate.Limiter
	monitoring atomic.Bool // last announced monitoring state, replayed on reconnect

	hooksMu sync.Mutex
	hooks   []func()

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	throttled uint64
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	hz := cfg.MQTT.StatusRateHz
	if hz <= 0 {
		hz = 1
	}
	e := &MQTTEmitter{
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(hz), 1),
		published: make(map[string]uint64),
	}
	e.monitoring.Store(true)
	return e
}

// NewMQTTEmitterWithClient wraps an existing client, skipping Connect
func NewMQTTEmitterWithClient(cfg *config.Config, client mqtt.Client) *MQTTEmitter {
	e := NewMQTTEmitter(cfg)
	e.Client = client
	return e
}

// Open builds the paho client without dialing. Call it before any goroutine
// reads Client.
func (e *MQTTEmitter) Open() error {
	if e.Client != nil {
		return nil
	}

	will, err := json.Marshal(availability{InstanceID: e.cfg.InstanceID})
	if err != nil {
		return fmt.Errorf("failed to marshal last will: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetBinaryWill(e.cfg.MQTT.Topics.Availability, will, e.qos("availability"), true)

	opts.OnConnect = e.HandleConnect
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
			"max_retry_interval", "30s",
			"action", "alarms keep sounding locally")
	}

	e.Client = mqtt.NewClient(opts)
	return nil
}

// Connect dials the broker and waits up to 5s. On timeout paho keeps
// retrying in the background and HandleConnect runs once it succeeds.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	if err := e.Open(); err != nil {
		return err
	}

	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	return nil
}

// HandleConnect runs on every connection and reconnection. The session is
// clean, so availability is republished and connect hooks restore
// subscriptions.
func (e *MQTTEmitter) HandleConnect(c mqtt.Client) {
	slog.Info("mqtt connection established",
		"broker", e.cfg.MQTT.Broker,
		"client_id", e.cfg.InstanceID,
		"auto_reconnect", "enabled")

	e.hooksMu.Lock()
	hooks := append([]func(){}, e.hooks...)
	e.hooksMu.Unlock()

	// Blocking on a token inside the callback stalls the client.
	go func() {
		if err := e.PublishAvailability(true, e.monitoring.Load()); err != nil {
			slog.Warn("failed to announce availability", "error", err)
		}
		for _, fn := range hooks {
			fn()
		}
	}()
}

// OnConnect registers fn to run after every successful connection
func (e *MQTTEmitter) OnConnect(fn func()) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Subscribe registers handler for topic on the current connection
func (e *MQTTEmitter) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	if !e.isConnected() {
		return ErrNotConnected
	}

	token := e.Client.Subscribe(topic, qos, handler)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe to %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s failed: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription for topic
func (e *MQTTEmitter) Unsubscribe(topic string) error {
	if !e.isConnected() {
		return ErrNotConnected
	}

	token := e.Client.Unsubscribe(topic)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe from %s timeout", topic)
	}
	return token.Error()
}

// PublishAlarm publishes an alarm lifecycle event
func (e *MQTTEmitter) PublishAlarm(ev types.AlarmEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal alarm event: %w", err)
	}

	if err := e.publish(e.cfg.MQTT.Topics.Alarms, e.qos("alarms"), false, payload); err != nil {
		return err
	}

	slog.Debug("alarm event published",
		"command", ev.Command,
		"reason", ev.Reason,
		"frame_seq", ev.FrameSeq,
	)
	return nil
}

// PublishStatus publishes a status message subject to the rate limit.
// force bypasses the limiter for transitions that must not be lost.
func (e *MQTTEmitter) PublishStatus(s Status, force bool) error {
	if !force && !e.limiter.Allow() {
		e.mu.Lock()
		e.throttled++
		e.mu.Unlock()
		return ErrThrottled
	}

	payload, err := json.Marshal(s)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	return e.publish(e.cfg.MQTT.Topics.Status, e.qos("status"), false, payload)
}

// PublishAvailability publishes the retained presence message
func (e *MQTTEmitter) PublishAvailability(online, monitoring bool) error {
	e.monitoring.Store(monitoring)

	payload, err := json.Marshal(availability{
		InstanceID: e.cfg.InstanceID,
		Online:     online,
		Monitoring: monitoring,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal availability: %w", err)
	}

	return e.publish(e.cfg.MQTT.Topics.Availability, e.qos("availability"), true, payload)
}

// PublishRaw publishes an already encoded payload, used by the control plane
// for command acknowledgements
func (e *MQTTEmitter) PublishRaw(topic string, qos byte, payload []byte) error {
	return e.publish(topic, qos, false, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.Client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish to %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	return nil
}

// Disconnect announces a clean offline state and closes the connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client == nil {
		return nil
	}

	if e.Client.IsConnected() {
		if err := e.PublishAvailability(false, false); err != nil {
			slog.Warn("failed to publish offline availability", "error", err)
		}
	}

	// Also stops a connect retry loop that never succeeded
	e.Client.Disconnect(250) // 250ms grace period
	slog.Info("mqtt disconnected")

	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.isConnected(),
		Published: published,
		Errors:    e.errors,
		Throttled: e.throttled,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
	Throttled uint64
}

func (e *MQTTEmitter) isConnected() bool {
	return e.Client != nil && e.Client.IsConnected()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// qos returns the QoS for a topic class, defaulting to 0
func (e *MQTTEmitter) qos(class string) byte {
	if qos, ok := e.cfg.MQTT.QoS[class]; ok {
		return qos
	}
	return 0
}

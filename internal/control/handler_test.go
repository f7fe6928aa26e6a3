package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/emitter"
	"github.com/e7canasta/orion-drowsiness/internal/mqtttest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
instance_id: cab-01
source: {landmark: {command: x}}
mqtt: {broker: localhost:1883}
`))
	require.NoError(t, err)
	return cfg
}

// newTransport wraps the fake client in an emitter wired to its connect
// handler, like a real client built by Open
func newTransport(t *testing.T, client *mqtttest.Client) *emitter.MQTTEmitter {
	t.Helper()
	e := emitter.NewMQTTEmitterWithClient(testConfig(t), client)
	client.SetOnConnect(e.HandleConnect)
	return e
}

func TestHandleCommand(t *testing.T) {
	resets := 0
	var seen []string
	h := NewHandler(testConfig(t), newTransport(t, mqtttest.NewClient()), CommandCallbacks{
		OnGetStatus:  func() map[string]any { return map[string]any{"monitoring": true} },
		OnResetAlarm: func() error { resets++; return nil },
		OnShutdown:   func() error { return errors.New("already shutting down") },
		OnCommand:    func(name string) { seen = append(seen, name) },
	})

	tests := []struct {
		cmd       string
		status    string
		errSubstr string
	}{
		{CmdGetStatus, "success", ""},
		{CmdResetAlarm, "success", ""},
		{CmdShutdown, "error", "already shutting down"},
		{"pause_inference", "error", "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			resp := h.handleCommand(Command{Command: tt.cmd})
			assert.Equal(t, tt.cmd, resp.CommandAck)
			assert.Equal(t, tt.status, resp.Status)
			if tt.errSubstr != "" {
				assert.Contains(t, resp.Error, tt.errSubstr)
			}
		})
	}

	assert.Equal(t, 1, resets)
	assert.Equal(t, []string{CmdGetStatus, CmdResetAlarm, CmdShutdown, "pause_inference"}, seen)
}

func TestMissingCallbacks(t *testing.T) {
	h := NewHandler(testConfig(t), newTransport(t, mqtttest.NewClient()), CommandCallbacks{})

	for _, cmd := range []string{CmdGetStatus, CmdResetAlarm, CmdShutdown} {
		resp := h.handleCommand(Command{Command: cmd})
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, cmd+" not implemented", resp.Error)
	}
}

func TestMQTTRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	client := mqtttest.NewClient()

	reset := make(chan struct{}, 1)
	h := NewHandler(cfg, newTransport(t, client), CommandCallbacks{
		OnResetAlarm: func() error { reset <- struct{}{}; return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))
	require.True(t, client.Subscribed(cfg.MQTT.Topics.Control))

	require.True(t, client.Deliver(cfg.MQTT.Topics.Control, []byte(`{"command":"reset_alarm"}`)))
	select {
	case <-reset:
	case <-time.After(2 * time.Second):
		t.Fatal("reset callback not invoked")
	}

	require.Eventually(t, func() bool {
		return len(client.Published(h.ResponseTopic())) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var resp Response
	require.NoError(t, json.Unmarshal(client.Published(h.ResponseTopic())[0].Payload, &resp))
	assert.Equal(t, "reset_alarm", resp.CommandAck)
	assert.Equal(t, "success", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)

	client.Deliver(cfg.MQTT.Topics.Control, []byte(`not json`))
	pubs := client.Published(h.ResponseTopic())
	require.Len(t, pubs, 2)
	assert.Contains(t, string(pubs[1].Payload), "invalid JSON")

	require.NoError(t, h.Stop())
	assert.False(t, client.Subscribed(cfg.MQTT.Topics.Control))
}

func TestSubscribesAfterBrokerReturns(t *testing.T) {
	cfg := testConfig(t)
	client := mqtttest.NewClient()
	client.SetConnected(false)

	reset := make(chan struct{}, 1)
	h := NewHandler(cfg, newTransport(t, client), CommandCallbacks{
		OnResetAlarm: func() error { reset <- struct{}{}; return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx), "an unreachable broker is not fatal")
	assert.False(t, client.Subscribed(cfg.MQTT.Topics.Control))

	client.Reconnect()
	require.Eventually(t, func() bool {
		return client.Subscribed(cfg.MQTT.Topics.Control)
	}, 2*time.Second, 5*time.Millisecond)

	// A clean session forgets the subscription on every drop
	client.Drop()
	assert.False(t, client.Subscribed(cfg.MQTT.Topics.Control))
	client.Reconnect()
	require.Eventually(t, func() bool {
		return client.Subscribed(cfg.MQTT.Topics.Control)
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, client.Deliver(cfg.MQTT.Topics.Control, []byte(`{"command":"reset_alarm"}`)))
	select {
	case <-reset:
	case <-time.After(2 * time.Second):
		t.Fatal("reset callback not invoked after reconnect")
	}

	require.Eventually(t, func() bool {
		return len(client.Published(h.ResponseTopic())) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop())
	client.Drop()
	client.Reconnect()
	time.Sleep(50 * time.Millisecond)
	assert.False(t, client.Subscribed(cfg.MQTT.Topics.Control), "stopped handler stays unsubscribed")
}

package emitter

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-drowsiness/internal/config"
	"github.com/e7canasta/orion-drowsiness/internal/mqtttest"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
instance_id: cab-01
vehicle_id: truck-17
source: {landmark: {command: x}}
mqtt:
  broker: localhost:1883
  status_rate_hz: 1
`))
	require.NoError(t, err)
	return cfg
}

func TestPublishAlarm(t *testing.T) {
	cfg := testConfig(t)
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(cfg, client)

	ev := types.AlarmEvent{
		ID:        "evt-1",
		Command:   types.CommandStartHigh,
		Reason:    "critical_sustained",
		Level:     types.LevelCritical,
		EAR:       types.EARPtr(0.2),
		Condition: types.Condition{CriticalRun: 60},
		FrameSeq:  60,
	}
	require.NoError(t, e.PublishAlarm(ev))

	pubs := client.Published(cfg.MQTT.Topics.Alarms)
	require.Len(t, pubs, 1)
	assert.Equal(t, byte(1), pubs[0].QoS)
	assert.False(t, pubs[0].Retained)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pubs[0].Payload, &decoded))
	assert.Equal(t, "start_high", decoded["command"])
	assert.Equal(t, "critical", decoded["level"])
	assert.Equal(t, float64(60), decoded["condition"].(map[string]any)["critical_run"])

	assert.Equal(t, uint64(1), e.Stats().Published[cfg.MQTT.Topics.Alarms])
}

func TestPublishStatusIsRateLimited(t *testing.T) {
	cfg := testConfig(t)
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(cfg, client)

	snap := types.Snapshot{Seq: 5, Monitoring: true, Level: types.LevelAlert, CriticalFrames: 60, FatigueFrames: 200}
	status := NewStatus(cfg, "session-1", snap, time.Unix(0, 0))

	require.NoError(t, e.PublishStatus(status, false))
	assert.ErrorIs(t, e.PublishStatus(status, false), ErrThrottled)
	require.NoError(t, e.PublishStatus(status, true), "forced status bypasses the limiter")

	assert.Len(t, client.Published(cfg.MQTT.Topics.Status), 2)
	assert.Equal(t, uint64(1), e.Stats().Throttled)
}

func TestNewStatus(t *testing.T) {
	cfg := testConfig(t)
	snap := types.Snapshot{
		Seq:            61,
		Monitoring:     true,
		Level:          types.LevelCritical,
		FacePresent:    true,
		EAR:            types.EARPtr(0.1999),
		Condition:      types.Condition{CriticalRun: 60},
		HighActive:     true,
		CriticalFrames: 60,
		FatigueFrames:  200,
	}

	s := NewStatus(cfg, "session-1", snap, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	assert.Equal(t, "cab-01", s.InstanceID)
	assert.Equal(t, "truck-17", s.VehicleID)
	assert.Equal(t, types.SeverityHigh, s.Severity)
	assert.Equal(t, "!!! DROWSY ALERT !!!", s.StatusText)
	assert.Equal(t, "Drowsy: 60/60 | Tired: 0/200 | Awake: 0", s.ProgressText)
	require.NotNil(t, s.EAR)
	assert.InDelta(t, 0.20, *s.EAR, 1e-9)
	assert.Equal(t, "2026-01-02T03:04:05Z", s.Timestamp)
}

func TestAvailabilityIsRetained(t *testing.T) {
	cfg := testConfig(t)
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(cfg, client)

	require.NoError(t, e.PublishAvailability(true, true))
	require.NoError(t, e.Disconnect())

	pubs := client.Published(cfg.MQTT.Topics.Availability)
	require.Len(t, pubs, 2)
	assert.True(t, pubs[0].Retained)
	assert.JSONEq(t, `{"instance_id":"cab-01","online":true,"monitoring":true}`, string(pubs[0].Payload))
	assert.JSONEq(t, `{"instance_id":"cab-01","online":false,"monitoring":false}`, string(pubs[1].Payload))
	assert.False(t, client.IsConnected())
}

func TestPublishErrors(t *testing.T) {
	cfg := testConfig(t)
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(cfg, client)

	client.SetConnected(false)
	assert.ErrorIs(t, e.PublishAlarm(types.AlarmEvent{}), ErrNotConnected)

	client.SetConnected(true)
	client.PublishErr = errors.New("broker rejected")
	assert.Error(t, e.PublishAlarm(types.AlarmEvent{}))

	assert.Equal(t, uint64(2), e.Stats().Errors)

	unconnected := NewMQTTEmitter(cfg)
	assert.ErrorIs(t, unconnected.PublishAvailability(true, true), ErrNotConnected)
	assert.NoError(t, unconnected.Disconnect())
}

func TestReconnectRestoresAvailabilityAndRunsHooks(t *testing.T) {
	cfg := testConfig(t)
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(cfg, client)
	client.SetOnConnect(e.HandleConnect)

	hooks := make(chan struct{}, 4)
	e.OnConnect(func() { hooks <- struct{}{} })

	require.NoError(t, e.PublishAvailability(true, false))

	client.Drop()
	assert.ErrorIs(t, e.Subscribe("care/x", 1, nil), ErrNotConnected)
	client.Reconnect()

	select {
	case <-hooks:
	case <-time.After(2 * time.Second):
		t.Fatal("connect hook not run")
	}

	require.Eventually(t, func() bool {
		return len(client.Published(cfg.MQTT.Topics.Availability)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	last := client.Published(cfg.MQTT.Topics.Availability)[1]
	assert.True(t, last.Retained)
	assert.JSONEq(t, `{"instance_id":"cab-01","online":true,"monitoring":false}`, string(last.Payload))

	require.NoError(t, e.Subscribe("care/x", 1, nil))
	assert.True(t, client.Subscribed("care/x"))
}

func TestPublishRawCountsPerTopic(t *testing.T) {
	cfg := testConfig(t)
	client := mqtttest.NewClient()
	e := NewMQTTEmitterWithClient(cfg, client)

	require.NoError(t, e.PublishRaw("care/control/cab-01/response", 1, []byte(`{}`)))
	assert.Equal(t, uint64(1), e.Stats().Published["care/control/cab-01/response"])

	client.SetConnected(false)
	assert.ErrorIs(t, e.PublishRaw("care/control/cab-01/response", 1, []byte(`{}`)), ErrNotConnected)
}

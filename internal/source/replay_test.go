package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-drowsiness/internal/engine"
	"github.com/e7canasta/orion-drowsiness/internal/types"
)

func writeRecording(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drive.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func collect(t *testing.T, ch <-chan types.Observation) []types.Observation {
	t.Helper()
	var out []types.Observation
	timeout := time.After(5 * time.Second)
	for {
		select {
		case obs, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, obs)
		case <-timeout:
			t.Fatal("timed out waiting for source to close")
			return nil
		}
	}
}

func TestReplayDeliversInOrder(t *testing.T) {
	path := writeRecording(t, `# recorded on a test drive
{"face":true,"ear":0.21}
{"face":true,"ear":0.33}

{"face":false}
not json
{"face":true}
`)
	clock := engine.NewManualClock(time.Unix(100, 0))
	r, err := NewReplay(ReplayConfig{Path: path, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	got := collect(t, r.Observations())
	require.Len(t, got, 4)
	require.NoError(t, r.Err())

	assert.True(t, got[0].FacePresent)
	assert.InDelta(t, 0.21, got[0].EARValue(), 1e-9)
	assert.InDelta(t, 0.33, got[1].EARValue(), 1e-9)
	assert.False(t, got[2].FacePresent)
	assert.False(t, got[2].HasEAR())
	assert.True(t, got[3].FacePresent)
	assert.False(t, got[3].HasEAR(), "face without EAR stays without EAR")

	for i, obs := range got {
		assert.Equal(t, uint64(i+1), obs.Seq)
		assert.NotEmpty(t, obs.TraceID)
		assert.Equal(t, time.Unix(100, 0), obs.Timestamp)
	}

	stats := r.Stats()
	assert.Equal(t, uint64(4), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.False(t, stats.Running)
}

func TestReplayLoopsUntilStopped(t *testing.T) {
	path := writeRecording(t, "{\"face\":true,\"ear\":0.4}\n")
	r, err := NewReplay(ReplayConfig{Path: path, Loop: true, FPS: 500})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	for i := 0; i < 5; i++ {
		select {
		case obs := <-r.Observations():
			assert.Equal(t, uint64(i+1), obs.Seq)
		case <-time.After(2 * time.Second):
			t.Fatal("loop stalled")
		}
	}

	require.NoError(t, r.Stop())
	assert.NoError(t, r.Err())
}

func TestReplayEmptyLoopFails(t *testing.T) {
	path := writeRecording(t, "# nothing here\n")
	r, err := NewReplay(ReplayConfig{Path: path, Loop: true})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	assert.Empty(t, collect(t, r.Observations()))
	assert.Error(t, r.Err())
}

func TestReplayStartErrors(t *testing.T) {
	_, err := NewReplay(ReplayConfig{})
	assert.Error(t, err)

	r, err := NewReplay(ReplayConfig{Path: filepath.Join(t.TempDir(), "missing.jsonl")})
	require.NoError(t, err)
	assert.Error(t, r.Start(context.Background()))

	path := writeRecording(t, "{\"face\":false}\n")
	r, err = NewReplay(ReplayConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, r.Stop())
}

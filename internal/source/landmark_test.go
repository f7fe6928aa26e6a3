package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

const helperEnv = "DROWSY_LANDMARK_HELPER"

// TestLandmarkHelperProcess is not a real test. It is re-executed by the
// landmark tests as a stand-in extractor process.
func TestLandmarkHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}

	w := bufio.NewWriter(os.Stdout)
	switch mode {
	case "frames":
		fmt.Fprintln(os.Stderr, "2026-01-01 [INFO] camera opened")
		fmt.Fprintln(os.Stderr, "2026-01-01 [WARNING] low light")
		writeFrame(w, landmarkMessage{Face: true, EAR: ptr(0.21), Seq: 1})
		writeRaw(w, []byte{0xc1}) // never-used msgpack byte
		writeFrame(w, landmarkMessage{Face: false, Seq: 2})
		writeFrame(w, landmarkMessage{Face: true, Seq: 3})
		w.Flush()
		os.Exit(0)
	case "crash":
		fmt.Fprintln(os.Stderr, "2026-01-01 [ERROR] camera not found")
		os.Exit(3)
	case "garbage":
		w.Write([]byte{0xff, 0xff, 0xff, 0xff})
		w.Flush()
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}
	os.Exit(2)
}

func ptr(v float64) *float64 { return &v }

func writeFrame(w *bufio.Writer, msg landmarkMessage) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		panic(err)
	}
	writeRaw(w, data)
}

func writeRaw(w *bufio.Writer, data []byte) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	w.Write(prefix[:])
	w.Write(data)
}

func helperLandmark(t *testing.T, mode string, restart RestartConfig) *Landmark {
	t.Helper()
	l, err := NewLandmark(LandmarkConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestLandmarkHelperProcess$", "--"},
		Env:     []string{helperEnv + "=" + mode},
		Restart: restart,
	})
	require.NoError(t, err)
	return l
}

func TestLandmarkStreamsFrames(t *testing.T) {
	l := helperLandmark(t, "frames", fastRestart(5))
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { l.Stop() })

	var got []bool
	var ears []bool
	for len(got) < 3 {
		select {
		case obs, ok := <-l.Observations():
			require.True(t, ok, "stream closed early: %v", l.Err())
			assert.Equal(t, uint64(len(got)+1), obs.Seq)
			assert.NotEmpty(t, obs.TraceID)
			got = append(got, obs.FacePresent)
			ears = append(ears, obs.HasEAR())
		case <-time.After(10 * time.Second):
			t.Fatal("no observations from landmark helper")
		}
	}

	assert.Equal(t, []bool{true, false, true}, got)
	assert.Equal(t, []bool{true, false, false}, ears)
	assert.GreaterOrEqual(t, l.Stats().Malformed, uint64(1))

	require.NoError(t, l.Stop())
	assert.NoError(t, l.Err())
}

func TestLandmarkGivesUpAfterRepeatedCrashes(t *testing.T) {
	l := helperLandmark(t, "crash", fastRestart(2))
	require.NoError(t, l.Start(context.Background()))

	assert.Empty(t, collect(t, l.Observations()))
	assert.ErrorIs(t, l.Err(), ErrSourceExhausted)
	assert.Equal(t, uint32(2), l.Stats().Restarts)
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyStarted)
}

func TestLandmarkFramingErrorKillsSession(t *testing.T) {
	l := helperLandmark(t, "garbage", fastRestart(0))
	require.NoError(t, l.Start(context.Background()))

	assert.Empty(t, collect(t, l.Observations()))
	assert.ErrorIs(t, l.Err(), ErrSourceExhausted)
}

func TestLandmarkArgs(t *testing.T) {
	l, err := NewLandmark(LandmarkConfig{
		Command:   "models/run_landmarks.sh",
		Args:      []string{"--verbose"},
		CameraID:  1,
		Predictor: "shape.dat",
		Width:     640,
		Height:    480,
		FPS:       30,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"--verbose",
		"--camera", "1",
		"--predictor", "shape.dat",
		"--width", "640", "--height", "480",
		"--fps", "30",
	}, l.args())
	assert.Equal(t, DefaultRestartConfig(), l.cfg.Restart)

	_, err = NewLandmark(LandmarkConfig{})
	assert.Error(t, err)
}

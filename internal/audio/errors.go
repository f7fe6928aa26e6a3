package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

var (
	// ErrMissingAsset reports that an alarm sound file does not exist
	ErrMissingAsset = errors.New("audio: asset not found")

	// ErrDevice reports that no usable output device is available
	ErrDevice = errors.New("audio: output device unavailable")

	// ErrCodec reports that an asset could not be decoded
	ErrCodec = errors.New("audio: cannot decode asset")

	// ErrClosed is returned by Submit after Close
	ErrClosed = errors.New("audio: dispatcher closed")
)

// ErrorClass groups playback failures for logs and metrics
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassMissingAsset
	ClassDevice
	ClassCodec
)

// String returns the label used in logs and metrics
func (c ErrorClass) String() string {
	switch c {
	case ClassMissingAsset:
		return "missing_asset"
	case ClassDevice:
		return "device"
	case ClassCodec:
		return "codec"
	default:
		return "unknown"
	}
}

// PlaybackError is an asynchronous failure reported by a player backend
type PlaybackError struct {
	Class ErrorClass
	Asset string
	Err   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback of %s failed [%s]: %v", e.Asset, e.Class, e.Err)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// Classify maps an error to its class. Sentinels win over message
// heuristics.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var perr *PlaybackError
	if errors.As(err, &perr) && perr.Class != ClassUnknown {
		return perr.Class
	}

	switch {
	case errors.Is(err, ErrMissingAsset), errors.Is(err, fs.ErrNotExist):
		return ClassMissingAsset
	case errors.Is(err, ErrDevice):
		return ClassDevice
	case errors.Is(err, ErrCodec):
		return ClassCodec
	}

	return ClassifyMessage(err.Error(), "")
}

// ClassifyMessage categorises a backend error from its message and debug
// text. go-gst's GError does not expose the error domain, so this relies on
// keywords.
func ClassifyMessage(msg, debug string) ErrorClass {
	combined := strings.ToLower(msg + " " + debug)

	if containsAny(combined,
		"audio device", "no such device", "alsa", "pulse", "audiosink",
		"audio sink", "device busy", "resource busy",
	) {
		return ClassDevice
	}

	if containsAny(combined,
		"resource not found", "no such file", "could not open resource",
		"file not found", "does not exist",
	) {
		return ClassMissingAsset
	}

	if containsAny(combined,
		"codec", "decode", "demux", "format", "not negotiated", "negotiation",
		"caps", "missing plugin", "plug-in", "no decoder", "could not determine type",
	) {
		return ClassCodec
	}

	return ClassUnknown
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// Package gstplayer plays alarm sounds through a GStreamer playbin.
package gstplayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-drowsiness/internal/audio"
)

var initOnce sync.Once

// Player owns a single playbin element. Each Play resets it to NULL, swaps
// the URI and sets it PLAYING, so a new alarm always interrupts the old one.
type Player struct {
	mu      sync.Mutex
	playbin *gst.Element
	current string
	closed  bool

	onError func(error)
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates the playbin and starts watching its bus. onError receives
// failures detected after Play returned (decode errors, device loss).
func New(onError func(error)) (*Player, error) {
	initOnce.Do(func() { gst.Init(nil) })

	playbin, err := gst.NewElement("playbin")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create playbin: %v", audio.ErrDevice, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		playbin: playbin,
		onError: onError,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go p.watchBus(ctx)

	slog.Info("gstreamer audio player ready")
	return p, nil
}

// Play starts asset from the beginning
func (p *Player) Play(asset string) error {
	abs, err := filepath.Abs(asset)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", audio.ErrMissingAsset, asset, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", audio.ErrMissingAsset, asset)
		}
		return fmt.Errorf("failed to stat %s: %w", asset, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return audio.ErrClosed
	}

	if err := p.playbin.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("%w: failed to reset playbin: %v", audio.ErrDevice, err)
	}

	uri := (&url.URL{Scheme: "file", Path: abs}).String()
	if err := p.playbin.SetProperty("uri", uri); err != nil {
		return fmt.Errorf("failed to set uri %s: %w", uri, err)
	}

	if err := p.playbin.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("%w: failed to start playback: %v", audio.ErrDevice, err)
	}

	p.current = asset
	slog.Debug("alarm playback started", "asset", asset)
	return nil
}

// Stop halts playback immediately
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	return p.stopLocked()
}

func (p *Player) stopLocked() error {
	if err := p.playbin.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("%w: failed to stop playback: %v", audio.ErrDevice, err)
	}
	if p.current != "" {
		slog.Debug("alarm playback stopped", "asset", p.current)
	}
	p.current = ""
	return nil
}

// Close stops playback and the bus watcher
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	err := p.stopLocked()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	<-p.done
	return err
}

// watchBus polls the playbin bus. EOS resets the pipeline so the next Play
// starts clean; errors are classified and reported.
func (p *Player) watchBus(ctx context.Context) {
	defer close(p.done)

	bus := p.playbin.GetBus()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			p.mu.Lock()
			if !p.closed {
				_ = p.stopLocked()
			}
			p.mu.Unlock()

		case gst.MessageError:
			gerr := msg.ParseError()
			class := audio.ClassifyMessage(gerr.Error(), gerr.DebugString())

			p.mu.Lock()
			asset := p.current
			if !p.closed {
				_ = p.stopLocked()
			}
			p.mu.Unlock()

			if p.onError != nil {
				p.onError(&audio.PlaybackError{
					Class: class,
					Asset: asset,
					Err:   errors.New(gerr.Error()),
				})
			}
		}
	}
}

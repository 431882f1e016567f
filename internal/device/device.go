// Package device declares the hardware collaborators the assistant talks
// to: a microphone, a speaker, a camera-like view source, and the actuation
// trigger. Real implementations live outside this module; the fakes here
// back tests and the text-only CLI path.
package device

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

// ErrNoView is returned by a ViewSource that has nothing to capture.
var ErrNoView = errors.New("no view available")

// Recorder captures one utterance worth of audio.
type Recorder interface {
	// Record blocks until the utterance ends and returns the audio stream.
	Record(ctx context.Context) (io.ReadCloser, error)
}

// Player plays synthesized speech from a file path.
type Player interface {
	Play(ctx context.Context, path string) error
}

// ViewSource captures the user's current view as a JPEG.
type ViewSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Trigger delivers actuation events, one per user activation.
type Trigger interface {
	// Events returns a channel that yields once per activation and is
	// closed when the trigger shuts down.
	Events() <-chan struct{}
}

// FakeViewSource returns a fixed frame, or ErrNoView when empty.
type FakeViewSource struct {
	mu    sync.Mutex
	Frame []byte
}

// SetFrame swaps the frame returned by subsequent captures.
func (f *FakeViewSource) SetFrame(jpeg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Frame = jpeg
}

func (f *FakeViewSource) Capture(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Frame) == 0 {
		return nil, ErrNoView
	}
	out := make([]byte, len(f.Frame))
	copy(out, f.Frame)
	return out, nil
}

// FakePlayer records the paths it was asked to play.
type FakePlayer struct {
	mu     sync.Mutex
	Played []string
}

func (f *FakePlayer) Play(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Played = append(f.Played, path)
	return nil
}

// Paths returns a copy of the played paths.
func (f *FakePlayer) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Played...)
}

// FileRecorder is a Recorder backed by a fixed audio file, standing in for
// a microphone on machines without one.
type FileRecorder string

func (f FileRecorder) Record(context.Context) (io.ReadCloser, error) {
	return os.Open(string(f))
}

// ManualTrigger is a Trigger driven by explicit Fire calls.
type ManualTrigger struct {
	once   sync.Once
	mu     sync.Mutex
	closed bool
	ch     chan struct{}
}

func NewManualTrigger() *ManualTrigger {
	return &ManualTrigger{ch: make(chan struct{}, 1)}
}

// Fire queues one activation; a pending activation is not duplicated and
// firing a closed trigger is a no-op.
func (t *ManualTrigger) Fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

func (t *ManualTrigger) Events() <-chan struct{} {
	return t.ch
}

// Close shuts the event channel down. Safe to call more than once.
func (t *ManualTrigger) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.closed = true
		close(t.ch)
	})
}

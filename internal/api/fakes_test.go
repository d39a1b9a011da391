package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/audio"
	"github.com/endoclinic/clinic-scribe/internal/patients"
	"github.com/endoclinic/clinic-scribe/internal/recording"
)

type fakeInitiator struct {
	err error
}

func (f *fakeInitiator) BeginSession(ctx context.Context) (recording.SessionDescriptor, error) {
	if f.err != nil {
		return recording.SessionDescriptor{}, f.err
	}
	return recording.SessionDescriptor{ID: "sess-1", URL: "wss://example.invalid/live"}, nil
}

type fakeStream struct {
	mu      sync.Mutex
	open    bool
	frames  int
	stopped bool
}

func (s *fakeStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("stream not open")
	}
	s.frames++
	return nil
}

func (s *fakeStream) SendStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.open = false
	return nil
}

func (s *fakeStream) Close(code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *fakeStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeStream) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// fakeDialer opens a fresh stream per session and keeps the latest handler
type fakeDialer struct {
	mu      sync.Mutex
	stream  *fakeStream
	handler recording.StreamHandler
}

func (d *fakeDialer) Dial(ctx context.Context, session recording.SessionDescriptor, h recording.StreamHandler) (recording.DuplexStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = &fakeStream{open: true}
	d.handler = h
	return d.stream, nil
}

func (d *fakeDialer) current() (*fakeStream, recording.StreamHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream, d.handler
}

type fakeSource struct {
	blocks chan []float32
}

func (s *fakeSource) Next(ctx context.Context) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-s.blocks:
		return b, nil
	}
}

func (s *fakeSource) Release() error {
	return nil
}

type fakeCapture struct {
	blocks chan []float32
	err    error
}

func (c *fakeCapture) Acquire(ctx context.Context) (audio.Source, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &fakeSource{blocks: c.blocks}, nil
}

// testEnv is an API server backed by fake transcription and capture
type testEnv struct {
	server    *httptest.Server
	registry  *Registry
	directory *patients.Directory
	initiator *fakeInitiator
	dialer    *fakeDialer
	capture   *fakeCapture
	dir       string
}

func newTestEnv(t *testing.T, mutate func(*testEnv)) *testEnv {
	t.Helper()

	directory, err := patients.Load("")
	if err != nil {
		t.Fatalf("Failed to load patients: %v", err)
	}

	env := &testEnv{
		directory: directory,
		initiator: &fakeInitiator{},
		dialer:    &fakeDialer{},
		capture:   &fakeCapture{blocks: make(chan []float32, 8)},
		dir:       t.TempDir(),
	}
	if mutate != nil {
		mutate(env)
	}

	nop := zerolog.Nop()
	gate := recording.NewGate()
	env.registry = NewRegistry(func(patientID string) *recording.Controller {
		return recording.NewController(recording.Options{
			PatientID:    patientID,
			Initiator:    env.initiator,
			Dialer:       env.dialer,
			Capture:      env.capture,
			Sinks:        WAVSinks(env.dir, patientID),
			Gate:         gate,
			SetupTimeout: time.Second,
			Logger:       &nop,
		})
	}, nop)

	mux := http.NewServeMux()
	NewServer(directory, env.registry, env.dir, nop).Register(mux)
	env.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		env.server.Close()
		_ = env.registry.Close()
	})
	return env
}

func (e *testEnv) state(t *testing.T, patientID string) recording.State {
	t.Helper()
	c, ok := e.registry.Lookup(patientID)
	if !ok {
		return recording.StateIdle
	}
	return c.Snapshot().State
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

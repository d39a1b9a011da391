package recording

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/audio"
)

// stepLog records the order in which fake resources are touched
type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) add(step string) {
	l.mu.Lock()
	l.steps = append(l.steps, step)
	l.mu.Unlock()
}

func (l *stepLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

type fakeInitiator struct {
	mu    sync.Mutex
	desc  SessionDescriptor
	err   error
	block chan struct{}
	calls int
}

func (f *fakeInitiator) BeginSession(ctx context.Context) (SessionDescriptor, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return SessionDescriptor{}, ctx.Err()
		}
	}
	if f.err != nil {
		return SessionDescriptor{}, f.err
	}
	return f.desc, nil
}

func (f *fakeInitiator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStream struct {
	log *stepLog

	mu         sync.Mutex
	open       bool
	frames     [][]byte
	stopErr    error
	stopPanic  bool
	closedCode int
}

func (s *fakeStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("stream not open")
	}
	s.frames = append(s.frames, pcm)
	return nil
}

func (s *fakeStream) SendStop() error {
	s.log.add("send stop")
	if s.stopPanic {
		panic("stop exploded")
	}
	return s.stopErr
}

func (s *fakeStream) Close(code int) error {
	s.log.add("close stream")
	s.mu.Lock()
	s.open = false
	s.closedCode = code
	s.mu.Unlock()
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
	return len(s.frames)
}

func (s *fakeStream) code() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedCode
}

type fakeDialer struct {
	stream *fakeStream
	err    error

	mu      sync.Mutex
	calls   int
	handler StreamHandler
}

func (d *fakeDialer) Dial(ctx context.Context, session SessionDescriptor, h StreamHandler) (DuplexStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.handler = h
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) currentHandler() StreamHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

type fakeSource struct {
	log    *stepLog
	blocks chan []float32

	mu       sync.Mutex
	released bool
}

func (s *fakeSource) Next(ctx context.Context) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-s.blocks:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	}
}

func (s *fakeSource) Release() error {
	s.log.add("release microphone")
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeCapture struct {
	source *fakeSource
	err    error
	hook   func()
}

func (c *fakeCapture) Acquire(ctx context.Context) (audio.Source, error) {
	if c.hook != nil {
		c.hook()
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.source, nil
}

type fakeSink struct {
	log *stepLog

	mu     sync.Mutex
	data   []byte
	closed bool
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, audio.ErrSinkClosed
	}
	s.data = append(s.data, p...)
	return len(p), nil
}

func (s *fakeSink) Close() error {
	s.log.add("close sink")
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// harness wires a controller to fresh fakes
type harness struct {
	log       *stepLog
	initiator *fakeInitiator
	dialer    *fakeDialer
	stream    *fakeStream
	capture   *fakeCapture
	source    *fakeSource
	sink      *fakeSink
	ctrl      *Controller
}

func newHarness(t *testing.T, mutate func(*harness, *Options)) *harness {
	t.Helper()

	log := &stepLog{}
	h := &harness{log: log}
	h.initiator = &fakeInitiator{desc: SessionDescriptor{ID: "sess-1", URL: "wss://example.invalid/live"}}
	h.stream = &fakeStream{log: log, open: true}
	h.dialer = &fakeDialer{stream: h.stream}
	h.source = &fakeSource{log: log, blocks: make(chan []float32, 16)}
	h.capture = &fakeCapture{source: h.source}
	h.sink = &fakeSink{log: log}

	nop := zerolog.Nop()
	opts := Options{
		PatientID: "P001",
		Initiator: h.initiator,
		Dialer:    h.dialer,
		Capture:   h.capture,
		Sinks: func(SessionDescriptor) (io.WriteCloser, error) {
			return h.sink, nil
		},
		SetupTimeout: time.Second,
		Logger:       &nop,
	}
	if mutate != nil {
		mutate(h, &opts)
	}

	h.ctrl = NewController(opts)
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
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

package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/audio"
	"github.com/endoclinic/clinic-scribe/internal/observability"
	"github.com/endoclinic/clinic-scribe/internal/transcript"
)

const (
	// DefaultSetupTimeout bounds session request, handshake and device acquisition
	DefaultSetupTimeout = 15 * time.Second

	pumpStopTimeout = 2 * time.Second
	subscriberQueue = 16
)

// Options configures a Controller
type Options struct {
	PatientID string

	Initiator SessionInitiator
	Dialer    StreamDialer
	Capture   AudioCapture
	// Sinks is optional; when set every session is also recorded locally
	Sinks SinkFactory
	// Gate is optional; when shared, only one controller may be active at a time
	Gate *Gate

	Language     string
	SetupTimeout time.Duration
	VAD          *audio.VADConfig

	Logger  *zerolog.Logger
	Metrics *observability.Metrics
}

// Controller drives one consultation's recording lifecycle:
// idle -> requesting -> active -> stopping -> idle.
// The mutex is only held for state transitions, never across I/O.
type Controller struct {
	patientID    string
	initiator    SessionInitiator
	dialer       StreamDialer
	capture      AudioCapture
	sinks        SinkFactory
	gate         *Gate
	setupTimeout time.Duration

	assembler *transcript.Assembler
	vad       *audio.VADConfig
	logger    zerolog.Logger
	metrics   *observability.Metrics

	mu         sync.Mutex
	state      State
	gen        uint64
	rec        *session
	pendingErr error
	closed     bool

	live       string
	committed  string
	errKind    Kind
	errMsg     string
	permission Permission
	speaking   bool
	sessionID  string

	subs    map[int]chan Snapshot
	nextSub int
}

// session holds the resources of one recording
type session struct {
	gen        uint64
	descriptor SessionDescriptor
	stream     DuplexStream
	source     audio.Source
	sink       io.WriteCloser
	vad        *audio.VADDetector
	cancelPump context.CancelFunc
	pumpDone   chan struct{}
}

// NewController creates an idle controller
func NewController(opts Options) *Controller {
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = DefaultSetupTimeout
	}
	if opts.PatientID == "" {
		opts.PatientID = "default"
	}

	logger := observability.ForPatient(opts.PatientID)
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("patient_id", opts.PatientID).Logger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewRecordingMetrics(opts.PatientID)
	}

	return &Controller{
		patientID:    opts.PatientID,
		initiator:    opts.Initiator,
		dialer:       opts.Dialer,
		capture:      opts.Capture,
		sinks:        opts.Sinks,
		gate:         opts.Gate,
		setupTimeout: opts.SetupTimeout,
		assembler:    transcript.NewAssembler(opts.Language),
		vad:          opts.VAD,
		logger:       logger,
		metrics:      metrics,
		state:        StateIdle,
		permission:   PermissionUnknown,
		subs:         make(map[int]chan Snapshot),
	}
}

// PatientID returns the patient this controller records for
func (c *Controller) PatientID() string {
	return c.patientID
}

// Start requests a session, opens the stream and begins capturing audio.
// It is only valid from idle. On any failure the error is reported in the
// snapshot, acquired resources are released and the state returns to idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, state)
	}
	if c.gate != nil && !c.gate.TryAcquire(c.patientID) {
		c.mu.Unlock()
		return ErrMicrophoneBusy
	}
	c.gen++
	gen := c.gen
	c.state = StateRequesting
	c.pendingErr = nil
	c.errKind = ""
	c.errMsg = ""
	c.live = ""
	c.mu.Unlock()
	c.publish()

	c.metrics.RecordSetupStart()
	c.logger.Info().Msg("Starting recording")

	setupCtx, cancel := context.WithTimeout(ctx, c.setupTimeout)
	defer cancel()

	rec, err := c.setup(setupCtx, gen)
	if err != nil {
		c.teardown(rec)
		c.failStart(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn().Msg("Controller closed during setup, releasing session")
		c.teardown(rec)
		c.finishIdle()
		c.metrics.RecordSetupEnd(false)
		return ErrClosed
	}
	if err := c.pendingErr; err != nil {
		c.mu.Unlock()
		c.teardown(rec)
		c.failStart(err)
		return err
	}

	pumpCtx, cancelPump := context.WithCancel(context.Background())
	rec.cancelPump = cancelPump
	rec.pumpDone = make(chan struct{})
	c.rec = rec
	c.state = StateActive
	c.sessionID = rec.descriptor.ID
	c.mu.Unlock()

	go c.pump(pumpCtx, rec)

	c.metrics.RecordSetupEnd(true)
	c.logger.Info().Str("session_id", rec.descriptor.ID).Msg("Recording active")
	c.publish()
	return nil
}

// setup acquires session, stream, microphone and sink in that order. The
// returned session is non-nil and holds whatever was acquired, even on error.
func (c *Controller) setup(ctx context.Context, gen uint64) (*session, error) {
	rec := &session{gen: gen, vad: audio.NewVADDetector(c.vad)}

	desc, err := c.initiator.BeginSession(ctx)
	if err != nil {
		return rec, classifySetupError(ctx, KindServiceUnavailable, "begin session", err)
	}
	rec.descriptor = desc

	stream, err := c.dialer.Dial(ctx, desc, &streamEvents{c: c, gen: gen})
	if err != nil {
		return rec, classifySetupError(ctx, KindTransportError, "connect stream", err)
	}
	rec.stream = stream

	source, err := c.capture.Acquire(ctx)
	if err != nil {
		kind := KindDeviceUnavailable
		if errors.Is(err, audio.ErrPermissionDenied) {
			kind = KindPermissionDenied
			c.setPermission(PermissionDenied)
		}
		return rec, classifySetupError(ctx, kind, "acquire microphone", err)
	}
	rec.source = source
	c.setPermission(PermissionGranted)

	if c.sinks != nil {
		sink, err := c.sinks(desc)
		if err != nil {
			// Recording locally is best-effort; transcription goes on without it
			c.logger.Warn().Err(err).Msg("Failed to open recording sink")
			c.metrics.RecordError("sink_error", "recording")
		} else {
			rec.sink = sink
		}
	}

	return rec, nil
}

func classifySetupError(ctx context.Context, kind Kind, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimedOut, op, err)
	}
	if KindOf(err) != "" {
		return err
	}
	return NewError(kind, op, err)
}

func (c *Controller) failStart(err error) {
	kind := KindOf(err)
	c.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to start recording")
	c.metrics.RecordSetupEnd(false)
	c.metrics.RecordError(string(kind), "recording")

	c.mu.Lock()
	c.setErrorLocked(err)
	c.mu.Unlock()
	c.finishIdle()
}

// Stop ends the active recording. It is only valid from active.
// Cleanup is best-effort: step failures are logged and never abort later steps.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateActive {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, state)
	}
	gen := c.gen
	c.mu.Unlock()

	if !c.stopActive(gen, nil) {
		return fmt.Errorf("%w: recording already stopping", ErrInvalidState)
	}
	return nil
}

// stopActive tears down recording gen if it is still active. cause, when
// set, is surfaced to the user.
func (c *Controller) stopActive(gen uint64, cause error) bool {
	c.mu.Lock()
	if c.state != StateActive || c.gen != gen {
		c.mu.Unlock()
		return false
	}
	if cause != nil {
		c.setErrorLocked(cause)
	}
	rec := c.rec
	c.state = StateStopping
	c.mu.Unlock()
	c.publish()

	c.logger.Info().Str("session_id", rec.descriptor.ID).Msg("Stopping recording")
	c.teardown(rec)
	c.metrics.RecordRecordingEnd()
	c.finishIdle()
	return true
}

func (c *Controller) finishIdle() {
	c.mu.Lock()
	c.rec = nil
	c.state = StateIdle
	c.speaking = false
	c.mu.Unlock()

	if c.gate != nil {
		c.gate.Release(c.patientID)
	}
	c.publish()
}

// teardown runs the cleanup steps in order, each isolated from the others
func (c *Controller) teardown(rec *session) {
	if rec == nil {
		return
	}

	c.runStep("close recording sink", func() error {
		if rec.sink == nil {
			return nil
		}
		return rec.sink.Close()
	})

	c.runStep("send stop notification", func() error {
		if rec.stream == nil || !rec.stream.IsOpen() {
			return nil
		}
		return rec.stream.SendStop()
	})

	c.runStep("stop audio processing", func() error {
		if rec.cancelPump == nil {
			return nil
		}
		rec.cancelPump()
		select {
		case <-rec.pumpDone:
			return nil
		case <-time.After(pumpStopTimeout):
			return errors.New("audio pump did not stop in time")
		}
	})

	c.runStep("release microphone", func() error {
		if rec.source == nil {
			return nil
		}
		return rec.source.Release()
	})

	c.runStep("close stream", func() error {
		if rec.stream == nil {
			return nil
		}
		return rec.stream.Close(NormalClosure)
	})
}

func (c *Controller) runStep(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.reportCleanup(step, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		c.reportCleanup(step, err)
	}
}

func (c *Controller) reportCleanup(step string, err error) {
	cleanupErr := NewError(KindCleanupError, step, err)
	c.logger.Error().Err(cleanupErr).Str("step", step).Msg("Cleanup step failed")
	c.metrics.RecordError(string(KindCleanupError), "recording")
}

// pump forwards captured audio until its context is cancelled
func (c *Controller) pump(ctx context.Context, rec *session) {
	defer close(rec.pumpDone)

	sinkFailed := false
	for {
		block, err := rec.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("Audio source ended unexpectedly")
			go c.fail(rec.gen, NewError(KindDeviceUnavailable, "capture audio", err))
			return
		}

		pcm := audio.ConvertToPCM16(block)

		if rec.sink != nil && !sinkFailed {
			if _, err := rec.sink.Write(pcm); err != nil {
				if !errors.Is(err, audio.ErrSinkClosed) {
					c.logger.Warn().Err(err).Msg("Failed to write recording sink")
					c.metrics.RecordError("sink_error", "recording")
				}
				sinkFailed = true
			} else {
				c.metrics.RecordAudioBytes("sink", int64(len(pcm)))
			}
		}

		if _, started, ended := rec.vad.ProcessPCM(pcm); started || ended {
			c.mu.Lock()
			current := c.gen == rec.gen
			if current {
				c.speaking = rec.vad.IsSpeaking()
			}
			c.mu.Unlock()
			if current {
				c.publish()
			}
		}

		if rec.stream.IsOpen() {
			if err := rec.stream.SendAudio(pcm); err != nil {
				c.logger.Debug().Err(err).Msg("Dropped audio frame")
				continue
			}
			c.metrics.RecordAudioBytes("stream", int64(len(pcm)))
		}
	}
}

// fail reports an asynchronous failure of recording gen
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateRequesting:
		if c.pendingErr == nil {
			c.pendingErr = err
		}
		c.mu.Unlock()
		return
	case StateActive:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.logger.Debug().Err(err).Msg("Ignoring stream failure after stop")
		return
	}

	kind := KindOf(err)
	c.logger.Error().Err(err).Str("kind", string(kind)).Msg("Recording failed")
	c.metrics.RecordError(string(kind), "recording")
	c.stopActive(gen, err)
}

func (c *Controller) handleTranscript(gen uint64, ev transcript.Event) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if !c.assembler.Accepts(ev) {
		c.mu.Unlock()
		c.metrics.RecordTranscriptEvent("ignored")
		c.logger.Debug().Str("language", ev.Language).Msg("Ignored transcript in other language")
		return
	}

	c.live = ev.Text
	committed, ok := c.assembler.Apply(ev, c.committed)
	c.committed = committed
	c.mu.Unlock()

	if ok {
		c.metrics.RecordTranscriptEvent("final")
	} else {
		c.metrics.RecordTranscriptEvent("partial")
	}
	c.publish()
}

// handleRemoteClose treats a normal remote close as the end of the recording
func (c *Controller) handleRemoteClose(gen uint64, code int, reason string) {
	if code != NormalClosure {
		c.fail(gen, NewError(KindAbnormalClosure, "stream", fmt.Errorf("close code %d: %s", code, reason)))
		return
	}

	c.mu.Lock()
	state := c.state
	current := c.gen == gen
	c.mu.Unlock()
	if !current {
		return
	}

	c.logger.Info().Msg("Transcription service closed the stream")
	switch state {
	case StateRequesting:
		c.fail(gen, NewError(KindTransportError, "stream", errors.New("stream closed during setup")))
	case StateActive:
		c.stopActive(gen, nil)
	}
}

// streamEvents binds stream callbacks to one recording generation
type streamEvents struct {
	c   *Controller
	gen uint64
}

func (h *streamEvents) OnTranscript(ev transcript.Event) {
	h.c.handleTranscript(h.gen, ev)
}

func (h *streamEvents) OnError(err error) {
	if KindOf(err) == "" {
		err = NewError(KindTransportError, "stream", err)
	}
	go h.c.fail(h.gen, err)
}

func (h *streamEvents) OnClosed(code int, reason string) {
	go h.c.handleRemoteClose(h.gen, code, reason)
}

// Close stops an active recording and releases subscribers. A Start still
// in flight tears itself down when it completes.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	active := c.state == StateActive
	gen := c.gen
	c.mu.Unlock()

	if active {
		c.stopActive(gen, nil)
	}

	c.mu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	return nil
}

// SetPermission records the outcome of an out-of-band permission probe
func (c *Controller) SetPermission(p Permission) {
	c.setPermission(p)
	c.publish()
}

func (c *Controller) setPermission(p Permission) {
	c.mu.Lock()
	c.permission = p
	c.mu.Unlock()
}

func (c *Controller) setErrorLocked(err error) {
	kind := KindOf(err)
	if kind != "" && !kind.Surfaced() {
		return
	}
	c.errKind = kind
	c.errMsg = UserMessage(kind)
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		PatientID:  c.patientID,
		State:      c.state,
		SessionID:  c.sessionID,
		Live:       c.live,
		Transcript: c.committed,
		Error:      c.errMsg,
		ErrorKind:  c.errKind,
		Permission: c.permission,
		Speaking:   c.speaking,
	}
}

// Subscribe returns a channel of snapshots, starting with the current one.
// Slow subscribers only see the latest snapshots. The channel is closed by
// cancel or Close.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Snapshot, subscriberQueue)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				close(sub)
				delete(c.subs, id)
			}
		})
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// Drop the oldest snapshot to make room for the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/endoclinic/clinic-scribe/internal/config"
	"github.com/endoclinic/clinic-scribe/internal/observability"
	"github.com/endoclinic/clinic-scribe/internal/recording"
	"github.com/endoclinic/clinic-scribe/internal/resilience"
	"github.com/endoclinic/clinic-scribe/internal/transcript"
)

const breakerName = "deepgram"

// ErrStreamNotOpen is returned when sending on a stream that is not open
var ErrStreamNotOpen = errors.New("deepgram stream is not open")

// abnormalClosure is reported when the SDK signals a close we did not ask for;
// it carries no close code of its own
const abnormalClosure = 1006

// DeepgramProvider transcribes through Deepgram's streaming API. Deepgram
// needs no separate session request, so BeginSession only mints an id.
type DeepgramProvider struct {
	apiKey   string
	model    string
	language string
	breaker  *resilience.CircuitBreaker
	logger   zerolog.Logger
}

// NewDeepgramProvider creates a provider from configuration
func NewDeepgramProvider(cfg *config.Config, logger zerolog.Logger) *DeepgramProvider {
	breaker := resilience.NewCircuitBreaker(
		breakerName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	}

	return &DeepgramProvider{
		apiKey:   cfg.DeepgramAPIKey,
		model:    cfg.DeepgramModel,
		language: cfg.TranscriptLanguage,
		breaker:  breaker,
		logger:   logger.With().Str("component", "deepgram").Logger(),
	}
}

// Breaker exposes the circuit breaker guarding stream connects
func (p *DeepgramProvider) Breaker() *resilience.CircuitBreaker {
	return p.breaker
}

// BeginSession returns a locally generated session descriptor
func (p *DeepgramProvider) BeginSession(ctx context.Context) (recording.SessionDescriptor, error) {
	if p.apiKey == "" {
		return recording.SessionDescriptor{}, recording.NewError(recording.KindServiceUnavailable, "begin session", errors.New("deepgram api key is not configured"))
	}
	if p.breaker.GetState() == resilience.StateOpen {
		return recording.SessionDescriptor{}, recording.NewError(recording.KindServiceUnavailable, "begin session", resilience.ErrCircuitOpen)
	}
	id := uuid.New().String()
	return recording.SessionDescriptor{ID: id, URL: "deepgram:" + p.model}, nil
}

// Dial opens a Deepgram live transcription stream
func (p *DeepgramProvider) Dial(ctx context.Context, session recording.SessionDescriptor, handler recording.StreamHandler) (recording.DuplexStream, error) {
	// The stream outlives the setup context; Close cancels it
	streamCtx, cancel := context.WithCancel(context.Background())
	logger := p.logger.With().Str("session_id", session.ID).Logger()

	s := &deepgramStream{cancel: cancel, logger: logger}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler: func(msg *msginterfaces.MessageResponse) {
			if ev, ok := eventFromMessage(msg, p.language); ok {
				handler.OnTranscript(ev)
			}
		},
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			logger.Error().Msgf("Deepgram error: %+v", errorResponse)
			observability.IncrementCircuitBreakerFailures(breakerName)
			if s.markErrored() {
				handler.OnError(recording.NewError(recording.KindTransportError, "deepgram stream", fmt.Errorf("deepgram error: %+v", errorResponse)))
			}
		},
		closeHandler: func() {
			s.remoteClosed(handler)
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		streamCtx,
		p.apiKey,
		nil, // ClientOptions - nil uses defaults
		liveOptions(p.model, p.language),
		callback,
	)
	if err != nil {
		cancel()
		return nil, recording.NewError(recording.KindTransportError, "connect stream", fmt.Errorf("failed to create Deepgram client: %w", err))
	}

	err = p.breaker.Call(func() error {
		if !client.Connect() {
			return errors.New("failed to connect to Deepgram")
		}
		return nil
	})
	if err != nil {
		cancel()
		observability.IncrementCircuitBreakerFailures(breakerName)
		return nil, recording.NewError(recording.KindTransportError, "connect stream", err)
	}

	s.client = client
	s.open = true
	logger.Info().Str("model", p.model).Str("language", p.language).Msg("Deepgram streaming client started")
	return s, nil
}

// eventFromMessage converts a Deepgram result into a transcript event.
// The stream is restricted to one language, so results carry that language.
func eventFromMessage(msg *msginterfaces.MessageResponse, language string) (transcript.Event, bool) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return transcript.Event{}, false
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return transcript.Event{}, false
	}

	return transcript.Event{
		Text:     alt.Transcript,
		Language: language,
		IsFinal:  msg.IsFinal,
		Start:    msg.Start,
		End:      msg.Start + msg.Duration,
	}, true
}

// deepgramStream adapts the SDK client to recording.DuplexStream
type deepgramStream struct {
	client *listenClient.WSCallback
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	open    bool
	closed  bool
	errored bool
}

func (s *deepgramStream) markErrored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.errored {
		return false
	}
	s.errored = true
	s.open = false
	return true
}

// remoteClosed reports a close that did not come from Close or an earlier error
func (s *deepgramStream) remoteClosed(handler recording.StreamHandler) {
	if !s.markErrored() {
		return
	}
	s.logger.Warn().Msg("Deepgram closed the stream")
	handler.OnClosed(abnormalClosure, "deepgram connection closed")
}

func (s *deepgramStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *deepgramStream) SendAudio(pcm []byte) error {
	if !s.IsOpen() {
		return ErrStreamNotOpen
	}
	// WSCallback uses Write method for sending audio (returns bytes written and error)
	if _, err := s.client.Write(pcm); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// SendStop stops accepting audio; Deepgram's close-stream message is sent by Close
func (s *deepgramStream) SendStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrStreamNotOpen
	}
	s.open = false
	return nil
}

func (s *deepgramStream) Close(code int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.open = false
	s.mu.Unlock()

	// WSCallback Finish() doesn't return an error
	s.client.Finish()
	s.cancel()
	s.logger.Info().Int("code", code).Msg("Deepgram streaming client stopped")
	return nil
}

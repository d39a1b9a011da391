package gladia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/recording"
	"github.com/endoclinic/clinic-scribe/internal/transcript"
)

const closeWriteWait = time.Second

// ErrStreamNotOpen is returned when sending on a stream that is not open
var ErrStreamNotOpen = errors.New("transcription stream is not open")

// StreamState is the connection state of a Stream
type StreamState string

const (
	StreamConnecting StreamState = "connecting"
	StreamOpen       StreamState = "open"
	StreamClosing    StreamState = "closing"
	StreamClosed     StreamState = "closed"
	StreamErrored    StreamState = "errored"
)

// Dialer opens transcript streams for sessions
type Dialer struct {
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewDialer creates a websocket dialer
func NewDialer(logger zerolog.Logger) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  16384,
		},
		logger: logger.With().Str("component", "gladia_stream").Logger(),
	}
}

// Dial connects to the session's stream url. Handshake failures are
// returned as TransportError; after that, failures reach handler.
func (d *Dialer) Dial(ctx context.Context, session recording.SessionDescriptor, handler recording.StreamHandler) (recording.DuplexStream, error) {
	s := &Stream{
		handler: handler,
		logger:  d.logger.With().Str("session_id", session.ID).Logger(),
		state:   StreamConnecting,
		done:    make(chan struct{}),
	}

	conn, resp, err := d.dialer.DialContext(ctx, session.URL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		s.setState(StreamErrored)
		return nil, recording.NewError(recording.KindTransportError, "connect stream", err)
	}

	s.conn = conn
	s.setState(StreamOpen)
	s.logger.Debug().Msg("Transcription stream open")

	go s.readLoop()
	return s, nil
}

// Stream is a live duplex connection: PCM frames out, transcript events in
type Stream struct {
	conn    *websocket.Conn
	handler recording.StreamHandler
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	state      StreamState
	localClose bool

	done chan struct{}
}

// State returns the connection state
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// IsOpen reports whether audio may be sent
func (s *Stream) IsOpen() bool {
	return s.State() == StreamOpen
}

// Done is closed when the read loop exits
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// SendAudio writes one binary PCM frame
func (s *Stream) SendAudio(pcm []byte) error {
	if !s.IsOpen() {
		return ErrStreamNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// SendStop notifies the service that no more audio follows
func (s *Stream) SendStop() error {
	s.mu.Lock()
	if s.state != StreamOpen {
		s.mu.Unlock()
		return ErrStreamNotOpen
	}
	s.state = StreamClosing
	s.mu.Unlock()

	payload, err := json.Marshal(StopRecording)
	if err != nil {
		return fmt.Errorf("failed to marshal stop message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send stop message: %w", err)
	}
	return nil
}

// Close sends a close frame with code and closes the connection.
// After a local close the read loop exits without notifying the handler.
func (s *Stream) Close(code int) error {
	s.mu.Lock()
	if s.localClose {
		s.mu.Unlock()
		return nil
	}
	s.localClose = true
	wasLive := s.state == StreamOpen || s.state == StreamClosing
	if wasLive {
		s.state = StreamClosed
	}
	s.mu.Unlock()

	var writeErr error
	if wasLive {
		msg := websocket.FormatCloseMessage(code, "")
		writeErr = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		if errors.Is(writeErr, websocket.ErrCloseSent) {
			writeErr = nil
		}
	}

	// A connection the peer already ended has been closed by the read loop
	if err := s.conn.Close(); err != nil && wasLive && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close stream: %w", writeErr)
	}
	return nil
}

func (s *Stream) readLoop() {
	defer close(s.done)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ev, ok, err := transcript.ParseMessage(data)
		if err != nil {
			s.logger.Warn().
				Err(recording.NewError(recording.KindMessageParseError, "read stream", err)).
				Msg("Discarding malformed message")
			continue
		}
		if !ok {
			continue
		}
		s.handler.OnTranscript(ev)
	}
}

func (s *Stream) handleReadError(err error) {
	s.mu.Lock()
	if s.localClose {
		s.mu.Unlock()
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			s.state = StreamClosed
		} else {
			s.state = StreamErrored
		}
		s.mu.Unlock()
		_ = s.conn.Close()

		s.logger.Info().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("Transcription stream closed by peer")
		s.handler.OnClosed(closeErr.Code, closeErr.Text)
		return
	}

	s.state = StreamErrored
	s.mu.Unlock()
	_ = s.conn.Close()

	s.logger.Error().Err(err).Msg("Transcription stream failed")
	s.handler.OnError(recording.NewError(recording.KindTransportError, "read stream", err))
}

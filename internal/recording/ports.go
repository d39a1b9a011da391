package recording

import (
	"context"
	"io"

	"github.com/endoclinic/clinic-scribe/internal/audio"
	"github.com/endoclinic/clinic-scribe/internal/transcript"
)

// NormalClosure is the websocket close code for a graceful close
const NormalClosure = 1000

// SessionDescriptor identifies a remote transcription session
type SessionDescriptor struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// SessionInitiator requests a new transcription session
type SessionInitiator interface {
	BeginSession(ctx context.Context) (SessionDescriptor, error)
}

// StreamHandler receives events from a duplex stream. Calls may come from
// the stream's own goroutine and must not block.
type StreamHandler interface {
	OnTranscript(ev transcript.Event)
	// OnError reports a transport failure; the stream is unusable afterwards
	OnError(err error)
	// OnClosed reports a close initiated by the remote peer
	OnClosed(code int, reason string)
}

// DuplexStream carries PCM frames out and transcript events in
type DuplexStream interface {
	SendAudio(pcm []byte) error
	SendStop() error
	Close(code int) error
	IsOpen() bool
}

// StreamDialer opens a duplex stream for a session
type StreamDialer interface {
	Dial(ctx context.Context, session SessionDescriptor, handler StreamHandler) (DuplexStream, error)
}

// AudioCapture acquires the microphone
type AudioCapture interface {
	Acquire(ctx context.Context) (audio.Source, error)
}

// SinkFactory opens the local recording sink for a session
type SinkFactory func(session SessionDescriptor) (io.WriteCloser, error)

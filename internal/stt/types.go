package stt

import (
	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"

	"github.com/endoclinic/clinic-scribe/internal/audio"
)

// liveOptions describes the PCM16 16 kHz mono stream produced by the capture pipeline
func liveOptions(model, language string) *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          model,
		Language:       language,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       audio.Channels,
		SampleRate:     audio.SampleRate,
	}
}

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	handler                                func(*msginterfaces.MessageResponse)
	errorHandler                           func(*msginterfaces.ErrorResponse)
	closeHandler                           func()
}

// Message forwards transcription results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error reports a stream failure
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		m.errorHandler(errorResponse)
		return nil
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// Close reports that the connection went away
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	if m.closeHandler != nil {
		m.closeHandler()
		return nil
	}
	return m.DefaultCallbackHandler.Close(closeResponse)
}

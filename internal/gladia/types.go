package gladia

import (
	"github.com/endoclinic/clinic-scribe/internal/audio"
)

// SessionRequest is the payload for initiating a live session
type SessionRequest struct {
	Encoding       string         `json:"encoding"`
	SampleRate     int            `json:"sample_rate"`
	BitDepth       int            `json:"bit_depth"`
	Channels       int            `json:"channels"`
	LanguageConfig LanguageConfig `json:"language_config"`
	MessagesConfig MessagesConfig `json:"messages_config"`
}

// LanguageConfig restricts recognition languages
type LanguageConfig struct {
	Languages     []string `json:"languages"`
	CodeSwitching bool     `json:"code_switching"`
}

// MessagesConfig selects which event categories the session sends back
type MessagesConfig struct {
	ReceiveFinalTranscripts         bool `json:"receive_final_transcripts"`
	ReceiveSpeechEvents             bool `json:"receive_speech_events"`
	ReceivePreProcessingEvents      bool `json:"receive_pre_processing_events"`
	ReceiveRealtimeProcessingEvents bool `json:"receive_realtime_processing_events"`
	ReceivePostProcessingEvents     bool `json:"receive_post_processing_events"`
	ReceiveAcknowledgments          bool `json:"receive_acknowledgments"`
	ReceiveErrors                   bool `json:"receive_errors"`
	ReceiveLifecycleEvents          bool `json:"receive_lifecycle_events"`
}

// SessionResponse is returned by the session endpoint
type SessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ControlMessage is a structured text message sent over the stream
type ControlMessage struct {
	Type string `json:"type"`
}

// StopRecording tells the service no more audio will follow
var StopRecording = ControlMessage{Type: "stop_recording"}

// NewSessionRequest builds the fixed PCM16 16 kHz mono request for one language
func NewSessionRequest(language string) SessionRequest {
	return SessionRequest{
		Encoding:   "wav/pcm",
		SampleRate: audio.SampleRate,
		BitDepth:   audio.BitsPerSample,
		Channels:   audio.Channels,
		LanguageConfig: LanguageConfig{
			Languages:     []string{language},
			CodeSwitching: false,
		},
		MessagesConfig: MessagesConfig{
			ReceiveFinalTranscripts:         true,
			ReceiveSpeechEvents:             true,
			ReceivePreProcessingEvents:      false,
			ReceiveRealtimeProcessingEvents: false,
			ReceivePostProcessingEvents:     false,
			ReceiveAcknowledgments:          true,
			ReceiveErrors:                   true,
			ReceiveLifecycleEvents:          true,
		},
	}
}

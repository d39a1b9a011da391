package transcript

// Event is one utterance reported by the transcription service
type Event struct {
	// Text is the transcribed utterance
	Text string

	// Language is the language code reported for the utterance
	Language string

	// IsFinal marks an utterance the service will not revise further
	IsFinal bool

	// SessionID is the remote session the event belongs to, if reported
	SessionID string

	// Start and End are utterance offsets in seconds from the stream start
	Start float64
	End   float64
}

// Message is the inbound transcript message of the live streaming API.
// Fields that carry the shape guard are pointers so absence is detectable.
type Message struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	CreatedAt string       `json:"created_at"`
	Data      *MessageData `json:"data"`
}

// MessageData is the payload of a transcript message
type MessageData struct {
	ID        string     `json:"id"`
	Utterance *Utterance `json:"utterance"`
	IsFinal   bool       `json:"is_final"`
}

// Utterance is the transcribed segment inside a transcript message
type Utterance struct {
	Text     *string `json:"text"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Language string  `json:"language"`
	Channel  *int    `json:"channel,omitempty"`
}

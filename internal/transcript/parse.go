package transcript

import (
	"encoding/json"
	"errors"
)

// MessageTypeTranscript is the only inbound message type that carries text
const MessageTypeTranscript = "transcript"

// ParseMessage decodes one inbound text frame.
// Only a payload that is not valid JSON is an error. Valid JSON of any other
// shape, including a transcript whose fields have the wrong types, returns
// ok=false.
func ParseMessage(payload []byte) (Event, bool, error) {
	if !json.Valid(payload) {
		return Event{}, false, errors.New("failed to parse transcript message: invalid JSON")
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		// Syntax is valid, so this is a type mismatch
		return Event{}, false, nil
	}

	if msg.Type != MessageTypeTranscript || msg.Data == nil ||
		msg.Data.Utterance == nil || msg.Data.Utterance.Text == nil {
		return Event{}, false, nil
	}

	u := msg.Data.Utterance
	return Event{
		Text:      *u.Text,
		Language:  u.Language,
		IsFinal:   msg.Data.IsFinal,
		SessionID: msg.SessionID,
		Start:     u.Start,
		End:       u.End,
	}, true, nil
}

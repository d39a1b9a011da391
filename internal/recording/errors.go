package recording

import (
	"errors"
	"fmt"
)

// Kind classifies recording failures
type Kind string

const (
	KindPermissionDenied   Kind = "permission_denied"
	KindDeviceUnavailable  Kind = "device_unavailable"
	KindServiceUnavailable Kind = "service_unavailable"
	KindTransportError     Kind = "transport_error"
	KindAbnormalClosure    Kind = "abnormal_closure"
	KindMessageParseError  Kind = "message_parse_error"
	KindCleanupError       Kind = "cleanup_error"
	KindTimedOut           Kind = "timed_out"
)

// Error is a classified recording failure. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError creates a classified error
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare sentinel of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrDeviceUnavailable  = &Error{Kind: KindDeviceUnavailable}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrTransport          = &Error{Kind: KindTransportError}
	ErrAbnormalClosure    = &Error{Kind: KindAbnormalClosure}
	ErrMessageParse       = &Error{Kind: KindMessageParseError}
	ErrCleanup            = &Error{Kind: KindCleanupError}
	ErrTimedOut           = &Error{Kind: KindTimedOut}
)

var (
	// ErrInvalidState is returned when Start or Stop is called in the wrong state
	ErrInvalidState = errors.New("invalid recording state")
	// ErrMicrophoneBusy is returned when another consultation holds the microphone
	ErrMicrophoneBusy = errors.New("microphone is in use by another consultation")
	// ErrClosed is returned once the controller has been closed
	ErrClosed = errors.New("recording controller is closed")
)

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Surfaced reports whether errors of this kind are shown to the user
func (k Kind) Surfaced() bool {
	return k != KindMessageParseError && k != KindCleanupError
}

const fallbackMessage = "Failed to start recording. Please try again."

// UserMessage returns the text shown to the user for an error kind
func UserMessage(kind Kind) string {
	switch kind {
	case KindPermissionDenied:
		return "Microphone access denied. Please check your settings and ensure microphone permissions are enabled."
	case KindDeviceUnavailable:
		return "Failed to access microphone. Please check your permissions."
	case KindServiceUnavailable:
		return fallbackMessage
	case KindTransportError:
		return "Connection error with transcription service"
	case KindAbnormalClosure:
		return "Connection to transcription service was closed unexpectedly"
	case KindTimedOut:
		return "Timed out connecting to transcription service. Please try again."
	case KindCleanupError:
		return "Failed to stop recording properly"
	case KindMessageParseError:
		return ""
	}
	return fallbackMessage
}

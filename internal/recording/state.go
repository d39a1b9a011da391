package recording

import "sync"

// State is the lifecycle state of a controller
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateActive     State = "active"
	StateStopping   State = "stopping"
)

// Permission is the last known microphone permission
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Snapshot is a point-in-time view of a controller
type Snapshot struct {
	PatientID  string     `json:"patient_id"`
	State      State      `json:"state"`
	SessionID  string     `json:"session_id,omitempty"`
	Live       string     `json:"live_transcript"`
	Transcript string     `json:"transcript"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  Kind       `json:"error_kind,omitempty"`
	Permission Permission `json:"microphone_permission"`
	Speaking   bool       `json:"speaking"`
}

// Gate allows a single holder at a time; it guards the shared microphone
type Gate struct {
	mu     sync.Mutex
	holder string
}

// NewGate creates an empty gate
func NewGate() *Gate {
	return &Gate{}
}

// TryAcquire takes the gate for owner without blocking
func (g *Gate) TryAcquire(owner string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder != "" {
		return false
	}
	g.holder = owner
	return true
}

// Release frees the gate if owner holds it
func (g *Gate) Release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder == owner {
		g.holder = ""
	}
}

// Holder returns the current holder, or "" when free
func (g *Gate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

package api

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/audio"
	"github.com/endoclinic/clinic-scribe/internal/recording"
)

// ErrRegistryClosed is returned once the registry has shut down
var ErrRegistryClosed = errors.New("consultation registry is closed")

// ControllerFactory builds the recording controller for one patient
type ControllerFactory func(patientID string) *recording.Controller

// Registry owns one recording controller per patient consultation.
// Controllers are created on first use and live until Close.
type Registry struct {
	newController ControllerFactory
	logger        zerolog.Logger

	mu          sync.Mutex
	controllers map[string]*recording.Controller
	viewers     map[string]int
	permission  recording.Permission
	closed      bool
}

// NewRegistry creates an empty registry
func NewRegistry(factory ControllerFactory, logger zerolog.Logger) *Registry {
	return &Registry{
		newController: factory,
		logger:        logger.With().Str("component", "registry").Logger(),
		controllers:   make(map[string]*recording.Controller),
		viewers:       make(map[string]int),
		permission:    recording.PermissionUnknown,
	}
}

// Controller returns the patient's controller, creating it if needed
func (r *Registry) Controller(patientID string) (*recording.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if c, ok := r.controllers[patientID]; ok {
		return c, nil
	}

	c := r.newController(patientID)
	if r.permission != recording.PermissionUnknown {
		c.SetPermission(r.permission)
	}
	r.controllers[patientID] = c
	r.logger.Debug().Str("patient_id", patientID).Msg("Created recording controller")
	return c, nil
}

// Lookup returns the patient's controller without creating one
func (r *Registry) Lookup(patientID string) (*recording.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[patientID]
	return c, ok
}

// SetPermission applies a probe result to current and future controllers
func (r *Registry) SetPermission(p recording.Permission) {
	r.mu.Lock()
	r.permission = p
	controllers := make([]*recording.Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		controllers = append(controllers, c)
	}
	r.mu.Unlock()

	for _, c := range controllers {
		c.SetPermission(p)
	}
}

// AddViewer counts a live page attached to the patient
func (r *Registry) AddViewer(patientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewers[patientID]++
	return r.viewers[patientID]
}

// RemoveViewer drops a live page and returns how many remain
func (r *Registry) RemoveViewer(patientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.viewers[patientID] - 1
	if n <= 0 {
		delete(r.viewers, patientID)
		return 0
	}
	r.viewers[patientID] = n
	return n
}

// Viewers returns how many live pages are attached to the patient
func (r *Registry) Viewers(patientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewers[patientID]
}

// Close stops every recording and closes all controllers
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	controllers := r.controllers
	r.controllers = make(map[string]*recording.Controller)
	r.mu.Unlock()

	var errs []error
	for id, c := range controllers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("patient %s: %w", id, err))
		}
	}
	r.logger.Info().Int("controllers", len(controllers)).Msg("Registry closed")
	return errors.Join(errs...)
}

// RecordingPath returns where the latest recording of a patient is kept
func RecordingPath(dir, patientID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, patientID)
	return filepath.Join(dir, name+".wav")
}

// WAVSinks returns a sink factory that records the patient's sessions as WAV.
// Each new session replaces the previous recording.
func WAVSinks(dir, patientID string) recording.SinkFactory {
	return func(session recording.SessionDescriptor) (io.WriteCloser, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create recordings directory: %w", err)
		}
		sink, err := audio.CreateWAVSink(RecordingPath(dir, patientID))
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
}

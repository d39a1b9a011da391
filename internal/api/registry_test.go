package api

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/audio"
	"github.com/endoclinic/clinic-scribe/internal/recording"
)

func newTestRegistry() (*Registry, *int) {
	created := 0
	nop := zerolog.Nop()
	r := NewRegistry(func(patientID string) *recording.Controller {
		created++
		return recording.NewController(recording.Options{
			PatientID: patientID,
			Initiator: &fakeInitiator{},
			Dialer:    &fakeDialer{},
			Capture:   &fakeCapture{blocks: make(chan []float32)},
			Logger:    &nop,
		})
	}, nop)
	return r, &created
}

func TestRegistry_ControllerPerPatient(t *testing.T) {
	r, created := newTestRegistry()
	defer r.Close()

	a, err := r.Controller("P001")
	if err != nil {
		t.Fatalf("Controller failed: %v", err)
	}
	again, _ := r.Controller("P001")
	other, _ := r.Controller("P002")

	if a != again {
		t.Error("Expected the same controller for the same patient")
	}
	if a == other {
		t.Error("Expected distinct controllers per patient")
	}
	if *created != 2 {
		t.Errorf("Expected 2 controllers created, got %d", *created)
	}
	if _, ok := r.Lookup("P003"); ok {
		t.Error("Expected Lookup not to create controllers")
	}
}

func TestRegistry_SetPermission(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Close()

	existing, _ := r.Controller("P001")
	r.SetPermission(recording.PermissionDenied)
	later, _ := r.Controller("P002")

	if p := existing.Snapshot().Permission; p != recording.PermissionDenied {
		t.Errorf("Expected existing controller denied, got %s", p)
	}
	if p := later.Snapshot().Permission; p != recording.PermissionDenied {
		t.Errorf("Expected new controller denied, got %s", p)
	}
}

func TestRegistry_Viewers(t *testing.T) {
	r, _ := newTestRegistry()
	defer r.Close()

	if n := r.AddViewer("P001"); n != 1 {
		t.Errorf("Expected 1 viewer, got %d", n)
	}
	if n := r.AddViewer("P001"); n != 2 {
		t.Errorf("Expected 2 viewers, got %d", n)
	}
	if n := r.RemoveViewer("P001"); n != 1 {
		t.Errorf("Expected 1 viewer left, got %d", n)
	}
	if n := r.RemoveViewer("P001"); n != 0 {
		t.Errorf("Expected no viewers left, got %d", n)
	}
	if n := r.RemoveViewer("P001"); n != 0 {
		t.Errorf("Expected extra removal to stay at 0, got %d", n)
	}
}

func TestRegistry_Close(t *testing.T) {
	r, _ := newTestRegistry()

	c, _ := r.Controller("P001")
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
	if _, err := r.Controller("P001"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Expected ErrRegistryClosed, got %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, recording.ErrClosed) {
		t.Errorf("Expected closed controller to refuse Start, got %v", err)
	}
}

func TestRecordingPath(t *testing.T) {
	tests := []struct {
		id       string
		expected string
	}{
		{"P001", "P001.wav"},
		{"../etc/passwd", "___etc_passwd.wav"},
		{"a b", "a_b.wav"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := RecordingPath("/data", tt.id)
			if got != filepath.Join("/data", tt.expected) {
				t.Errorf("Expected %s, got %s", filepath.Join("/data", tt.expected), got)
			}
		})
	}
}

func TestWAVSinks_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "recordings")

	sink, err := WAVSinks(dir, "P001")(recording.SessionDescriptor{ID: "s"})
	if err != nil {
		t.Fatalf("Failed to open sink: %v", err)
	}
	if _, err := sink.Write(audio.ConvertToPCM16([]float32{0.25})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	wav, ok := sink.(*audio.WAVSink)
	if !ok {
		t.Fatalf("Expected *audio.WAVSink, got %T", sink)
	}
	if wav.Path() != RecordingPath(dir, "P001") {
		t.Errorf("Unexpected path %s", wav.Path())
	}
}

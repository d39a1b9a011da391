package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/audio"
	"github.com/endoclinic/clinic-scribe/internal/patients"
	"github.com/endoclinic/clinic-scribe/internal/recording"
)

// Server exposes the patient directory and consultation recordings over HTTP
type Server struct {
	directory     *patients.Directory
	registry      *Registry
	recordingsDir string
	logger        zerolog.Logger
}

// NewServer creates the API server
func NewServer(directory *patients.Directory, registry *Registry, recordingsDir string, logger zerolog.Logger) *Server {
	return &Server{
		directory:     directory,
		registry:      registry,
		recordingsDir: recordingsDir,
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

// Register adds the API routes to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/patients", s.listPatients)
	mux.HandleFunc("POST /api/patients", s.createPatient)
	mux.HandleFunc("GET /api/patients/{id}", s.getPatient)
	mux.HandleFunc("POST /api/patients/{id}/recording/start", s.startRecording)
	mux.HandleFunc("POST /api/patients/{id}/recording/stop", s.stopRecording)
	mux.HandleFunc("GET /api/patients/{id}/recording/status", s.recordingStatus)
	mux.HandleFunc("GET /api/patients/{id}/recording", s.downloadRecording)
	mux.HandleFunc("GET /api/patients/{id}/transcript", s.getTranscript)
	mux.HandleFunc("GET /api/patients/{id}/live", s.live)
}

type patientView struct {
	patients.Patient
	LastVisit string `json:"last_visit"`
}

func newPatientView(p patients.Patient) patientView {
	view := patientView{Patient: p}
	if last, err := p.LastVisit(); err == nil {
		view.LastVisit = last.Format(patients.DateLayout)
	}
	return view
}

type errorResponse struct {
	Error     string         `json:"error"`
	ErrorKind recording.Kind `json:"error_kind,omitempty"`
}

func (s *Server) listPatients(w http.ResponseWriter, r *http.Request) {
	found := s.directory.Search(r.URL.Query().Get("q"))
	views := make([]patientView, 0, len(found))
	for _, p := range found {
		views = append(views, newPatientView(p))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) createPatient(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := r.Body.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close request body")
		}
	}()

	var p patients.Patient
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}

	created, err := s.directory.Add(p)
	if err != nil {
		if errors.Is(err, patients.ErrDuplicate) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info().Str("patient_id", created.ID).Msg("Patient added")
	s.writeJSON(w, http.StatusCreated, newPatientView(created))
}

func (s *Server) getPatient(w http.ResponseWriter, r *http.Request) {
	p, ok := s.patient(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, newPatientView(p))
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}

	// The recording outlives the request, only the setup is bounded
	if err := c.Start(context.WithoutCancel(r.Context())); err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}

	if err := c.Stop(); err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) recordingStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) downloadRecording(w http.ResponseWriter, r *http.Request) {
	p, ok := s.patient(w, r)
	if !ok {
		return
	}

	if c, exists := s.registry.Lookup(p.ID); exists {
		if state := c.Snapshot().State; state != recording.StateIdle {
			s.writeError(w, http.StatusConflict, fmt.Errorf("recording is %s", state))
			return
		}
	}

	path := RecordingPath(s.recordingsDir, p.ID)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("no recording for patient %s", p.ID))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	header, err := audio.ReadWAVHeader(f)
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", p.ID).Str("path", path).Msg("Stored recording is unreadable")
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("recording for patient %s is corrupt", p.ID))
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Recording-Frames", strconv.Itoa(header.Frames()))
	http.ServeContent(w, r, p.ID+".wav", info.ModTime(), f)
}

func (s *Server) getTranscript(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(c.Snapshot().Transcript)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write transcript")
	}
}

// patient resolves the {id} path value, writing 404 for unknown patients
func (s *Server) patient(w http.ResponseWriter, r *http.Request) (patients.Patient, bool) {
	id := r.PathValue("id")
	p, err := s.directory.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return patients.Patient{}, false
	}
	return p, true
}

func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*recording.Controller, bool) {
	p, ok := s.patient(w, r)
	if !ok {
		return nil, false
	}
	c, err := s.registry.Controller(p.ID)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return nil, false
	}
	return c, true
}

// statusForError maps recording failures onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, recording.ErrInvalidState), errors.Is(err, recording.ErrMicrophoneBusy):
		return http.StatusConflict
	case errors.Is(err, recording.ErrClosed), errors.Is(err, ErrRegistryClosed):
		return http.StatusServiceUnavailable
	}

	switch recording.KindOf(err) {
	case recording.KindPermissionDenied:
		return http.StatusForbidden
	case recording.KindDeviceUnavailable:
		return http.StatusServiceUnavailable
	case recording.KindServiceUnavailable, recording.KindTransportError, recording.KindAbnormalClosure:
		return http.StatusBadGateway
	case recording.KindTimedOut:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError replies with the user-facing message for classified errors
func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if kind := recording.KindOf(err); kind != "" {
		resp.ErrorKind = kind
		if msg := recording.UserMessage(kind); msg != "" {
			resp.Error = msg
		}
	}

	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).Int("status", status).Msg("Request failed")

	s.writeJSON(w, status, resp)
}

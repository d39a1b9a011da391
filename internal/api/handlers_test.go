package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/endoclinic/clinic-scribe/internal/audio"
	"github.com/endoclinic/clinic-scribe/internal/recording"
	"github.com/endoclinic/clinic-scribe/internal/transcript"
)

func doRequest(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return resp, data
}

func decodeSnapshot(t *testing.T, data []byte) recording.Snapshot {
	t.Helper()
	var snap recording.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Failed to decode snapshot %s: %v", data, err)
	}
	return snap
}

func decodeError(t *testing.T, data []byte) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Failed to decode error %s: %v", data, err)
	}
	return resp
}

func TestListPatients(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/patients?q=thyro", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var views []patientView
	if err := json.Unmarshal(body, &views); err != nil {
		t.Fatalf("Failed to decode patients: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("Expected 3 patients, got %d", len(views))
	}
	if views[0].ID != "P002" || views[0].LastVisit != "2023-03-17" {
		t.Errorf("Unexpected first patient: %+v", views[0])
	}

	_, body = doRequest(t, http.MethodGet, env.server.URL+"/api/patients", "")
	if err := json.Unmarshal(body, &views); err != nil {
		t.Fatalf("Failed to decode patients: %v", err)
	}
	if len(views) != 10 {
		t.Errorf("Expected 10 patients, got %d", len(views))
	}
}

func TestGetPatient(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/patients/P001", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var view patientView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("Failed to decode patient: %v", err)
	}
	if view.Name != "John Smith" || view.LastVisit != "2023-03-16" {
		t.Errorf("Unexpected patient: %+v", view)
	}

	resp, _ = doRequest(t, http.MethodGet, env.server.URL+"/api/patients/P999", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown patient, got %d", resp.StatusCode)
	}
}

func TestCreatePatient(t *testing.T) {
	env := newTestEnv(t, nil)
	url := env.server.URL + "/api/patients"

	tests := []struct {
		name     string
		body     string
		expected int
	}{
		{"valid", `{"id":"P011","name":"Ana Lopez","diagnosis":"Prediabetes","date":"2023-05-01"}`, http.StatusCreated},
		{"duplicate", `{"id":"P001","name":"Someone","diagnosis":"Other","date":"2023-05-01"}`, http.StatusConflict},
		{"missing diagnosis", `{"id":"P012","name":"No Diagnosis","date":"2023-05-01"}`, http.StatusBadRequest},
		{"bad date", `{"id":"P013","name":"Bad Date","diagnosis":"X","date":"May 1"}`, http.StatusBadRequest},
		{"unknown field", `{"id":"P014","name":"A","diagnosis":"B","date":"2023-05-01","age":4}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodPost, url, tt.body)
			if resp.StatusCode != tt.expected {
				t.Errorf("Expected %d, got %d: %s", tt.expected, resp.StatusCode, body)
			}
		})
	}

	resp, _ := doRequest(t, http.MethodGet, url+"/P011", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected added patient to be retrievable, got %d", resp.StatusCode)
	}
}

func TestRecordingStartStop(t *testing.T) {
	env := newTestEnv(t, nil)
	base := env.server.URL + "/api/patients/P001/recording"

	resp, body := doRequest(t, http.MethodPost, base+"/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	if snap := decodeSnapshot(t, body); snap.State != recording.StateActive || snap.SessionID != "sess-1" {
		t.Errorf("Unexpected snapshot after start: %+v", snap)
	}

	resp, _ = doRequest(t, http.MethodPost, base+"/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for second start, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, base, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for download while recording, got %d", resp.StatusCode)
	}

	env.capture.blocks <- []float32{0.5, -0.5, 0, 1}
	waitFor(t, "audio frame", func() bool {
		stream, _ := env.dialer.current()
		return stream.frameCount() == 1
	})

	resp, body = doRequest(t, http.MethodGet, base+"/status", "")
	if snap := decodeSnapshot(t, body); resp.StatusCode != http.StatusOK || snap.State != recording.StateActive {
		t.Errorf("Expected active status, got %d %+v", resp.StatusCode, snap)
	}

	resp, body = doRequest(t, http.MethodPost, base+"/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	if snap := decodeSnapshot(t, body); snap.State != recording.StateIdle {
		t.Errorf("Expected idle after stop, got %s", snap.State)
	}

	resp, _ = doRequest(t, http.MethodPost, base+"/stop", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 for stop while idle, got %d", resp.StatusCode)
	}

	resp, body = doRequest(t, http.MethodGet, base, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for recording, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Expected audio/wav, got %q", ct)
	}
	if frames := resp.Header.Get("X-Recording-Frames"); frames != "4" {
		t.Errorf("Expected 4 frames advertised, got %q", frames)
	}
	header, err := audio.ReadWAVHeader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to read recording header: %v", err)
	}
	samples, err := audio.DecodePCM16(body[44:])
	if err != nil {
		t.Fatalf("Failed to decode recording: %v", err)
	}
	if header.SampleRate != audio.SampleRate || len(samples) != 4 {
		t.Errorf("Expected 4 samples at %d Hz, got %d at %d", audio.SampleRate, len(samples), header.SampleRate)
	}
	if samples[0] != 16384 || samples[1] != -16384 || samples[3] != 32767 {
		t.Errorf("Unexpected samples: %v", samples)
	}
}

func TestRecordingNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := doRequest(t, http.MethodGet, env.server.URL+"/api/patients/P003/recording", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 without a recording, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, env.server.URL+"/api/patients/P999/recording/start", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown patient, got %d", resp.StatusCode)
	}
}

func TestRecordingCorrupt(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := os.WriteFile(RecordingPath(env.dir, "P003"), []byte("not a wav file at all"), 0o644); err != nil {
		t.Fatalf("Failed to write recording: %v", err)
	}

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/patients/P003/recording", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Expected 500 for a corrupt recording, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "corrupt") {
		t.Errorf("Expected corrupt recording error, got %s", body)
	}
}

func TestStartRecording_Failures(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*testEnv)
		status   int
		kind     recording.Kind
		expected string
	}{
		{
			name: "permission denied",
			mutate: func(e *testEnv) {
				e.capture.err = fmt.Errorf("ffmpeg: %w", audio.ErrPermissionDenied)
			},
			status: http.StatusForbidden,
			kind:   recording.KindPermissionDenied,
		},
		{
			name: "device unavailable",
			mutate: func(e *testEnv) {
				e.capture.err = audio.ErrDeviceUnavailable
			},
			status: http.StatusServiceUnavailable,
			kind:   recording.KindDeviceUnavailable,
		},
		{
			name: "service unavailable",
			mutate: func(e *testEnv) {
				e.initiator.err = recording.NewError(recording.KindServiceUnavailable, "begin session", errors.New("status 500"))
			},
			status: http.StatusBadGateway,
			kind:   recording.KindServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.mutate)

			resp, body := doRequest(t, http.MethodPost, env.server.URL+"/api/patients/P001/recording/start", "")
			if resp.StatusCode != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, resp.StatusCode, body)
			}
			errResp := decodeError(t, body)
			if errResp.ErrorKind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, errResp.ErrorKind)
			}
			if errResp.Error != recording.UserMessage(tt.kind) {
				t.Errorf("Expected user message %q, got %q", recording.UserMessage(tt.kind), errResp.Error)
			}

			_, body = doRequest(t, http.MethodGet, env.server.URL+"/api/patients/P001/recording/status", "")
			snap := decodeSnapshot(t, body)
			if snap.State != recording.StateIdle || snap.ErrorKind != tt.kind {
				t.Errorf("Expected idle with %s error, got %+v", tt.kind, snap)
			}
		})
	}
}

func TestStartRecording_MicrophoneBusy(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := doRequest(t, http.MethodPost, env.server.URL+"/api/patients/P001/recording/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, env.server.URL+"/api/patients/P002/recording/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 while another patient records, got %d", resp.StatusCode)
	}
	if state := env.state(t, "P002"); state != recording.StateIdle {
		t.Errorf("Expected P002 to stay idle, got %s", state)
	}
}

func TestGetTranscript(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := doRequest(t, http.MethodPost, env.server.URL+"/api/patients/P001/recording/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	_, handler := env.dialer.current()
	handler.OnTranscript(transcript.Event{Text: "Hello", Language: "en", IsFinal: true})
	handler.OnTranscript(transcript.Event{Text: "Bonjour", Language: "fr", IsFinal: true})
	handler.OnTranscript(transcript.Event{Text: "world", Language: "en", IsFinal: true})

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/api/patients/P001/transcript", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("Expected text/plain, got %q", resp.Header.Get("Content-Type"))
	}
	if string(body) != "Hello; world" {
		t.Errorf("Expected 'Hello; world', got %q", body)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"invalid state", fmt.Errorf("%w: busy", recording.ErrInvalidState), http.StatusConflict},
		{"microphone busy", recording.ErrMicrophoneBusy, http.StatusConflict},
		{"closed", recording.ErrClosed, http.StatusServiceUnavailable},
		{"registry closed", ErrRegistryClosed, http.StatusServiceUnavailable},
		{"permission", recording.NewError(recording.KindPermissionDenied, "acquire", nil), http.StatusForbidden},
		{"device", recording.NewError(recording.KindDeviceUnavailable, "acquire", nil), http.StatusServiceUnavailable},
		{"service", recording.NewError(recording.KindServiceUnavailable, "begin", nil), http.StatusBadGateway},
		{"transport", recording.NewError(recording.KindTransportError, "dial", nil), http.StatusBadGateway},
		{"abnormal", recording.NewError(recording.KindAbnormalClosure, "stream", nil), http.StatusBadGateway},
		{"timeout", recording.NewError(recording.KindTimedOut, "dial", nil), http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

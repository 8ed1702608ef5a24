package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"duplex-transcription-service/internal/models"
	"duplex-transcription-service/internal/service/capture"
	"duplex-transcription-service/internal/service/orchestrator"
	"duplex-transcription-service/internal/service/stt"
)

type fakeController struct {
	mu         sync.Mutex
	initErr    error
	closeErr   error
	ingestErr  error
	captureErr error
	language   string
	closed     int
	audio      map[models.Channel][]byte
	mime       string
}

func newFakeController() *fakeController {
	return &fakeController{audio: make(map[models.Channel][]byte)}
}

func (f *fakeController) Initialize(_ context.Context, language string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return "", f.initErr
	}
	f.language = language
	return "session-1", nil
}

func (f *fakeController) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

func (f *fakeController) IngestAudio(ch models.Channel, data []byte, mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.audio[ch] = append(f.audio[ch], data...)
	f.mime = mimeType
	return nil
}

func (f *fakeController) StartCapture() error { return f.captureErr }
func (f *fakeController) StopCapture() error  { return nil }

func (f *fakeController) Status() orchestrator.Status {
	return orchestrator.Status{SessionID: "session-1", Active: true, Provider: "mock"}
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	r := NewRouter(newFakeController(), nil, zerolog.Nop())
	for _, path := range []string{"/v1/liveness", "/v1/readiness"} {
		if rec := do(t, r, http.MethodGet, path, nil, nil); rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestRouter_StartSession(t *testing.T) {
	ctrl := newFakeController()
	r := NewRouter(ctrl, nil, zerolog.Nop())

	rec := do(t, r, http.MethodPost, "/v1/session", []byte(`{"language":"de-DE"}`), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID != "session-1" {
		t.Errorf("expected session-1, got %q", resp.SessionID)
	}
	if ctrl.language != "de-DE" {
		t.Errorf("expected language de-DE, got %q", ctrl.language)
	}

	// An empty body uses the default language.
	if rec := do(t, r, http.MethodPost, "/v1/session", nil, nil); rec.Code != http.StatusCreated {
		t.Errorf("empty body: expected 201, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, "/v1/session", []byte(`{bad`), nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", rec.Code)
	}
}

func TestRouter_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{orchestrator.ErrAlreadyInitialized, http.StatusConflict},
		{fmt.Errorf("resolve: %w", stt.ErrMissingCredential), http.StatusUnprocessableEntity},
		{stt.ErrUnknownFamily, http.StatusUnprocessableEntity},
		{stt.ErrStreamingUnsupported, http.StatusUnprocessableEntity},
		{errors.New("dial failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.initErr = tt.err
			rec := do(t, NewRouter(ctrl, nil, zerolog.Nop()), http.MethodPost, "/v1/session", nil, nil)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.err.Error()) {
				t.Errorf("expected error message in body, got %s", rec.Body.String())
			}
		})
	}
}

func TestRouter_CloseSession(t *testing.T) {
	ctrl := newFakeController()
	r := NewRouter(ctrl, nil, zerolog.Nop())
	if rec := do(t, r, http.MethodDelete, "/v1/session", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if ctrl.closed != 1 {
		t.Errorf("expected one close, got %d", ctrl.closed)
	}
}

func TestRouter_IngestAudio(t *testing.T) {
	ctrl := newFakeController()
	r := NewRouter(ctrl, nil, zerolog.Nop())

	pcm := []byte{1, 2, 3, 4}
	rec := do(t, r, http.MethodPost, "/v1/audio/remote", pcm, map[string]string{"Content-Type": "audio/pcm;rate=24000"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !bytes.Equal(ctrl.audio[models.ChannelRemote], pcm) {
		t.Errorf("expected remote audio forwarded, got %v", ctrl.audio)
	}
	if ctrl.mime != "audio/pcm;rate=24000" {
		t.Errorf("expected mime passed through, got %q", ctrl.mime)
	}

	do(t, r, http.MethodPost, "/v1/audio/local", pcm, map[string]string{"Content-Type": "application/octet-stream"})
	if ctrl.mime != "" {
		t.Errorf("non-audio content type should defer to default, got %q", ctrl.mime)
	}

	if rec := do(t, r, http.MethodPost, "/v1/audio/both", pcm, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown channel: expected 400, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, "/v1/audio/local", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty body: expected 400, got %d", rec.Code)
	}
	big := make([]byte, maxAudioBody+1)
	if rec := do(t, r, http.MethodPost, "/v1/audio/local", big, nil); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: expected 413, got %d", rec.Code)
	}

	ctrl.ingestErr = orchestrator.ErrNotInitialized
	if rec := do(t, r, http.MethodPost, "/v1/audio/local", pcm, nil); rec.Code != http.StatusConflict {
		t.Errorf("no session: expected 409, got %d", rec.Code)
	}
}

func TestRouter_Capture(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusNoContent},
		{capture.ErrRemoteNotReady, http.StatusConflict},
		{capture.ErrAlreadyRunning, http.StatusConflict},
		{capture.ErrUnsupportedPlatform, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		ctrl := newFakeController()
		ctrl.captureErr = tt.err
		r := NewRouter(ctrl, nil, zerolog.Nop())
		if rec := do(t, r, http.MethodPost, "/v1/capture/start", nil, nil); rec.Code != tt.want {
			t.Errorf("start with %v: expected %d, got %d", tt.err, tt.want, rec.Code)
		}
	}

	r := NewRouter(newFakeController(), nil, zerolog.Nop())
	if rec := do(t, r, http.MethodPost, "/v1/capture/stop", nil, nil); rec.Code != http.StatusNoContent {
		t.Errorf("stop: expected 204, got %d", rec.Code)
	}
}

func TestRouter_Status(t *testing.T) {
	r := NewRouter(newFakeController(), nil, zerolog.Nop())
	rec := do(t, r, http.MethodGet, "/v1/status", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st orchestrator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Active || st.SessionID != "session-1" || st.Provider != "mock" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestRouter_EventsOptional(t *testing.T) {
	r := NewRouter(newFakeController(), nil, zerolog.Nop())
	if rec := do(t, r, http.MethodGet, "/v1/events", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without hub, got %d", rec.Code)
	}
}

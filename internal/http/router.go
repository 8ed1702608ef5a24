// Package http exposes the coordinator over a chi HTTP API and streams its
// events to WebSocket clients.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"duplex-transcription-service/internal/models"
	"duplex-transcription-service/internal/service/capture"
	"duplex-transcription-service/internal/service/orchestrator"
	"duplex-transcription-service/internal/service/stt"
)

// maxAudioBody bounds one audio upload (~10 s of mono PCM16 at 24 kHz).
const maxAudioBody = 1 << 20

// Controller is the session surface the API drives.
type Controller interface {
	Initialize(ctx context.Context, language string) (string, error)
	Close(ctx context.Context) error
	IngestAudio(ch models.Channel, data []byte, mimeType string) error
	StartCapture() error
	StopCapture() error
	Status() orchestrator.Status
}

type handler struct {
	ctrl   Controller
	logger zerolog.Logger
}

// NewRouter constructs the HTTP router for the service. events serves
// GET /v1/events and may be nil.
func NewRouter(ctrl Controller, events http.Handler, logger zerolog.Logger) http.Handler {
	h := &handler{ctrl: ctrl, logger: logger}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/session", h.startSession)
		r.Delete("/session", h.closeSession)
		r.Post("/audio/{channel}", h.ingestAudio)
		r.Post("/capture/start", h.startCapture)
		r.Post("/capture/stop", h.stopCapture)
		r.Get("/status", h.status)
		if events != nil {
			r.Handle("/events", events)
		}
	})

	return r
}

type sessionRequest struct {
	Language string `json:"language"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	id, err := h.ctrl.Initialize(r.Context(), req.Language)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: id})
}

func (h *handler) closeSession(w http.ResponseWriter, r *http.Request) {
	// Closing drains pending turns; detach from the client's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 45*time.Second)
	defer cancel()
	if err := h.ctrl.Close(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) ingestAudio(w http.ResponseWriter, r *http.Request) {
	ch, err := models.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty audio body"))
		return
	}

	if err := h.ctrl.IngestAudio(ch, data, audioMimeType(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) startCapture(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StartCapture(); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) stopCapture(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StopCapture(); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// audioMimeType passes through audio/* content types; anything else lets the
// session apply its default.
func audioMimeType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "audio/") {
		return ct
	}
	return ""
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	ev := h.logger.Warn()
	if code >= http.StatusInternalServerError {
		ev = h.logger.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNotInitialized),
		errors.Is(err, orchestrator.ErrAlreadyInitialized),
		errors.Is(err, capture.ErrRemoteNotReady),
		errors.Is(err, capture.ErrAlreadyRunning),
		errors.Is(err, capture.ErrStartAborted):
		return http.StatusConflict
	case errors.Is(err, capture.ErrUnsupportedPlatform):
		return http.StatusNotImplemented
	case errors.Is(err, stt.ErrUnknownFamily),
		errors.Is(err, stt.ErrMissingProvider),
		errors.Is(err, stt.ErrMissingModel),
		errors.Is(err, stt.ErrMissingCredential),
		errors.Is(err, stt.ErrUnsupportedProvider),
		errors.Is(err, stt.ErrStreamingUnsupported),
		errors.Is(err, stt.ErrBatchUnsupported):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

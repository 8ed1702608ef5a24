package app

import (
	"google.golang.org/grpc/health/grpc_health_v1"

	"duplex-transcription-service/internal/models"
	"duplex-transcription-service/internal/service/orchestrator"
)

// healthListener mirrors the session lifecycle into the gRPC health service.
type healthListener struct {
	app *Application
}

func (h *healthListener) OnTranscript(models.TranscriptEvent) {}
func (h *healthListener) OnCaptureAudio(models.CaptureChunk)  {}

func (h *healthListener) OnStatus(st models.StatusUpdate) {
	switch st.Message {
	case orchestrator.StatusListening:
		h.app.healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	case orchestrator.StatusClosed:
		h.app.healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
}

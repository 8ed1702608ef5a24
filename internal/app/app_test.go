package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/health/grpc_health_v1"

	"duplex-transcription-service/internal/config"
	"duplex-transcription-service/internal/models"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Capture.Enabled = false
	cfg.STT.MockDelay = 0
	cfg.Observability.LogLevel = "error"
	return cfg
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Session.BatchWindow = 3 * time.Second
	cfg.Session.MaxBatchBytes = 4096
	cfg.Session.FlushOnClose = false

	cc := coordinatorConfig(cfg)
	if cc.BatchLimits.Window != 3*time.Second || cc.BatchLimits.MaxBatchBytes != 4096 {
		t.Errorf("unexpected batch limits %+v", cc.BatchLimits)
	}
	if cc.FlushOnClose {
		t.Error("expected flush on close disabled")
	}
	if cc.DebounceInterval != 2*time.Second || cc.SampleRateHz != 24000 {
		t.Errorf("unexpected coordinator config %+v", cc)
	}
}

func TestCaptureOptions(t *testing.T) {
	a := New(testConfig())
	defer a.Publisher.Close()

	if opts := captureOptions(config.CaptureConfig{Enabled: false}, a.Logger); opts.Spawn != nil {
		t.Error("disabled capture must not configure a spawner")
	}

	opts := captureOptions(config.CaptureConfig{
		Enabled:    true,
		Binary:     "/usr/local/bin/capturer",
		Args:       []string{"--raw"},
		ChunkBytes: 9600,
	}, a.Logger)
	if opts.Spawn == nil || opts.KillStrays == nil {
		t.Fatal("expected spawn and stray-kill hooks")
	}
	if opts.ProcessName != "capturer" {
		t.Errorf("expected process name 'capturer', got %q", opts.ProcessName)
	}
	if !opts.PlatformSupported() {
		t.Error("explicit binary should count as supported")
	}
}

func TestApplication_SessionEndToEnd(t *testing.T) {
	a := New(testConfig())
	defer a.Publisher.Close()
	defer a.Hub.Close()

	srv := httptest.NewServer(a.httpServer.Handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()

	resp, err := http.Post(srv.URL+"/v1/session", "application/json", strings.NewReader(`{"language":"en-US"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	check, err := a.healthServer.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: healthService})
	if err != nil {
		t.Fatal(err)
	}
	if check.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("expected session health SERVING, got %v", check.Status)
	}

	// The mock closes a turn after one frame per word plus one.
	frame := bytes.Repeat([]byte{1, 0}, 480)
	for range 12 {
		resp, err := http.Post(srv.URL+"/v1/audio/local", "audio/pcm;rate=24000", bytes.NewReader(frame))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", resp.StatusCode)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	var final *models.TranscriptEvent
	for final == nil {
		_ = conn.SetReadDeadline(deadline)
		var ev models.TranscriptEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for final transcript: %v", err)
		}
		if ev.EventType == models.EventTranscriptFinal {
			final = &ev
		}
	}
	if final.Channel != models.ChannelLocal || final.Text == "" || !strings.Contains(final.TurnID, "-local-turn-") {
		t.Errorf("unexpected final %+v", final)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/session", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	check, _ = a.healthServer.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: healthService})
	if check.Status != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected session health NOT_SERVING after close, got %v", check.Status)
	}

	resp, err = http.Post(srv.URL+"/v1/audio/local", "audio/pcm", bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("audio after close: expected 409, got %d", resp.StatusCode)
	}
}

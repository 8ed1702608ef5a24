// Package app wires configuration, the session coordinator and the service's
// HTTP, gRPC and metrics surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"duplex-transcription-service/internal/config"
	"duplex-transcription-service/internal/events"
	apihttp "duplex-transcription-service/internal/http"
	"duplex-transcription-service/internal/observability"
	"duplex-transcription-service/internal/observability/logging"
	"duplex-transcription-service/internal/observability/metrics"
	"duplex-transcription-service/internal/service/audio"
	"duplex-transcription-service/internal/service/capture"
	"duplex-transcription-service/internal/service/orchestrator"
	"duplex-transcription-service/internal/service/stt"
	"duplex-transcription-service/internal/service/stt/factory"
)

const serviceName = "duplex-transcription-service"

// healthService is the gRPC health name reporting whether a session is open.
const healthService = "duplex.transcription.Session"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Metrics     *metrics.Metrics
	Coordinator *orchestrator.Coordinator
	Publisher   *events.Publisher
	Hub         *apihttp.Hub

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	obsServer    *observability.Server
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg:     cfg,
		Metrics: metrics.DefaultMetrics,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	a.Coordinator = orchestrator.NewCoordinator(
		coordinatorConfig(cfg),
		stt.NewStaticResolver(cfg.Descriptor()),
		factory.New(factory.Endpoints{
			Gemini:         cfg.STT.GeminiEndpoint,
			OpenAIRealtime: cfg.STT.OpenAIRealtimeEndpoint,
			OpenAIBase:     cfg.STT.OpenAIBaseURL,
		}, cfg.STT.MockDelay),
		captureOptions(cfg.Capture, appLogger),
		a.Metrics,
	)

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Service.Principal,
	})
	a.Hub = apihttp.NewHub(logging.WithComponent("events-hub"))
	a.Coordinator.AddListener(a.Publisher)
	a.Coordinator.AddListener(a.Hub)
	a.Coordinator.AddListener(&healthListener{app: a})

	a.httpServer = &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           apihttp.NewRouter(a.Coordinator, a.Hub, logging.WithComponent("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(a.Metrics)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(a.Metrics)),
	)
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
	reflection.Register(a.grpcServer)

	a.obsServer = observability.NewServer(cfg.Observability.MetricsAddr, nil)

	appLogger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Str("sttFamily", cfg.STT.Family).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("Duplex transcription service application created")
	return a
}

func coordinatorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		DebounceInterval: cfg.Session.DebounceInterval,
		BatchLimits: audio.BatchLimits{
			Window:        cfg.Session.BatchWindow,
			Timeout:       cfg.Session.BatchTimeout,
			MaxBatchBytes: cfg.Session.MaxBatchBytes,
		},
		FlushOnClose: cfg.Session.FlushOnClose,
		InboxSize:    cfg.Session.InboxSize,
		SampleRateHz: cfg.STT.SampleRateHz,
	}
}

// captureOptions returns supervisor options, or zero options when capture is
// disabled or the platform has no capture command.
func captureOptions(cfg config.CaptureConfig, logger zerolog.Logger) capture.Options {
	if !cfg.Enabled {
		logger.Info().Msg("System audio capture disabled")
		return capture.Options{}
	}

	cmd, ok := capture.DefaultCommand()
	if cfg.Binary != "" {
		cmd, ok = capture.Command{Binary: cfg.Binary, Args: cfg.Args}, true
	}
	if !ok {
		logger.Info().Msg("System audio capture unsupported on this platform")
		return capture.Options{}
	}

	logger.Info().Str("binary", cmd.Binary).Strs("args", cmd.Args).Msg("System audio capture configured")
	return capture.Options{
		ProcessName:       filepath.Base(cmd.Binary),
		ChunkBytes:        cfg.ChunkBytes,
		Spawn:             capture.ExecSpawner(cmd),
		KillStrays:        capture.KillStrays,
		PlatformSupported: func() bool { return true },
	}
}

// setupLogger configures zerolog for the service. ZEROLOG_LOG_LEVEL overrides
// the configured level and ENV=dev switches to console output.
func (a *Application) setupLogger() {
	logCfg := logging.DefaultConfig()
	logCfg.Level = a.Cfg.Observability.LogLevel
	logCfg.Format = a.Cfg.Observability.LogFormat
	if envLevel := os.Getenv("ZEROLOG_LOG_LEVEL"); envLevel != "" {
		logCfg.Level = strings.ToLower(envLevel)
	}
	if os.Getenv("ENV") == "dev" {
		logCfg.Format = "console"
	}
	logging.Init(logCfg)

	a.Logger = logging.WithComponent("application").With().
		Str("service", serviceName).
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

// Start begins serving HTTP, gRPC and metrics traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	lis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	a.StartupTime = time.Now().UTC()
	a.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	a.healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	a.obsServer.Start()

	go func() {
		startLogger.Info().Str("port", a.Cfg.Service.GRPCPort).Msg("gRPC server started")
		if err := a.grpcServer.Serve(lis); err != nil {
			startLogger.Error().Err(err).Msg("gRPC serve failed")
		}
	}()

	go func() {
		startLogger.Info().Str("addr", a.httpServer.Addr).Msg("HTTP API server started")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startLogger.Error().Err(err).Msg("HTTP API server error")
		}
	}()

	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Duplex transcription service starting")
	return nil
}

// Shutdown closes the active session, draining pending turns, then stops the
// servers and the publisher.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Duplex transcription service shutting down")
	a.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if err := a.Coordinator.Close(ctx); err != nil {
		shutdownLogger.Error().Err(err).Msg("Session close failed")
	}
	if err := a.httpServer.Shutdown(ctx); err != nil {
		shutdownLogger.Error().Err(err).Msg("HTTP API shutdown failed")
	}
	a.Hub.Close()
	a.grpcServer.GracefulStop()
	if err := a.obsServer.Shutdown(ctx); err != nil {
		shutdownLogger.Error().Err(err).Msg("Observability server shutdown failed")
	}
	if err := a.Publisher.Close(); err != nil {
		shutdownLogger.Error().Err(err).Msg("Publisher close failed")
	}
}

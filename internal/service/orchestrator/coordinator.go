// Package orchestrator ties the two channel sessions, the provider factory
// and the capture supervisor into one conversation session.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"duplex-transcription-service/internal/models"
	"duplex-transcription-service/internal/observability/logging"
	"duplex-transcription-service/internal/observability/metrics"
	"duplex-transcription-service/internal/service/audio"
	"duplex-transcription-service/internal/service/capture"
	"duplex-transcription-service/internal/service/channel"
	"duplex-transcription-service/internal/service/clock"
	"duplex-transcription-service/internal/service/segment"
	"duplex-transcription-service/internal/service/stt"
)

// Status messages published to listeners.
const (
	StatusListening      = "Listening..."
	StatusClosed         = "Session closed"
	StatusCaptureStarted = "System audio capture started"
	StatusCaptureStopped = "System audio capture stopped"
	StatusCaptureExited  = "System audio capture ended unexpectedly"
)

var (
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
)

// Listener receives the outbound event stream. Methods are called from
// session and capture goroutines and must not block.
type Listener interface {
	OnTranscript(ev models.TranscriptEvent)
	OnCaptureAudio(chunk models.CaptureChunk)
	OnStatus(st models.StatusUpdate)
}

// Config holds session tuning shared by both channels.
type Config struct {
	DebounceInterval time.Duration
	BatchLimits      audio.BatchLimits
	FlushOnClose     bool
	InboxSize        int
	SampleRateHz     int
	// Scheduler defaults to the real clock.
	Scheduler clock.Scheduler
}

// Status is a snapshot of the coordinator.
type Status struct {
	SessionID string             `json:"sessionId,omitempty"`
	Active    bool               `json:"active"`
	Provider  string             `json:"provider,omitempty"`
	Model     string             `json:"model,omitempty"`
	Family    string             `json:"family,omitempty"`
	Language  string             `json:"language,omitempty"`
	Capture   string             `json:"capture"`
	StartedAt *time.Time         `json:"startedAt,omitempty"`
	Channels  []channel.Snapshot `json:"channels,omitempty"`
}

// Coordinator owns the lifecycle of one conversation session at a time.
type Coordinator struct {
	cfg      Config
	resolver stt.Resolver
	factory  stt.Factory
	capture  *capture.Supervisor
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	turns    *segment.Generator
	protocol *stt.ProtocolAdapter

	// lifeMu serializes Initialize and Close.
	lifeMu sync.Mutex

	mu         sync.RWMutex
	sessionID  string
	descriptor stt.Descriptor
	language   string
	startedAt  time.Time
	sessions   map[models.Channel]*channel.Session

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewCoordinator creates a coordinator. captureOpts configures the system
// audio supervisor; its RemoteReady, OnChunk and OnExit hooks are owned by
// the coordinator. A nil Spawn disables capture.
func NewCoordinator(cfg Config, resolver stt.Resolver, factory stt.Factory, captureOpts capture.Options, m *metrics.Metrics) *Coordinator {
	if cfg.Scheduler == nil {
		cfg.Scheduler = clock.Real{}
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = audio.CaptureSampleRate
	}
	c := &Coordinator{
		cfg:      cfg,
		resolver: resolver,
		factory:  factory,
		metrics:  m,
		logger:   logging.WithComponent("coordinator"),
		turns:    segment.New(),
		protocol: stt.NewProtocolAdapter(),
	}
	if captureOpts.Spawn != nil {
		captureOpts.RemoteReady = c.remoteReady
		captureOpts.OnChunk = c.onCaptureChunk
		captureOpts.OnExit = c.onCaptureExit
		c.capture = capture.NewSupervisor(captureOpts, m, logging.WithComponent("capture"))
	}
	return c
}

// AddListener registers a listener for transcript, metering and status events.
func (c *Coordinator) AddListener(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Initialize resolves the STT model and opens both channel sessions. Either
// both channels are established or neither is.
func (c *Coordinator) Initialize(ctx context.Context, language string) (string, error) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.Active() {
		return "", ErrAlreadyInitialized
	}

	d, err := c.resolver.Resolve(ctx, stt.CapabilitySTT)
	if err != nil {
		c.metrics.RecordSessionInitFailure("resolve")
		return "", fmt.Errorf("resolve stt model: %w", err)
	}
	if err := d.Validate(); err != nil {
		c.metrics.RecordSessionInitFailure("invalid_descriptor")
		return "", fmt.Errorf("resolve stt model: %w", err)
	}

	sessionID := uuid.NewString()
	logger := logging.WithSession(sessionID)

	sessions := make(map[models.Channel]*channel.Session, len(models.Channels))
	for _, ch := range models.Channels {
		sessions[ch] = channel.New(channel.Config{
			SessionID:        sessionID,
			Channel:          ch,
			Descriptor:       d,
			DebounceInterval: c.cfg.DebounceInterval,
			BatchLimits:      c.cfg.BatchLimits,
			FlushOnClose:     c.cfg.FlushOnClose,
			InboxSize:        c.cfg.InboxSize,
			Scheduler:        c.cfg.Scheduler,
			Turns:            c.turns,
			Protocol:         c.protocol,
		}, transcriptSink{c}, c.metrics, logging.WithChannel(sessionID, string(ch), d.ProviderID))
	}

	handles, err := c.openAll(ctx, d, language, sessions)
	if err != nil {
		for _, s := range sessions {
			_ = s.Release(ctx)
		}
		c.metrics.RecordSessionInitFailure("open")
		logger.Error().Err(err).Str("provider", d.ProviderID).Msg("session initialization failed")
		return "", err
	}
	for ch, s := range sessions {
		if err := s.Attach(handles[ch]); err != nil {
			closeAll(ctx, handles)
			for _, s := range sessions {
				_ = s.Release(ctx)
			}
			return "", fmt.Errorf("attach %s channel: %w", ch, err)
		}
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.descriptor = d
	c.language = language
	c.startedAt = time.Now()
	c.sessions = sessions
	c.mu.Unlock()

	c.metrics.RecordSessionStart()
	logger.Info().
		Str("provider", d.ProviderID).
		Str("model", d.ModelID).
		Str("family", d.Family.String()).
		Str("language", language).
		Msg("session initialized")
	c.publishStatus(sessionID, StatusListening)
	return sessionID, nil
}

// openAll opens one provider handle per channel concurrently. On any failure
// every handle already opened is closed.
func (c *Coordinator) openAll(ctx context.Context, d stt.Descriptor, language string, sessions map[models.Channel]*channel.Session) (map[models.Channel]stt.Handle, error) {
	var mu sync.Mutex
	handles := make(map[models.Channel]stt.Handle, len(sessions))

	g, gctx := errgroup.WithContext(ctx)
	for ch, s := range sessions {
		g.Go(func() error {
			h, err := c.factory.Open(gctx, d, stt.OpenOptions{
				Channel:      string(ch),
				Language:     language,
				SampleRateHz: c.cfg.SampleRateHz,
				OnMessage:    s.IngestProviderMessage,
			})
			if err != nil {
				return fmt.Errorf("open %s channel: %w", ch, err)
			}
			mu.Lock()
			handles[ch] = h
			mu.Unlock()
			if err := stt.CheckCapability(d.Family, h); err != nil {
				return fmt.Errorf("open %s channel: %w", ch, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		closeAll(context.WithoutCancel(ctx), handles)
		return nil, err
	}
	return handles, nil
}

func closeAll(ctx context.Context, handles map[models.Channel]stt.Handle) {
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Close(ctx)
		}()
	}
	wg.Wait()
}

// Close stops capture, settles pending work on both channels, then releases
// both provider handles concurrently. Closing an idle coordinator is a no-op.
func (c *Coordinator) Close(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.RLock()
	sessions := c.sessions
	sessionID := c.sessionID
	startedAt := c.startedAt
	c.mu.RUnlock()
	if sessions == nil {
		return nil
	}

	if c.capture != nil {
		if err := c.capture.Stop(); err != nil {
			c.logger.Warn().Err(err).Msg("stop capture on close")
		}
	}

	// All timers on both channels are cancelled before any handle is released.
	var drains errgroup.Group
	for _, ch := range models.Channels {
		s := sessions[ch]
		drains.Go(func() error {
			if err := s.Drain(ctx); err != nil && !errors.Is(err, channel.ErrClosed) {
				c.logger.Warn().Err(err).Str("channel", string(ch)).Msg("drain channel")
			}
			return nil
		})
	}
	_ = drains.Wait()

	var g errgroup.Group
	for _, ch := range models.Channels {
		s := sessions[ch]
		g.Go(func() error {
			if err := s.Release(ctx); err != nil {
				return fmt.Errorf("release %s channel: %w", ch, err)
			}
			return nil
		})
	}
	err := g.Wait()

	c.mu.Lock()
	c.sessions = nil
	c.sessionID = ""
	c.descriptor = stt.Descriptor{}
	c.language = ""
	c.startedAt = time.Time{}
	c.mu.Unlock()

	c.metrics.RecordSessionEnd(time.Since(startedAt).Seconds())
	c.logger.Info().Str("sessionId", sessionID).Err(err).Msg("session closed")
	c.publishStatus(sessionID, StatusClosed)
	return err
}

// Active reports whether a session is established.
func (c *Coordinator) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions != nil
}

// IngestLocalAudio feeds microphone audio into the local channel.
func (c *Coordinator) IngestLocalAudio(data []byte, mimeType string) error {
	return c.IngestAudio(models.ChannelLocal, data, mimeType)
}

// IngestRemoteAudio feeds system audio into the remote channel.
func (c *Coordinator) IngestRemoteAudio(data []byte, mimeType string) error {
	return c.IngestAudio(models.ChannelRemote, data, mimeType)
}

// IngestAudio feeds audio into the given channel.
func (c *Coordinator) IngestAudio(ch models.Channel, data []byte, mimeType string) error {
	c.mu.RLock()
	s := c.sessions[ch]
	c.mu.RUnlock()
	if s == nil {
		return ErrNotInitialized
	}
	if err := s.IngestAudio(data, mimeType); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return ErrNotInitialized
		}
		return err
	}
	return nil
}

// StartCapture starts system audio capture into the remote channel.
func (c *Coordinator) StartCapture() error {
	if c.capture == nil {
		return capture.ErrUnsupportedPlatform
	}
	if err := c.capture.Start(); err != nil {
		return err
	}
	c.publishStatus(c.currentSessionID(), StatusCaptureStarted)
	return nil
}

// StopCapture stops system audio capture.
func (c *Coordinator) StopCapture() error {
	if c.capture == nil {
		return nil
	}
	if c.capture.State() == capture.StateIdle {
		return nil
	}
	if err := c.capture.Stop(); err != nil {
		return err
	}
	c.publishStatus(c.currentSessionID(), StatusCaptureStopped)
	return nil
}

// Status returns a snapshot of the current session.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	st := Status{
		SessionID: c.sessionID,
		Active:    c.sessions != nil,
		Provider:  c.descriptor.ProviderID,
		Model:     c.descriptor.ModelID,
		Language:  c.language,
		Capture:   capture.StateIdle.String(),
	}
	if st.Active {
		st.Family = c.descriptor.Family.String()
		started := c.startedAt
		st.StartedAt = &started
	}
	sessions := c.sessions
	c.mu.RUnlock()

	if c.capture != nil {
		st.Capture = c.capture.State().String()
	}
	for _, ch := range models.Channels {
		s := sessions[ch]
		if s == nil {
			continue
		}
		if snap, err := s.Snapshot(); err == nil {
			st.Channels = append(st.Channels, snap)
		}
	}
	return st
}

func (c *Coordinator) currentSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Coordinator) remoteReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[models.ChannelRemote] != nil
}

func (c *Coordinator) onCaptureChunk(mono []byte) {
	if err := c.IngestRemoteAudio(mono, stt.DefaultMimeType); err != nil {
		c.logger.Debug().Err(err).Msg("capture chunk dropped")
	}
	chunk := models.CaptureChunk{
		EventType: models.EventCaptureAudio,
		SessionID: c.currentSessionID(),
		Data:      base64.StdEncoding.EncodeToString(mono),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, l := range c.snapshotListeners() {
		l.OnCaptureAudio(chunk)
	}
}

func (c *Coordinator) onCaptureExit(err error) {
	c.logger.Warn().Err(err).Msg("capture process ended")
	c.publishStatus(c.currentSessionID(), StatusCaptureExited)
}

func (c *Coordinator) publishStatus(sessionID, message string) {
	st := models.StatusUpdate{
		EventType: models.EventStatus,
		SessionID: sessionID,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, l := range c.snapshotListeners() {
		l.OnStatus(st)
	}
}

func (c *Coordinator) dispatchTranscript(ev models.TranscriptEvent) {
	for _, l := range c.snapshotListeners() {
		l.OnTranscript(ev)
	}
}

func (c *Coordinator) snapshotListeners() []Listener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return append([]Listener(nil), c.listeners...)
}

// transcriptSink adapts the coordinator to channel.Sink.
type transcriptSink struct {
	c *Coordinator
}

func (t transcriptSink) OnTranscript(ev models.TranscriptEvent) {
	t.c.dispatchTranscript(ev)
}

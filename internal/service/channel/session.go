// Package channel runs one channel's transcription pipeline. A Session owns
// the provider handle, the turn debouncer and the batch window of a single
// channel and serializes every mutation on its own goroutine.
package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"duplex-transcription-service/internal/models"
	"duplex-transcription-service/internal/observability/metrics"
	"duplex-transcription-service/internal/service/audio"
	"duplex-transcription-service/internal/service/clock"
	"duplex-transcription-service/internal/service/segment"
	"duplex-transcription-service/internal/service/stt"
)

const defaultInboxSize = 256

var (
	ErrClosed   = errors.New("channel session closed")
	ErrNoHandle = errors.New("channel has no provider handle")
)

// Sink receives the normalized transcript events of a channel. It is called
// on the session goroutine and must not block.
type Sink interface {
	OnTranscript(ev models.TranscriptEvent)
}

// Config configures one channel session.
type Config struct {
	SessionID        string
	Channel          models.Channel
	Descriptor       stt.Descriptor
	DebounceInterval time.Duration
	BatchLimits      audio.BatchLimits
	// FlushOnClose emits pending turn text and submits the pending batch
	// window during Drain. When false they are discarded.
	FlushOnClose bool
	InboxSize    int
	Scheduler    clock.Scheduler
	Turns        *segment.Generator
	Protocol     *stt.ProtocolAdapter
}

// Stats are monotonic counters of one session.
type Stats struct {
	AudioBytes     int64 `json:"audioBytes"`
	Partials       int64 `json:"partials"`
	Finals         int64 `json:"finals"`
	ProviderErrors int64 `json:"providerErrors"`
	StaleMessages  int64 `json:"staleMessages"`
	BatchFailures  int64 `json:"batchFailures"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	Channel      models.Channel `json:"channel"`
	Attached     bool           `json:"attached"`
	TurnID       string         `json:"turnId,omitempty"`
	PendingText  string         `json:"pendingText,omitempty"`
	PendingBytes int            `json:"pendingBatchBytes"`
	Stats        Stats          `json:"stats"`
}

// Session is the per-channel actor.
type Session struct {
	cfg     Config
	sink    Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inbox    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the session goroutine.
	handle    stt.Handle
	streamer  stt.Streamer
	batch     stt.BatchTranscriber
	detached  stt.Handle
	debouncer *segment.Debouncer
	batcher   *audio.Batcher

	audioBytes     atomic.Int64
	partials       atomic.Int64
	finals         atomic.Int64
	providerErrors atomic.Int64
	staleMessages  atomic.Int64
	batchFailures  atomic.Int64

	// view is republished by the session goroutine after every inbox item so
	// Snapshot never waits behind a batch submission.
	view atomic.Pointer[Snapshot]
}

// New creates a session and starts its goroutine. m may be nil.
func New(cfg Config, sink Sink, m *metrics.Metrics, logger zerolog.Logger) *Session {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = clock.Real{}
	}
	if cfg.Turns == nil {
		cfg.Turns = segment.New()
	}
	if cfg.Protocol == nil {
		cfg.Protocol = stt.NewProtocolAdapter()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		sink:    sink,
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan func(), cfg.InboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	sched := actorScheduler{base: cfg.Scheduler, s: s}
	s.debouncer = segment.NewDebouncer(cfg.DebounceInterval, sched, s.nextTurn, s.emit, logger)
	s.batcher = audio.NewBatcher(cfg.BatchLimits, sched, s.transcribe, audio.BatchHooks{
		OnText:   s.emitBatchFinal,
		OnError:  func(error) { s.batchFailures.Add(1) },
		OnSubmit: s.recordSubmit,
	}, logger)
	s.publishView()

	go s.run()
	return s
}

// Channel returns the channel this session serves.
func (s *Session) Channel() models.Channel {
	return s.cfg.Channel
}

// Attach binds an open provider handle to the session.
func (s *Session) Attach(h stt.Handle) error {
	return s.call(func() {
		s.handle = h
		s.streamer, _ = h.(stt.Streamer)
		s.batch, _ = h.(stt.BatchTranscriber)
		s.detached = nil
	})
}

// IngestAudio queues one audio chunk. data is copied.
func (s *Session) IngestAudio(data []byte, mimeType string) error {
	if len(data) == 0 {
		return nil
	}
	if mimeType == "" {
		mimeType = stt.DefaultMimeType
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	return s.post(func() { s.handleAudio(stt.Payload{Data: owned, MimeType: mimeType}) })
}

// IngestProviderMessage queues one inbound provider message. It is meant to
// be used as stt.OpenOptions.OnMessage.
func (s *Session) IngestProviderMessage(msg stt.Message) {
	if err := s.post(func() { s.handleMessage(msg) }); err != nil {
		s.staleMessages.Add(1)
		s.metrics.RecordStaleMessage(string(s.cfg.Channel))
	}
}

// Flush emits pending turn text and submits the pending batch window now.
func (s *Session) Flush() error {
	return s.call(func() {
		s.debouncer.Flush()
		s.batcher.Flush(s.ctx)
	})
}

// Drain cancels the session's timers, settles pending work according to
// FlushOnClose and detaches the provider handle. Messages arriving after
// Drain are dropped as stale.
func (s *Session) Drain(ctx context.Context) error {
	return s.call(func() {
		if s.cfg.FlushOnClose {
			s.debouncer.Flush()
			s.batcher.Flush(ctx)
		} else {
			if s.debouncer.Text() != "" || s.batcher.PendingBytes() > 0 {
				s.metrics.RecordPendingDiscard(string(s.cfg.Channel))
			}
			s.debouncer.Discard()
			s.batcher.Discard()
		}
		if s.handle != nil {
			s.detached = s.handle
		}
		s.handle, s.streamer, s.batch = nil, nil, nil
	})
}

// Release closes the provider handle and stops the session goroutine. It is
// safe to call more than once.
func (s *Session) Release(ctx context.Context) error {
	var h stt.Handle
	_ = s.call(func() {
		h = s.detached
		if h == nil {
			h = s.handle
		}
		s.debouncer.Discard()
		s.batcher.Discard()
		s.handle, s.streamer, s.batch, s.detached = nil, nil, nil, nil
	})
	s.stop()
	if h == nil {
		return nil
	}
	return h.Close(ctx)
}

// Close drains then releases the session.
func (s *Session) Close(ctx context.Context) error {
	if err := s.Drain(ctx); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return s.Release(ctx)
}

// Snapshot returns the view published after the last processed inbox item.
// It never waits on the session goroutine.
func (s *Session) Snapshot() (Snapshot, error) {
	select {
	case <-s.done:
		return Snapshot{}, ErrClosed
	default:
	}
	snap := *s.view.Load()
	snap.Stats = s.Stats()
	return snap, nil
}

// publishView must run on the session goroutine.
func (s *Session) publishView() {
	s.view.Store(&Snapshot{
		Channel:      s.cfg.Channel,
		Attached:     s.handle != nil,
		TurnID:       s.debouncer.TurnID(),
		PendingText:  s.debouncer.Text(),
		PendingBytes: s.batcher.PendingBytes(),
	})
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		AudioBytes:     s.audioBytes.Load(),
		Partials:       s.partials.Load(),
		Finals:         s.finals.Load(),
		ProviderErrors: s.providerErrors.Load(),
		StaleMessages:  s.staleMessages.Load(),
		BatchFailures:  s.batchFailures.Load(),
	}
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case f := <-s.inbox:
			f()
			s.publishView()
		case <-s.quit:
			return
		}
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		close(s.quit)
	})
	<-s.done
}

func (s *Session) post(f func()) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- f:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

func (s *Session) call(f func()) error {
	finished := make(chan struct{})
	if err := s.post(func() {
		defer close(finished)
		f()
		s.publishView()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) handleAudio(p stt.Payload) {
	if s.handle == nil {
		s.logger.Debug().Int("bytes", len(p.Data)).Msg("audio dropped, no provider handle")
		return
	}
	s.audioBytes.Add(int64(len(p.Data)))
	s.metrics.RecordAudioReceived(string(s.cfg.Channel), len(p.Data))

	if s.cfg.Descriptor.Family == stt.FamilyBatchOnly {
		s.batcher.OnAudio(p.Data)
		return
	}
	if s.streamer == nil {
		return
	}
	if err := s.streamer.SendRealtimeInput(s.ctx, p); err != nil {
		s.providerErrors.Add(1)
		s.metrics.RecordProviderError(s.cfg.Descriptor.ProviderID, string(s.cfg.Channel))
		s.logger.Warn().Err(err).Msg("realtime input rejected")
	}
}

func (s *Session) handleMessage(msg stt.Message) {
	if s.handle == nil {
		s.staleMessages.Add(1)
		s.metrics.RecordStaleMessage(string(s.cfg.Channel))
		s.logger.Debug().Str("type", msg.Type).Msg("stale provider message dropped")
		return
	}

	family := s.cfg.Descriptor.Family
	out := s.cfg.Protocol.Classify(family, msg)
	switch out.Kind {
	case stt.OutcomePartial:
		s.debouncer.OnFragment(out.Text, family, out.Suppressed)
	case stt.OutcomeFinal:
		s.debouncer.OnExplicitFinal(out.Text)
	case stt.OutcomeTurnComplete:
		s.debouncer.OnTurnComplete()
	case stt.OutcomeError:
		s.providerErrors.Add(1)
		s.metrics.RecordProviderError(s.cfg.Descriptor.ProviderID, string(s.cfg.Channel))
		s.logger.Warn().Err(out.Err).Msg("provider reported error")
	}
}

func (s *Session) nextTurn() string {
	return s.cfg.Turns.Next(s.cfg.SessionID, string(s.cfg.Channel))
}

func (s *Session) emit(turnID, text string, partial bool) {
	eventType := models.EventTranscriptFinal
	if partial {
		eventType = models.EventTranscriptPartial
		s.partials.Add(1)
	} else {
		s.finals.Add(1)
	}
	s.metrics.RecordTranscript(string(s.cfg.Channel), partial)

	ev := models.TranscriptEvent{
		EventType: eventType,
		SessionID: s.cfg.SessionID,
		Channel:   s.cfg.Channel,
		TurnID:    turnID,
		Text:      text,
		Partial:   partial,
		Timestamp: time.Now().UnixMilli(),
	}
	if !partial {
		s.logger.Info().Str("turnId", turnID).Int("chars", len(text)).Msg("final transcript")
	}
	if s.sink != nil {
		s.sink.OnTranscript(ev)
	}
}

func (s *Session) emitBatchFinal(text string) {
	s.emit(s.nextTurn(), text, false)
}

func (s *Session) transcribe(ctx context.Context, wav []byte) (string, error) {
	if s.batch == nil {
		return "", ErrNoHandle
	}
	res, err := s.batch.TranscribeAudio(ctx, wav)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (s *Session) recordSubmit(_ int, took time.Duration, err error) {
	s.metrics.RecordBatchSubmit(s.cfg.Descriptor.ProviderID, string(s.cfg.Channel), err, took.Seconds())
}

// actorScheduler delivers timer callbacks through the session inbox so they
// never run concurrently with other session work.
type actorScheduler struct {
	base clock.Scheduler
	s    *Session
}

func (a actorScheduler) AfterFunc(d time.Duration, f func()) clock.Timer {
	return a.base.AfterFunc(d, func() {
		_ = a.s.post(f)
	})
}

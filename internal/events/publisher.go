// Package events publishes transcript events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"duplex-transcription-service/internal/models"
	"duplex-transcription-service/internal/observability/metrics"
	"duplex-transcription-service/internal/schema"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
)

// ErrQueueFull is recorded when the outbound queue cannot take another event.
var ErrQueueFull = errors.New("publish queue full")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript events to separate Kafka topics. It
// implements the coordinator's listener contract: events are queued without
// blocking and written by a background goroutine.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	principal     string
	topicPartial  string
	topicFinal    string
	enabled       bool
	metrics       *metrics.Metrics
	validator     *schema.Validator

	mu     sync.RWMutex
	closed bool
	queue  chan models.TranscriptEvent
	done   chan struct{}
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
	Enabled      bool
	QueueSize    int
}

// New creates a new Kafka event publisher with separate topics for partial and final transcripts.
func New(cfg *Config) *Publisher {
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return newPublisher(&Config{}, nil, nil)
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return newPublisher(cfg, nil, nil)
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	writer := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: defaultWriteTimeout,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return newPublisher(cfg, writer(cfg.TopicPartial), writer(cfg.TopicFinal))
}

func newPublisher(cfg *Config, partial, final messageWriter) *Publisher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	p := &Publisher{
		writerPartial: partial,
		writerFinal:   final,
		principal:     cfg.Principal,
		topicPartial:  cfg.TopicPartial,
		topicFinal:    cfg.TopicFinal,
		enabled:       partial != nil && final != nil,
		metrics:       metrics.DefaultMetrics,
		validator:     schema.New(),
		queue:         make(chan models.TranscriptEvent, size),
		done:          make(chan struct{}),
	}
	go p.run()
	return p
}

// OnTranscript queues a transcript event. Events arriving after Close, or
// while the queue is full, are dropped.
func (p *Publisher) OnTranscript(ev models.TranscriptEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		topic, eventType := p.route(ev)
		log.Warn().Str("topic", topic).Str("sessionId", ev.SessionID).Msg("Publish queue full, dropping event")
		p.metrics.RecordKafkaPublish(topic, eventType, ErrQueueFull, 0)
	}
}

// OnCaptureAudio is not published; metering stays on the live event stream.
func (p *Publisher) OnCaptureAudio(models.CaptureChunk) {}

// OnStatus logs status notices.
func (p *Publisher) OnStatus(st models.StatusUpdate) {
	log.Debug().Str("sessionId", st.SessionID).Str("status", st.Message).Msg("Session status")
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		_ = p.PublishTranscript(ctx, ev)
		cancel()
	}
}

// PublishTranscript validates ev and routes it to the partial or final topic,
// keyed by session and channel so each channel's turns stay ordered.
func (p *Publisher) PublishTranscript(ctx context.Context, ev models.TranscriptEvent) error {
	if err := p.validator.Validate(ev); err != nil {
		log.Warn().Err(err).Str("sessionId", ev.SessionID).Msg("Dropping invalid transcript event")
		return err
	}
	key := ev.SessionID + ":" + string(ev.Channel)
	if ev.Partial {
		return p.PublishPartial(ctx, key, ev)
	}
	return p.PublishFinal(ctx, key, ev)
}

// PublishPartial publishes a partial transcript event to the partial topic.
func (p *Publisher) PublishPartial(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerPartial, p.topicPartial, "partial", key, event)
}

// PublishFinal publishes a final transcript event to the final topic.
func (p *Publisher) PublishFinal(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerFinal, p.topicFinal, "final", key, event)
}

func (p *Publisher) route(ev models.TranscriptEvent) (topic, eventType string) {
	if ev.Partial {
		return p.topicPartial, "partial"
	}
	return p.topicFinal, "final"
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(topic)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close stops accepting events, drains the queue and closes both writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.queue != nil {
		close(p.queue)
	}
	p.mu.Unlock()
	if p.done != nil {
		<-p.done
	}

	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}

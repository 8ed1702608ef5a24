package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"duplex-transcription-service/internal/models"
	"duplex-transcription-service/internal/schema"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func transcript(partial bool, text string) models.TranscriptEvent {
	et := models.EventTranscriptFinal
	if partial {
		et = models.EventTranscriptPartial
	}
	return models.TranscriptEvent{
		EventType: et,
		SessionID: "s1",
		Channel:   models.ChannelRemote,
		TurnID:    "s1-remote-turn-1",
		Text:      text,
		Partial:   partial,
		Timestamp: 1700000000000,
	}
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			defer p.Close()
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil || p.writerFinal != nil {
				t.Error("expected nil writers when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	p := New(&Config{
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicFinal:   "test.final",
		Principal:    "test-principal",
	})
	defer p.Close()

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicPartial != "test.partial" || p.topicFinal != "test.final" {
		t.Errorf("unexpected topics %s / %s", p.topicPartial, p.topicFinal)
	}
	if cap(p.queue) != defaultQueueSize {
		t.Errorf("expected queue size %d, got %d", defaultQueueSize, cap(p.queue))
	}
}

func TestPublisher_Disabled_LogsOnly(t *testing.T) {
	p := New(&Config{Enabled: false})
	defer p.Close()

	if err := p.PublishPartial(context.Background(), "k", map[string]string{"text": "a"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
	if err := p.PublishFinal(context.Background(), "k", map[string]string{"text": "b"}); err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})
	defer p.Close()

	if err := p.PublishPartial(context.Background(), "k", make(chan int)); err == nil {
		t.Error("expected error for unmarshalable event")
	}
	if err := p.PublishFinal(context.Background(), "k", make(chan int)); err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublishTranscript_RoutesByPartial(t *testing.T) {
	partial, final := &fakeWriter{}, &fakeWriter{}
	p := newPublisher(&Config{TopicPartial: "p", TopicFinal: "f", Principal: "svc"}, partial, final)
	defer p.Close()

	if err := p.PublishTranscript(context.Background(), transcript(true, "hel")); err != nil {
		t.Fatalf("partial: %v", err)
	}
	if err := p.PublishTranscript(context.Background(), transcript(false, "hello")); err != nil {
		t.Fatalf("final: %v", err)
	}

	pm, fm := partial.messages(), final.messages()
	if len(pm) != 1 || len(fm) != 1 {
		t.Fatalf("expected 1 message per topic, got %d partial, %d final", len(pm), len(fm))
	}
	if string(fm[0].Key) != "s1:remote" {
		t.Errorf("expected key s1:remote, got %s", fm[0].Key)
	}

	var got models.TranscriptEvent
	if err := json.Unmarshal(fm[0].Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Text != "hello" || got.Partial || got.Channel != models.ChannelRemote {
		t.Errorf("unexpected payload %+v", got)
	}

	headers := map[string]string{}
	for _, h := range fm[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["eventType"] != "f" || headers["principal"] != "svc" {
		t.Errorf("unexpected headers %v", headers)
	}
}

func TestPublishTranscript_RejectsInvalid(t *testing.T) {
	final := &fakeWriter{}
	p := newPublisher(&Config{}, &fakeWriter{}, final)
	defer p.Close()

	ev := transcript(false, "")
	if err := p.PublishTranscript(context.Background(), ev); !errors.Is(err, schema.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if len(final.messages()) != 0 {
		t.Error("invalid event must not be written")
	}
}

func TestPublishTranscript_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := newPublisher(&Config{}, &fakeWriter{}, &fakeWriter{err: boom})
	defer p.Close()

	if err := p.PublishTranscript(context.Background(), transcript(false, "hi")); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestOnTranscript_QueuedAndDrainedOnClose(t *testing.T) {
	partial, final := &fakeWriter{}, &fakeWriter{}
	p := newPublisher(&Config{}, partial, final)

	p.OnTranscript(transcript(true, "a"))
	p.OnTranscript(transcript(false, "a b"))
	p.OnCaptureAudio(models.CaptureChunk{Data: "AAA="})
	p.OnStatus(models.StatusUpdate{Message: "Listening..."})

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(partial.messages()) != 1 || len(final.messages()) != 1 {
		t.Errorf("expected queued events drained, got %d partial, %d final",
			len(partial.messages()), len(final.messages()))
	}
	if !partial.closed || !final.closed {
		t.Error("expected writers closed")
	}

	// After close events are dropped without panicking.
	p.OnTranscript(transcript(false, "late"))
	if len(final.messages()) != 1 {
		t.Error("event after close must be dropped")
	}
}

func TestPublisher_CloseIdempotent(t *testing.T) {
	p := New(&Config{Enabled: false})
	if err := p.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestPublisher_Close_ZeroValue(t *testing.T) {
	p := &Publisher{}
	if err := p.Close(); err != nil {
		t.Errorf("expected no error closing publisher with nil writers, got %v", err)
	}
}

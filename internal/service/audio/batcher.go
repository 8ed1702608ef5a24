package audio

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"duplex-transcription-service/internal/service/clock"
)

// BatchLimits bounds a single batch window.
type BatchLimits struct {
	Window        time.Duration // accumulation window, not reset by arrivals
	Timeout       time.Duration // per-submission timeout
	MaxBatchBytes int           // submit early once pending audio exceeds this; 0 disables
}

// DefaultBatchLimits returns the 5 s window used for batch-only backends.
func DefaultBatchLimits() BatchLimits {
	return BatchLimits{
		Window:        5 * time.Second,
		Timeout:       30 * time.Second,
		MaxBatchBytes: 2 * 1024 * 1024, // ~43s of mono PCM16 at 24kHz
	}
}

// TranscribeFunc submits one WAV buffer and returns the raw transcript.
type TranscribeFunc func(ctx context.Context, wav []byte) (string, error)

// BatchHooks receive batch outcomes.
type BatchHooks struct {
	OnText   func(text string)
	OnError  func(err error)
	OnSubmit func(bytes int, took time.Duration, err error)
}

// Batcher coalesces raw audio into fixed windows and submits each window as
// one batch transcription request. It is not safe for concurrent use; the
// owning channel session serializes every call, timer callbacks included.
type Batcher struct {
	limits     BatchLimits
	sched      clock.Scheduler
	transcribe TranscribeFunc
	hooks      BatchHooks
	logger     zerolog.Logger

	pending      [][]byte
	pendingBytes int
	timer        clock.Timer
	gen          uint64
}

// NewBatcher creates a batcher. sched must deliver callbacks on the same
// goroutine that calls the other methods.
func NewBatcher(limits BatchLimits, sched clock.Scheduler, transcribe TranscribeFunc, hooks BatchHooks, logger zerolog.Logger) *Batcher {
	return &Batcher{
		limits:     limits,
		sched:      sched,
		transcribe: transcribe,
		hooks:      hooks,
		logger:     logger,
	}
}

// OnAudio appends a frame and arms the window if none is armed.
func (b *Batcher) OnAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	owned := make([]byte, len(frame))
	copy(owned, frame)
	b.pending = append(b.pending, owned)
	b.pendingBytes += len(owned)

	if b.limits.MaxBatchBytes > 0 && b.pendingBytes >= b.limits.MaxBatchBytes {
		b.logger.Debug().Int("pendingBytes", b.pendingBytes).Msg("batch limit reached, submitting early")
		b.Flush(context.Background())
		return
	}

	if b.timer == nil {
		b.gen++
		gen := b.gen
		b.timer = b.sched.AfterFunc(b.limits.Window, func() { b.expire(gen) })
	}
}

// PendingBytes returns the audio currently waiting for the window.
func (b *Batcher) PendingBytes() int {
	return b.pendingBytes
}

// Armed reports whether a window timer is pending.
func (b *Batcher) Armed() bool {
	return b.timer != nil
}

func (b *Batcher) expire(gen uint64) {
	if gen != b.gen || b.timer == nil {
		return
	}
	b.timer = nil
	b.Flush(context.Background())
}

// Flush takes the pending window and submits it. It reports whether a
// request was made.
func (b *Batcher) Flush(ctx context.Context) bool {
	pcm := b.take()
	if len(pcm) == 0 {
		return false
	}

	wav := EncodeWAV(pcm, MonoPCM24k)
	if b.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.limits.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := b.transcribe(ctx, wav)
	took := time.Since(start)
	if b.hooks.OnSubmit != nil {
		b.hooks.OnSubmit(len(wav), took, err)
	}
	if err != nil {
		b.logger.Error().Err(err).Int("wavBytes", len(wav)).Msg("batch transcription failed, window discarded")
		if b.hooks.OnError != nil {
			b.hooks.OnError(err)
		}
		return true
	}

	clean := SanitizeTranscript(text)
	b.logger.Debug().Int("wavBytes", len(wav)).Dur("took", took).Bool("empty", clean == "").Msg("batch transcribed")
	if clean != "" && b.hooks.OnText != nil {
		b.hooks.OnText(clean)
	}
	return true
}

// Discard drops pending audio and disarms the window.
func (b *Batcher) Discard() {
	b.take()
}

func (b *Batcher) take() []byte {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++

	frames := b.pending
	size := b.pendingBytes
	b.pending = nil
	b.pendingBytes = 0
	if size == 0 {
		return nil
	}

	pcm := make([]byte, 0, size)
	for _, f := range frames {
		pcm = append(pcm, f...)
	}
	return pcm
}

var annotationPattern = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)

// SanitizeTranscript strips bracket and paren annotations such as
// "[music]" or "(laughs)" and normalizes whitespace.
func SanitizeTranscript(text string) string {
	stripped := annotationPattern.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(stripped), " ")
}

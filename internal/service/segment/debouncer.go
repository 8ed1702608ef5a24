package segment

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"duplex-transcription-service/internal/service/clock"
	"duplex-transcription-service/internal/service/stt"
)

// DefaultDebounceInterval is the quiet period that closes a turn.
const DefaultDebounceInterval = 2 * time.Second

// EmitFunc receives a running (partial) or closing (final) turn text.
type EmitFunc func(turnID, text string, partial bool)

// Debouncer coalesces a burst of fragments into one final emission after a
// quiet period. One instance exists per channel. It is not safe for
// concurrent use: the owning session serializes every call, timer callbacks
// included.
type Debouncer struct {
	interval  time.Duration
	sched     clock.Scheduler
	emit      EmitFunc
	nextTurn  func() string
	lifecycle *Lifecycle
	logger    zerolog.Logger

	committed string
	live      string
	timer     clock.Timer
	gen       uint64
}

// NewDebouncer creates a debouncer. nextTurn supplies turn IDs.
func NewDebouncer(interval time.Duration, sched clock.Scheduler, nextTurn func() string, emit EmitFunc, logger zerolog.Logger) *Debouncer {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	return &Debouncer{
		interval:  interval,
		sched:     sched,
		emit:      emit,
		nextTurn:  nextTurn,
		lifecycle: NewLifecycle(nextTurn()),
		logger:    logger,
	}
}

// OnFragment merges a fragment into the live buffer and restarts the quiet
// window. Turn-based fragments are sub-word and concatenate byte-adjacent;
// delta fragments are whitespace-tokenized and join with one space.
func (d *Debouncer) OnFragment(text string, family stt.Family, suppressed bool) {
	before := d.Text()
	if family == stt.FamilyTurnBased {
		d.live += text
	} else {
		d.live = joinSpaced(d.live, strings.TrimSpace(text))
	}
	d.arm()
	if !suppressed {
		d.emitPartial(before)
	}
}

// OnExplicitFinal replaces the live buffer with a provider-finalized
// utterance. The utterance still waits out the quiet window so consecutive
// short utterances coalesce into one turn.
func (d *Debouncer) OnExplicitFinal(text string) {
	before := d.Text()
	d.disarm()
	d.live = ""
	d.committed = joinSpaced(d.committed, strings.TrimSpace(text))
	d.arm()
	d.emitPartial(before)
}

// OnTurnComplete closes the turn immediately.
func (d *Debouncer) OnTurnComplete() {
	d.disarm()
	d.Flush()
}

// Flush emits the pending text as the turn's final event and resets the
// buffers. It is a no-op when nothing is pending.
func (d *Debouncer) Flush() bool {
	text := d.Text()
	d.committed = ""
	d.live = ""
	d.disarm()
	if text == "" {
		return false
	}

	turnID := d.lifecycle.TurnID()
	if err := d.lifecycle.EmitFinal(); err != nil {
		d.logger.Warn().Err(err).Str("turnId", turnID).Msg("final suppressed")
		d.lifecycle.Reset(d.nextTurn())
		return false
	}
	d.emit(turnID, text, false)
	d.lifecycle.Reset(d.nextTurn())
	return true
}

// Discard drops pending text without emitting a final.
func (d *Debouncer) Discard() {
	d.disarm()
	pending := d.Text()
	d.committed = ""
	d.live = ""
	if pending != "" && d.lifecycle.Discard() {
		d.logger.Info().Str("turnId", d.lifecycle.TurnID()).Int("chars", len(pending)).Msg("pending turn discarded")
		d.lifecycle.Reset(d.nextTurn())
	}
}

// Text is the candidate final text: trimmed committed + live.
func (d *Debouncer) Text() string {
	return strings.TrimSpace(joinSpaced(d.committed, d.live))
}

// Armed reports whether the quiet-period timer is pending.
func (d *Debouncer) Armed() bool {
	return d.timer != nil
}

// TurnID returns the ID of the open turn.
func (d *Debouncer) TurnID() string {
	return d.lifecycle.TurnID()
}

func (d *Debouncer) emitPartial(before string) {
	text := d.Text()
	if text == "" || text == before {
		return
	}
	if err := d.lifecycle.EmitPartial(); err != nil {
		d.logger.Debug().Err(err).Msg("partial ignored")
		return
	}
	d.emit(d.lifecycle.TurnID(), text, true)
}

func (d *Debouncer) arm() {
	d.disarm()
	gen := d.gen
	d.timer = d.sched.AfterFunc(d.interval, func() {
		// A stopped timer may already have been queued by the owner.
		if gen != d.gen || d.timer == nil {
			return
		}
		d.timer = nil
		d.Flush()
	})
}

func (d *Debouncer) disarm() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

func joinSpaced(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

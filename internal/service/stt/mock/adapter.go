// Package mock provides a mock STT provider for running without cloud
// credentials. It simulates each protocol family: sub-word fragments and a
// turn-complete marker, whitespace deltas and a completed utterance, or a
// whole-window batch result.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"duplex-transcription-service/internal/service/stt"
)

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []string{
	"I want to cancel my subscription",
	"Yes please go ahead",
	"Can you help me with my account",
	"I've been waiting for over an hour",
	"Thank you very much",
}

// DefaultDelay is the simulated provider latency.
const DefaultDelay = 50 * time.Millisecond

// utteranceCounter tracks which utterance to use next (cycles through defaults)
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

func nextUtterance() string {
	counterMu.Lock()
	defer counterMu.Unlock()
	u := DefaultUtterances[utteranceCounter%len(DefaultUtterances)]
	utteranceCounter++
	return u
}

// Adapter implements stt.Streamer and stt.BatchTranscriber with simulated
// responses. Streaming families emit one fragment per audio frame; once the
// utterance is exhausted the turn is closed the way the family closes it.
type Adapter struct {
	family    stt.Family
	delay     time.Duration
	onMessage func(stt.Message)

	mu        sync.Mutex
	fragments []string
	utterance string
	next      int
	closed    bool

	out  chan stt.Message
	quit chan struct{}
	done chan struct{}
}

// New creates a mock adapter for family. onMessage receives simulated
// messages for streaming families and may be nil for BatchOnly.
func New(family stt.Family, delay time.Duration, onMessage func(stt.Message)) *Adapter {
	a := &Adapter{
		family:    family,
		delay:     delay,
		onMessage: onMessage,
		out:       make(chan stt.Message, 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	a.loadUtterance()
	go a.deliver()
	return a
}

func (a *Adapter) loadUtterance() {
	a.utterance = nextUtterance()
	a.fragments = Fragments(a.utterance, a.family)
	a.next = 0
}

// Fragments splits text the way family streams it. Turn-based fragments keep
// their leading space so byte concatenation restores text.
func Fragments(text string, family stt.Family) []string {
	words := strings.Fields(text)
	if family != stt.FamilyTurnBased {
		return words
	}
	out := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}

// SendRealtimeInput simulates receiving audio and emits the next fragment.
// The frame after the last fragment closes the turn.
func (a *Adapter) SendRealtimeInput(_ context.Context, p stt.Payload) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || len(p.Data) == 0 {
		return nil
	}

	if a.next < len(a.fragments) {
		frag := a.fragments[a.next]
		a.next++
		switch a.family {
		case stt.FamilyTurnBased:
			a.emit(stt.Message{Type: stt.MessageTranscription, Text: frag})
		case stt.FamilyDeltaStreaming:
			a.emit(stt.Message{Type: stt.MessageDelta, Text: frag})
		}
		return nil
	}

	switch a.family {
	case stt.FamilyTurnBased:
		a.emit(stt.Message{TurnComplete: true})
	case stt.FamilyDeltaStreaming:
		a.emit(stt.Message{Type: stt.MessageCompleted, Text: a.utterance})
	}
	a.loadUtterance()
	return nil
}

// TranscribeAudio returns the next utterance for any non-empty window.
func (a *Adapter) TranscribeAudio(ctx context.Context, wav []byte) (stt.Result, error) {
	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	}
	if len(wav) == 0 {
		return stt.Result{}, nil
	}
	return stt.Result{Text: nextUtterance()}, nil
}

// Close ends the mock session. Queued messages are delivered first.
func (a *Adapter) Close(context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.quit)
	<-a.done
	return nil
}

// emit must be called with a.mu held.
func (a *Adapter) emit(m stt.Message) {
	select {
	case a.out <- m:
	default:
		// Dropped like a lagging provider would.
	}
}

func (a *Adapter) deliver() {
	defer close(a.done)
	for {
		select {
		case m := <-a.out:
			a.sleep()
			if a.onMessage != nil {
				a.onMessage(m)
			}
		case <-a.quit:
			for {
				select {
				case m := <-a.out:
					if a.onMessage != nil {
						a.onMessage(m)
					}
				default:
					return
				}
			}
		}
	}
}

func (a *Adapter) sleep() {
	if a.delay <= 0 {
		return
	}
	t := time.NewTimer(a.delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-a.quit:
	}
}

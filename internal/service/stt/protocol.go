package stt

import "strings"

// OutcomeKind is the normalized meaning of one provider message.
type OutcomeKind int

const (
	OutcomeIgnore OutcomeKind = iota
	OutcomePartial
	OutcomeFinal
	OutcomeTurnComplete
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeIgnore:
		return "ignore"
	case OutcomePartial:
		return "partial"
	case OutcomeFinal:
		return "final"
	case OutcomeTurnComplete:
		return "turn_complete"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the classification of one message.
type Outcome struct {
	Kind OutcomeKind
	Text string
	// Suppressed marks a partial that must be accumulated but not published.
	Suppressed bool
	Err        error
}

// Default reserved tokens.
const (
	DefaultNoiseSentinel  = "<noise>"
	DefaultInternalMarker = "<ctrl"
)

// ProtocolAdapter classifies provider messages per family. It holds no
// per-message state.
type ProtocolAdapter struct {
	// NoiseSentinel is a turn-based transcription that means "no speech".
	NoiseSentinel string
	// InternalMarker is a provider audio-tag artifact found inside deltas.
	InternalMarker string
}

// NewProtocolAdapter returns an adapter with the default reserved tokens.
func NewProtocolAdapter() *ProtocolAdapter {
	return &ProtocolAdapter{
		NoiseSentinel:  DefaultNoiseSentinel,
		InternalMarker: DefaultInternalMarker,
	}
}

// Classify derives the outcome of msg for family.
func (p *ProtocolAdapter) Classify(family Family, msg Message) Outcome {
	if msg.Error != "" {
		return Outcome{Kind: OutcomeError, Err: &ProviderError{Detail: msg.Error}}
	}

	switch family {
	case FamilyTurnBased:
		return p.classifyTurnBased(msg)
	case FamilyDeltaStreaming:
		return p.classifyDelta(msg)
	default:
		// Batch results never arrive as messages.
		return Outcome{Kind: OutcomeIgnore}
	}
}

func (p *ProtocolAdapter) classifyTurnBased(msg Message) Outcome {
	if msg.TurnComplete {
		return Outcome{Kind: OutcomeTurnComplete}
	}
	if msg.Type != MessageTranscription {
		return Outcome{Kind: OutcomeIgnore}
	}
	trimmed := strings.TrimSpace(msg.Text)
	if trimmed == "" || (p.NoiseSentinel != "" && trimmed == p.NoiseSentinel) {
		return Outcome{Kind: OutcomeIgnore}
	}
	// Sub-word fragments keep their own leading whitespace.
	return Outcome{Kind: OutcomePartial, Text: msg.Text}
}

func (p *ProtocolAdapter) classifyDelta(msg Message) Outcome {
	switch msg.Type {
	case MessageDelta:
		if strings.TrimSpace(msg.Text) == "" {
			return Outcome{Kind: OutcomeIgnore}
		}
		suppressed := p.InternalMarker != "" && strings.Contains(msg.Text, p.InternalMarker)
		return Outcome{Kind: OutcomePartial, Text: msg.Text, Suppressed: suppressed}
	case MessageCompleted:
		trimmed := strings.TrimSpace(msg.Text)
		if trimmed == "" {
			return Outcome{Kind: OutcomeIgnore}
		}
		return Outcome{Kind: OutcomeFinal, Text: trimmed}
	default:
		return Outcome{Kind: OutcomeIgnore}
	}
}

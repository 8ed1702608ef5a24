// Package stt defines the provider-facing contracts of the transcription core:
// protocol families, provider descriptors, session handles and the
// normalized inbound message shape.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Family classifies how a provider streams results.
type Family int

const (
	// FamilyTurnBased providers push sub-word transcription fragments and an
	// explicit turn-complete marker.
	FamilyTurnBased Family = iota + 1
	// FamilyDeltaStreaming providers push whitespace-tokenized deltas and a
	// provider-finalized "completed" utterance.
	FamilyDeltaStreaming
	// FamilyBatchOnly providers only transcribe whole audio files.
	FamilyBatchOnly
)

// String returns the configuration name of the family.
func (f Family) String() string {
	switch f {
	case FamilyTurnBased:
		return "turn_based"
	case FamilyDeltaStreaming:
		return "delta_streaming"
	case FamilyBatchOnly:
		return "batch_only"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// Streaming reports whether the family is driven by a push-message stream.
func (f Family) Streaming() bool {
	return f == FamilyTurnBased || f == FamilyDeltaStreaming
}

// ParseFamily converts a configuration name into a Family.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "turn_based", "turnbased", "turn":
		return FamilyTurnBased, nil
	case "delta_streaming", "deltastreaming", "delta":
		return FamilyDeltaStreaming, nil
	case "batch_only", "batchonly", "batch":
		return FamilyBatchOnly, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFamily, s)
	}
}

// Capability is the kind of model a resolver is asked for.
type Capability string

const (
	CapabilitySTT Capability = "stt"
	CapabilityLLM Capability = "llm"
)

// Descriptor identifies the provider/model a session runs against. It is
// immutable once a session starts.
type Descriptor struct {
	ProviderID    string
	ModelID       string
	CredentialRef string
	Family        Family
}

// Configuration errors. All of them are fatal to session initialization.
var (
	ErrUnknownFamily        = errors.New("unknown protocol family")
	ErrMissingProvider      = errors.New("missing provider selection")
	ErrMissingModel         = errors.New("missing model selection")
	ErrMissingCredential    = errors.New("missing provider credential")
	ErrUnsupportedProvider  = errors.New("unsupported provider")
	ErrStreamingUnsupported = errors.New("provider handle does not support realtime input")
	ErrBatchUnsupported     = errors.New("provider handle does not support batch transcription")
)

// credentialFree lists providers that run without a credential.
var credentialFree = map[string]bool{"mock": true}

// Validate checks that the descriptor is complete.
func (d Descriptor) Validate() error {
	if d.ProviderID == "" {
		return ErrMissingProvider
	}
	if d.ModelID == "" {
		return ErrMissingModel
	}
	if d.CredentialRef == "" && !credentialFree[d.ProviderID] {
		return fmt.Errorf("%w for %s", ErrMissingCredential, d.ProviderID)
	}
	switch d.Family {
	case FamilyTurnBased, FamilyDeltaStreaming, FamilyBatchOnly:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFamily, int(d.Family))
	}
}

// Payload is one chunk of realtime audio.
type Payload struct {
	Data     []byte
	MimeType string
}

// DefaultMimeType is the raw PCM format produced by capture and expected by
// realtime providers.
const DefaultMimeType = "audio/pcm;rate=24000"

// Result is a batch transcription result.
type Result struct {
	Text string
}

// Handle is an open provider session owned by exactly one channel.
type Handle interface {
	// Close releases the provider session. It may block until the provider
	// acknowledges.
	Close(ctx context.Context) error
}

// Streamer is a handle that accepts realtime input. Results arrive through
// OpenOptions.OnMessage.
type Streamer interface {
	Handle
	SendRealtimeInput(ctx context.Context, p Payload) error
}

// BatchTranscriber is a handle that transcribes whole WAV buffers.
type BatchTranscriber interface {
	Handle
	TranscribeAudio(ctx context.Context, wav []byte) (Result, error)
}

// OpenOptions configures one channel's provider session.
type OpenOptions struct {
	Channel      string
	Language     string
	SampleRateHz int
	// OnMessage receives every inbound provider message. It is called from
	// the provider's reader goroutine and must not block for long.
	OnMessage func(Message)
}

// Factory opens provider sessions for a descriptor.
type Factory interface {
	Open(ctx context.Context, d Descriptor, opts OpenOptions) (Handle, error)
}

// Resolver looks up the descriptor for a capability.
type Resolver interface {
	Resolve(ctx context.Context, c Capability) (Descriptor, error)
}

// CheckCapability verifies that h exposes what family needs. Streaming
// families require Streamer; BatchOnly is exempt from that check but must
// transcribe batches.
func CheckCapability(family Family, h Handle) error {
	if family.Streaming() {
		if _, ok := h.(Streamer); !ok {
			return fmt.Errorf("%w (family %s)", ErrStreamingUnsupported, family)
		}
		return nil
	}
	if _, ok := h.(BatchTranscriber); !ok {
		return fmt.Errorf("%w (family %s)", ErrBatchUnsupported, family)
	}
	return nil
}

package stt

import "fmt"

// Message types carried in Message.Type.
const (
	// MessageTranscription carries an inline input-transcription fragment
	// (turn-based providers).
	MessageTranscription = "transcription"
	// MessageDelta carries an incremental transcript delta.
	MessageDelta = "delta"
	// MessageCompleted carries a provider-finalized utterance.
	MessageCompleted = "completed"
)

// Message is the provider-neutral form of one inbound push message. Provider
// clients translate their wire format into it and leave classification to
// ProtocolAdapter.
type Message struct {
	Type         string
	Text         string
	TurnComplete bool
	Error        string
}

// ProviderError is a non-fatal error reported inside a provider message.
type ProviderError struct {
	Detail string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: %s", e.Detail)
}

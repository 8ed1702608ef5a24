// Package models defines the data structures for transcript, metering and status events.
package models

import "fmt"

// Event types carried in EventType.
const (
	EventTranscriptPartial = "conversation.transcript.partial"
	EventTranscriptFinal   = "conversation.transcript.final"
	EventCaptureAudio      = "conversation.capture.audio"
	EventStatus            = "conversation.status"
)

// Channel identifies one of the two speaker tracks of a session.
type Channel string

const (
	// ChannelLocal is the microphone side of the conversation.
	ChannelLocal Channel = "local"
	// ChannelRemote is the system-audio side of the conversation.
	ChannelRemote Channel = "remote"
)

// Channels lists both channels in a stable order.
var Channels = [2]Channel{ChannelLocal, ChannelRemote}

// Valid reports whether c is one of the two known channels.
func (c Channel) Valid() bool {
	return c == ChannelLocal || c == ChannelRemote
}

// ParseChannel converts a raw string into a Channel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// TranscriptEvent is one normalized transcript update for a channel.
// Exactly one event with Partial=false is emitted per completed turn.
type TranscriptEvent struct {
	EventType string  `json:"eventType"`
	SessionID string  `json:"sessionId"`
	Channel   Channel `json:"channel"`
	TurnID    string  `json:"turnId,omitempty"`
	Text      string  `json:"text"`
	Partial   bool    `json:"partial"`
	Timestamp int64   `json:"timestamp"`
}

// CaptureChunk carries one downmixed system-audio chunk for UI metering.
type CaptureChunk struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64 mono PCM16
	Timestamp int64  `json:"timestamp"`
}

// StatusUpdate is a free-text status notice ("Listening...", capture start/stop).
type StatusUpdate struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

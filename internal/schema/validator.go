// Package schema checks outbound events before they leave the process.
package schema

import (
	"errors"
	"fmt"

	"duplex-transcription-service/internal/models"
)

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Validator checks the required fields of outbound events.
type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate dispatches on the event's concrete type.
func (v *Validator) Validate(event any) error {
	switch ev := event.(type) {
	case models.TranscriptEvent:
		return v.transcript(ev)
	case *models.TranscriptEvent:
		if ev == nil {
			return fmt.Errorf("%w: nil transcript", ErrInvalidEvent)
		}
		return v.transcript(*ev)
	case models.CaptureChunk:
		if ev.Data == "" {
			return fmt.Errorf("%w: empty capture chunk", ErrInvalidEvent)
		}
		return requireType(ev.EventType, models.EventCaptureAudio)
	case models.StatusUpdate:
		if ev.Message == "" {
			return fmt.Errorf("%w: empty status message", ErrInvalidEvent)
		}
		return requireType(ev.EventType, models.EventStatus)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidEvent, event)
	}
}

func (v *Validator) transcript(ev models.TranscriptEvent) error {
	switch {
	case ev.SessionID == "":
		return fmt.Errorf("%w: missing sessionId", ErrInvalidEvent)
	case !ev.Channel.Valid():
		return fmt.Errorf("%w: channel %q", ErrInvalidEvent, ev.Channel)
	case ev.Text == "":
		return fmt.Errorf("%w: empty text", ErrInvalidEvent)
	case ev.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	want := models.EventTranscriptFinal
	if ev.Partial {
		want = models.EventTranscriptPartial
	}
	return requireType(ev.EventType, want)
}

func requireType(got, want string) error {
	if got != want {
		return fmt.Errorf("%w: eventType %q, want %q", ErrInvalidEvent, got, want)
	}
	return nil
}

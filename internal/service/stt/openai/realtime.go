// Package openai provides OpenAI speech-to-text clients: a delta-streaming
// realtime transcription session and a batch Whisper transcriber.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"duplex-transcription-service/internal/service/stt"
	"duplex-transcription-service/internal/service/stt/wsstream"
)

// DefaultRealtimeEndpoint is the realtime transcription endpoint.
const DefaultRealtimeEndpoint = "wss://api.openai.com/v1/realtime?intent=transcription"

// Realtime server event types.
const (
	eventDelta     = "conversation.item.input_audio_transcription.delta"
	eventCompleted = "conversation.item.input_audio_transcription.completed"
	eventError     = "error"
)

// RealtimeConfig configures a realtime transcription session.
type RealtimeConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Language string
}

type sessionUpdate struct {
	Type    string             `json:"type"`
	Session transcriptionSetup `json:"session"`
}

type transcriptionSetup struct {
	InputAudioFormat         string             `json:"input_audio_format"`
	InputAudioTranscription  transcriptionModel `json:"input_audio_transcription"`
	TurnDetection            turnDetection      `json:"turn_detection"`
	InputAudioNoiseReduction *noiseReduction    `json:"input_audio_noise_reduction,omitempty"`
}

type transcriptionModel struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type appendAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Realtime is an open realtime transcription session. It implements
// stt.Streamer.
type Realtime struct {
	conn *wsstream.Conn
}

// DialRealtime opens a session and configures transcription.
func DialRealtime(ctx context.Context, cfg RealtimeConfig, onMessage func(stt.Message), logger zerolog.Logger) (*Realtime, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultRealtimeEndpoint
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, err := wsstream.Dial(ctx, wsstream.Config{
		URL:       cfg.Endpoint,
		Header:    header,
		Decode:    DecodeRealtime,
		OnMessage: onMessage,
		Logger:    logger,
	}, sessionUpdate{
		Type: "transcription_session.update",
		Session: transcriptionSetup{
			InputAudioFormat:         "pcm16",
			InputAudioTranscription:  transcriptionModel{Model: cfg.Model, Language: cfg.Language},
			TurnDetection:            turnDetection{Type: "server_vad"},
			InputAudioNoiseReduction: &noiseReduction{Type: "near_field"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai realtime: %w", err)
	}
	return &Realtime{conn: conn}, nil
}

// SendRealtimeInput appends one chunk to the input audio buffer.
func (r *Realtime) SendRealtimeInput(_ context.Context, p stt.Payload) error {
	return r.conn.SendJSON(appendAudio{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(p.Data),
	})
}

// Close ends the session.
func (r *Realtime) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

// DecodeRealtime translates one realtime server event.
func DecodeRealtime(data []byte) ([]stt.Message, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode realtime event: %w", err)
	}
	switch ev.Type {
	case eventDelta:
		return []stt.Message{{Type: stt.MessageDelta, Text: ev.Delta}}, nil
	case eventCompleted:
		return []stt.Message{{Type: stt.MessageCompleted, Text: ev.Transcript}}, nil
	case eventError:
		detail := "unknown error"
		if ev.Error != nil {
			detail = ev.Error.Message
			if ev.Error.Code != "" {
				detail = ev.Error.Code + ": " + detail
			}
		}
		return []stt.Message{{Error: detail}}, nil
	default:
		return nil, nil
	}
}

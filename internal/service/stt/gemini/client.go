// Package gemini provides a turn-based realtime STT client for the Gemini
// Live API. Input transcription fragments and turn boundaries are forwarded
// as stt.Message values.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"duplex-transcription-service/internal/service/stt"
	"duplex-transcription-service/internal/service/stt/wsstream"
)

// DefaultEndpoint is the Live API bidirectional streaming endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// Config configures a Gemini Live session.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Language string
}

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                   string           `json:"model"`
	GenerationConfig        generationConfig `json:"generationConfig"`
	InputAudioTranscription struct{}         `json:"inputAudioTranscription"`
	SystemInstruction       *content         `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	LanguageCode string `json:"languageCode,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio blob `json:"audio"`
}

type blob struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type serverContent struct {
	InputTranscription *struct {
		Text string `json:"text"`
	} `json:"inputTranscription,omitempty"`
	TurnComplete bool `json:"turnComplete"`
}

// Client is an open Gemini Live session. It implements stt.Streamer.
type Client struct {
	conn   *wsstream.Conn
	logger zerolog.Logger
}

// Dial opens a session and sends the setup frame.
func Dial(ctx context.Context, cfg Config, onMessage func(stt.Message), logger zerolog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse gemini endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", cfg.APIKey)
	u.RawQuery = q.Encode()

	model := cfg.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	s := setup{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"TEXT"},
		},
		SystemInstruction: &content{Parts: []part{{Text: "Transcribe the user's speech. Do not respond."}}},
	}
	if cfg.Language != "" {
		s.GenerationConfig.SpeechConfig = &speechConfig{LanguageCode: cfg.Language}
	}

	conn, err := wsstream.Dial(ctx, wsstream.Config{
		URL:       u.String(),
		Decode:    Decode,
		OnMessage: onMessage,
		Logger:    logger,
	}, setupMessage{Setup: s})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// SendRealtimeInput queues one audio chunk.
func (c *Client) SendRealtimeInput(_ context.Context, p stt.Payload) error {
	mime := p.MimeType
	if mime == "" {
		mime = stt.DefaultMimeType
	}
	return c.conn.SendJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{Audio: blob{
			Data:     base64.StdEncoding.EncodeToString(p.Data),
			MimeType: mime,
		}},
	})
}

// Close ends the session.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// Decode translates one Live API server frame. A turn-complete frame becomes a
// single message with the marker set; any transcription it carries rides
// along and is dropped by classification.
func Decode(data []byte) ([]stt.Message, error) {
	var m serverMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode gemini frame: %w", err)
	}

	var out []stt.Message
	if m.Error != nil {
		out = append(out, stt.Message{Error: fmt.Sprintf("%d %s", m.Error.Code, m.Error.Message)})
	}
	if m.GoAway != nil {
		out = append(out, stt.Message{Error: "server going away in " + m.GoAway.TimeLeft})
	}
	if sc := m.ServerContent; sc != nil {
		var text string
		if sc.InputTranscription != nil {
			text = sc.InputTranscription.Text
		}
		switch {
		case sc.TurnComplete:
			msg := stt.Message{TurnComplete: true}
			if text != "" {
				msg.Type = stt.MessageTranscription
				msg.Text = text
			}
			out = append(out, msg)
		case text != "":
			out = append(out, stt.Message{Type: stt.MessageTranscription, Text: text})
		}
	}
	return out, nil
}

package openai

import (
	"bytes"
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"duplex-transcription-service/internal/service/stt"
)

// BatchConfig configures the batch transcriber.
type BatchConfig struct {
	// BaseURL overrides the API base, e.g. for a compatible local server.
	BaseURL  string
	APIKey   string
	Model    string
	Language string
}

// Batch transcribes whole WAV buffers. It implements stt.BatchTranscriber.
type Batch struct {
	client   *goopenai.Client
	model    string
	language string
}

// NewBatch creates a batch transcriber.
func NewBatch(cfg BatchConfig) *Batch {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = goopenai.Whisper1
	}
	return &Batch{
		client:   goopenai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
	}
}

// TranscribeAudio submits one WAV buffer.
func (b *Batch) TranscribeAudio(ctx context.Context, wav []byte) (stt.Result, error) {
	resp, err := b.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    b.model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wav),
		Language: b.language,
		Format:   goopenai.AudioResponseFormatJSON,
	})
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai transcription: %w", err)
	}
	return stt.Result{Text: resp.Text}, nil
}

// Close is a no-op; the HTTP client holds no session.
func (b *Batch) Close(context.Context) error {
	return nil
}

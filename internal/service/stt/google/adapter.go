// Package google provides a Google Cloud Speech-to-Text batch transcriber.
package google

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"duplex-transcription-service/internal/service/audio"
	"duplex-transcription-service/internal/service/stt"
)

// Config holds Google STT configuration.
type Config struct {
	LanguageCode    string
	SampleRateHz    int
	AudioEncoding   string
	Model           string
	Punctuation     bool
	CredentialsFile string
}

// DefaultConfig returns the configuration for mono 16-bit 24 kHz windows.
func DefaultConfig() Config {
	return Config{
		LanguageCode:  "en-US",
		SampleRateHz:  audio.CaptureSampleRate,
		AudioEncoding: "LINEAR16",
		Punctuation:   true,
	}
}

// recognizer is the subset of *speech.Client used here.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

type clientRecognizer struct {
	c *speech.Client
}

func (r clientRecognizer) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return r.c.Recognize(ctx, req)
}

func (r clientRecognizer) Close() error {
	return r.c.Close()
}

// Adapter transcribes WAV windows with synchronous Recognize calls. It
// implements stt.BatchTranscriber.
type Adapter struct {
	client recognizer
	cfg    Config
}

// New creates a new Google STT adapter. Without a credentials file the
// client falls back to GOOGLE_APPLICATION_CREDENTIALS.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Adapter{client: clientRecognizer{c: c}, cfg: cfg}, nil
}

// TranscribeAudio recognizes one WAV buffer.
func (a *Adapter) TranscribeAudio(ctx context.Context, wav []byte) (stt.Result, error) {
	resp, err := a.client.Recognize(ctx, a.buildRequest(wav))
	if err != nil {
		return stt.Result{}, fmt.Errorf("google recognize: %w", err)
	}

	parts := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(r.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	return stt.Result{Text: strings.Join(parts, " ")}, nil
}

// buildRequest strips the WAV header so the content matches the declared
// raw encoding. The sample rate comes from the header when it parses.
func (a *Adapter) buildRequest(wav []byte) *speechpb.RecognizeRequest {
	pcm := wav
	rate := a.cfg.SampleRateHz
	channels := 1
	if hdr, err := audio.ParseWAVHeader(wav); err == nil {
		pcm = wav[audio.WAVHeaderSize:]
		rate = int(hdr.Format.SampleRate)
		channels = int(hdr.Format.Channels)
	}

	return &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   parseAudioEncoding(a.cfg.AudioEncoding),
			SampleRateHertz:            int32(rate),
			AudioChannelCount:          int32(channels),
			LanguageCode:               a.cfg.LanguageCode,
			Model:                      a.cfg.Model,
			EnableAutomaticPunctuation: a.cfg.Punctuation,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	}
}

// Close releases the client.
func (a *Adapter) Close(context.Context) error {
	return a.client.Close()
}

// parseAudioEncoding maps a configuration string to the API enum. Unknown
// values fall back to LINEAR16.
func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Package factory opens provider sessions by provider ID.
package factory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"duplex-transcription-service/internal/observability/logging"
	"duplex-transcription-service/internal/service/stt"
	"duplex-transcription-service/internal/service/stt/gemini"
	"duplex-transcription-service/internal/service/stt/google"
	"duplex-transcription-service/internal/service/stt/mock"
	"duplex-transcription-service/internal/service/stt/openai"
)

// Provider IDs.
const (
	ProviderMock   = "mock"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderGoogle = "google"
)

// Endpoints overrides provider endpoints, mostly for tests and proxies.
type Endpoints struct {
	Gemini         string
	OpenAIRealtime string
	OpenAIBase     string
}

// Factory implements stt.Factory.
type Factory struct {
	endpoints Endpoints
	mockDelay time.Duration
	secrets   func(ref string) (string, error)
}

// New creates a factory. mockDelay is the simulated latency of the mock
// provider.
func New(endpoints Endpoints, mockDelay time.Duration) *Factory {
	return &Factory{endpoints: endpoints, mockDelay: mockDelay, secrets: ResolveCredential}
}

// Open opens one provider session for d.
func (f *Factory) Open(ctx context.Context, d stt.Descriptor, opts stt.OpenOptions) (stt.Handle, error) {
	logger := logging.WithChannel("", opts.Channel, d.ProviderID)

	if d.ProviderID == ProviderMock {
		return mock.New(d.Family, f.mockDelay, opts.OnMessage), nil
	}

	secret, err := f.secrets(d.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %v", stt.ErrMissingCredential, d.ProviderID, err)
	}

	switch d.ProviderID {
	case ProviderGemini:
		if d.Family != stt.FamilyTurnBased {
			return nil, unsupportedFamily(d)
		}
		c, err := gemini.Dial(ctx, gemini.Config{
			Endpoint: f.endpoints.Gemini,
			APIKey:   secret,
			Model:    d.ModelID,
			Language: opts.Language,
		}, opts.OnMessage, logger)
		if err != nil {
			return nil, err
		}
		return c, nil

	case ProviderOpenAI:
		switch d.Family {
		case stt.FamilyDeltaStreaming:
			rt, err := openai.DialRealtime(ctx, openai.RealtimeConfig{
				Endpoint: f.endpoints.OpenAIRealtime,
				APIKey:   secret,
				Model:    d.ModelID,
				Language: baseLanguage(opts.Language),
			}, opts.OnMessage, logger)
			if err != nil {
				return nil, err
			}
			return rt, nil
		case stt.FamilyBatchOnly:
			return openai.NewBatch(openai.BatchConfig{
				BaseURL:  f.endpoints.OpenAIBase,
				APIKey:   secret,
				Model:    d.ModelID,
				Language: baseLanguage(opts.Language),
			}), nil
		default:
			return nil, unsupportedFamily(d)
		}

	case ProviderGoogle:
		if d.Family != stt.FamilyBatchOnly {
			return nil, unsupportedFamily(d)
		}
		cfg := google.DefaultConfig()
		cfg.Model = d.ModelID
		cfg.CredentialsFile = secret
		if opts.Language != "" {
			cfg.LanguageCode = opts.Language
		}
		if opts.SampleRateHz > 0 {
			cfg.SampleRateHz = opts.SampleRateHz
		}
		a, err := google.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil

	default:
		return nil, fmt.Errorf("%w: %q", stt.ErrUnsupportedProvider, d.ProviderID)
	}
}

func unsupportedFamily(d stt.Descriptor) error {
	return fmt.Errorf("%w: %s does not support family %s", stt.ErrUnsupportedProvider, d.ProviderID, d.Family)
}

// baseLanguage reduces a BCP-47 tag such as "en-US" to its ISO-639-1 part.
func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

// ResolveCredential turns a credential reference into a secret:
// "env:NAME" reads an environment variable, "file:PATH" yields the path
// itself (for file-based credentials), anything else is the secret.
func ResolveCredential(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("environment variable %s is empty", name)
		}
		return v, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	case ref == "":
		return "", fmt.Errorf("empty credential reference")
	default:
		return ref, nil
	}
}

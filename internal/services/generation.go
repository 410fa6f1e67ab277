package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"tnpsc-study/internal/config"
)

// Attachment is a binary part sent alongside a text instruction.
type Attachment struct {
	MIMEType string
	Data     []byte
}

type GenerationOptions struct {
	Temperature     float32
	MaxOutputTokens int
}

type GenerationRequest struct {
	System      string
	Instruction string
	Attachments []Attachment
	Options     GenerationOptions
}

// Generator sends one instruction to a text-generation endpoint and returns
// the raw completion text. Implementations never retry; failures come back as
// *TransportError or *ServiceError.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

type unavailableGenerator struct{}

func (unavailableGenerator) Generate(context.Context, GenerationRequest) (string, error) {
	return "", ErrGenerationUnavailable
}

// NewGenerator picks the configured provider. A provider without credentials
// yields a generator that always fails with ErrGenerationUnavailable.
func NewGenerator(ctx context.Context, cfg config.Config, log zerolog.Logger) (Generator, func() error, error) {
	noop := func() error { return nil }
	switch cfg.GenerationProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			log.Warn().Msg("OPENAI_API_KEY not set, generation disabled")
			return unavailableGenerator{}, noop, nil
		}
		return NewOpenAIGenerator(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIEndpoint), noop, nil
	case "gemini", "":
		if cfg.GeminiKey == "" {
			log.Warn().Msg("GEMINI_API_KEY not set, generation disabled")
			return unavailableGenerator{}, noop, nil
		}
		gen, err := NewGeminiGenerator(ctx, cfg.GeminiKey, cfg.GeminiModel, log)
		if err != nil {
			return nil, noop, err
		}
		return gen, gen.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown generation provider %q", cfg.GenerationProvider)
	}
}

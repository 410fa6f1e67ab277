package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiGenerator sends requests to the Gemini generateContent endpoint.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	log    zerolog.Logger
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string, log zerolog.Logger, opts ...option.ClientOption) (*GeminiGenerator, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{
		client: client,
		model:  model,
		log:    log.With().Str("component", "gemini").Logger(),
	}, nil
}

func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

func (g *GeminiGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	// GenerativeModel carries per-call settings, so each call gets its own handle.
	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(req.Options.Temperature)
	if req.Options.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(int32(req.Options.MaxOutputTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	parts := []genai.Part{genai.Text(req.Instruction)}
	for _, att := range req.Attachments {
		parts = append(parts, genai.Blob{MIMEType: att.MIMEType, Data: att.Data})
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", classifyGeminiError(err)
	}

	if resp.UsageMetadata != nil {
		g.log.Debug().
			Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount).
			Int32("candidate_tokens", resp.UsageMetadata.CandidatesTokenCount).
			Int32("total_tokens", resp.UsageMetadata.TotalTokenCount).
			Msg("gemini usage")
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &ServiceError{Message: "empty completion: no candidates"}
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", &ServiceError{Message: fmt.Sprintf("empty completion (finish reason %s)", resp.Candidates[0].FinishReason)}
	}
	return b.String(), nil
}

func classifyGeminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return &ServiceError{Status: apiErr.Code, Message: apiErr.Message}
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &ServiceError{Message: blocked.Error()}
	}
	return &TransportError{Err: err}
}

package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

const (
	chatHistoryTurns    = 5
	maxChatTurnRunes    = 2000
	maxChatMessageRunes = 4000
)

const chatSystemPrompt = `You are a friendly study assistant for Tamil Nadu Public Service Commission (TNPSC) aspirants. Answer questions about the TNPSC syllabus: Indian and Tamil Nadu history, polity, geography, economy, general science, Tamil culture and current affairs. Be accurate and concise, use short lists where they help, and say so when you are unsure. If the student writes in Tamil, reply in Tamil.`

// ChatTurn is one message of a conversation.
type ChatTurn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// ChatService answers free-form study questions.
type ChatService struct {
	gen         Generator
	timeout     time.Duration
	temperature float32
	maxTokens   int
	log         zerolog.Logger
}

func NewChatService(gen Generator, timeout time.Duration, maxTokens int, log zerolog.Logger) *ChatService {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ChatService{
		gen:         gen,
		timeout:     timeout,
		temperature: 0.7,
		maxTokens:   maxTokens,
		log:         log.With().Str("component", "chat").Logger(),
	}
}

// Reply sends the last few turns of history plus message to the generator.
func (s *ChatService) Reply(ctx context.Context, history []ChatTurn, message string, attachments []Attachment) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" && len(attachments) == 0 {
		return "", ErrEmptyMessage
	}
	if message == "" {
		message = "Explain the attached study material."
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.gen.Generate(callCtx, GenerationRequest{
		System:      chatSystemPrompt,
		Instruction: buildChatPrompt(history, message),
		Attachments: attachments,
		Options: GenerationOptions{
			Temperature:     s.temperature,
			MaxOutputTokens: s.maxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat reply: %w", err)
	}
	s.log.Debug().Int("history", len(history)).Int("attachments", len(attachments)).Msg("chat reply")
	return strings.TrimSpace(reply), nil
}

func buildChatPrompt(history []ChatTurn, message string) string {
	if len(history) > chatHistoryTurns {
		history = history[len(history)-chatHistoryTurns:]
	}
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, turn := range history {
			role := "Student"
			if turn.Role == "assistant" {
				role = "Assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, sanitizeForPrompt(turn.Content, maxChatTurnRunes))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Student: %s\n", sanitizeForPrompt(message, maxChatMessageRunes))
	if containsTamil(message) {
		b.WriteString("Reply in Tamil.")
	}
	return b.String()
}

func containsTamil(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Tamil, r) {
			return true
		}
	}
	return false
}

package collaborator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/andreypedro/wa-agent-api/internal/domain"
)

// DefaultBaseURL targets OpenRouter's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig configures the model backend.
type OpenRouterConfig struct {
	BaseURL string
	Token   string
	Model   string
	// Timeout bounds every Extract call.
	Timeout time.Duration
}

// OpenRouterClient implements Extractor over an OpenAI-compatible API.
type OpenRouterClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenRouter creates the model client.
func NewOpenRouter(cfg OpenRouterConfig, logger *slog.Logger) (*OpenRouterClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("openrouter token is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openrouter model is required")
	}

	clientCfg := openai.DefaultConfig(cfg.Token)
	clientCfg.BaseURL = cfg.BaseURL
	if clientCfg.BaseURL == "" {
		clientCfg.BaseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OpenRouterClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Extract runs one turn through the model and parses the structured
// envelope out of its response.
func (o *OpenRouterClient) Extract(ctx context.Context, req ExtractRequest) (*Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: buildSystemPrompt(req),
	})
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("model call after %s: %w", o.timeout, ErrCollaboratorTimeout)
		}
		return nil, fmt.Errorf("model call: %w: %w", err, ErrCollaborator)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices: %w", ErrCollaborator)
	}

	ex := parseEnvelope(resp.Choices[0].Message.Content)
	if !ex.Structured {
		o.logger.Warn("model response had no parseable data section", "model", o.model)
	}
	return ex, nil
}

// buildSystemPrompt assembles the phase goal, the extraction contract
// and the pending-field list into the model's instructions.
func buildSystemPrompt(req ExtractRequest) string {
	var b strings.Builder

	b.WriteString("You are a friendly product consultant conducting a structured interview over chat. ")
	b.WriteString("Reply in the user's language, keep answers short, and always end with one direct question that moves the conversation forward.\n\n")

	b.WriteString("Current objective: ")
	b.WriteString(req.Goal)
	b.WriteString("\n\n")

	if len(req.Missing) > 0 {
		b.WriteString("Information still needed: ")
		for i, f := range req.Missing {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(f.Name)
		}
		b.WriteString("\n")
	}
	if len(req.Scope) > 0 {
		b.WriteString("You may extract only these fields: ")
		for i, f := range req.Scope {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s (%s)", f.Name, f.Kind)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nOutput format, mandatory:\n")
	b.WriteString("1. Your reply to the user.\n")
	b.WriteString("2. A line containing exactly '---DATA---'.\n")
	b.WriteString("3. A JSON object: {\"extracted\": {field: value, ...}, \"intent\": \"stay\"|\"advance\"")
	if req.Review {
		b.WriteString("|\"approve\"|\"change\"")
	}
	b.WriteString(", \"confident\": true|false}.\n")
	b.WriteString("Use true/false for yes/no fields and plain digits for numbers. ")
	b.WriteString("Extract implied values: a plain 'yes' confirms the field you just asked about. ")
	b.WriteString("Set confident to false when you had to guess what the user meant; ")
	b.WriteString("guessed values are discarded and you should ask for clarification in your reply. ")
	b.WriteString("Set intent to \"advance\" when the user asks to move on.")
	if req.Review {
		b.WriteString(" Set intent to \"approve\" when the user accepts the summary, or \"change\" when they want modifications; ")
		b.WriteString("when they name the area to change, extract it as refine_target.")
	}

	return b.String()
}

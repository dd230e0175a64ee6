package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const titlePrompt = "You name conversations. Reply with a short title of at most six words " +
	"for the conversation below. Reply with the title only, without quotes or a trailing period."

// TitlerConfig configures the title generator
type TitlerConfig struct {
	APIKey  string
	BaseURL string
	// MaxPromptTokens caps the transcript sent to the model
	MaxPromptTokens int
	// Encoding is the tiktoken encoding used to count tokens
	Encoding string
}

// OpenAITitler generates thread titles with a chat completion
type OpenAITitler struct {
	client    *openai.Client
	encoding  *tiktoken.Tiktoken
	maxTokens int
	log       *zap.Logger
}

var _ biz.TitleGenerator = (*OpenAITitler)(nil)

// NewOpenAITitler creates the title generator. An unknown encoding falls
// back to counting runes.
func NewOpenAITitler(cfg *TitlerConfig, log *zap.Logger) (*OpenAITitler, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = 1000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "cl100k_base"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	encoding, err := tiktoken.GetEncoding(cfg.Encoding)
	if err != nil {
		log.Warn("token encoding unavailable, truncating by runes",
			zap.String("encoding", cfg.Encoding), zap.Error(err))
		encoding = nil
	}

	return &OpenAITitler{
		client:    openai.NewClientWithConfig(clientCfg),
		encoding:  encoding,
		maxTokens: cfg.MaxPromptTokens,
		log:       log.Named("titler"),
	}, nil
}

// GenerateTitle implements biz.TitleGenerator
func (t *OpenAITitler) GenerateTitle(ctx context.Context, model string, messages []types.Message) (string, error) {
	transcript := t.truncate(Transcript(messages))
	if transcript == "" {
		return "", errors.New("nothing to title")
	}

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("title completion with %s: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("title completion with %s returned no choices", model)
	}

	t.log.Debug("title generated", zap.String("model", model), zap.Int("prompt_tokens", resp.Usage.PromptTokens))
	return resp.Choices[0].Message.Content, nil
}

// truncate cuts the transcript to the prompt budget
func (t *OpenAITitler) truncate(text string) string {
	if t.encoding == nil {
		return truncateRunes(text, t.maxTokens*4)
	}
	tokens := t.encoding.Encode(text, nil, nil)
	if len(tokens) <= t.maxTokens {
		return text
	}
	return t.encoding.Decode(tokens[:t.maxTokens])
}

// Transcript renders user and assistant text as "Role: content" lines
func Transcript(messages []types.Message) string {
	var b strings.Builder
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case types.RoleUser:
			b.WriteString("User: ")
		case types.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

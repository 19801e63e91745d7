package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"langy/internal/config"
	"langy/internal/models"
)

const defaultClaudeMaxTokens = 3000

// einoClient adapts an eino chat model to Client.
type einoClient struct {
	provider string
	chat     model.BaseChatModel
}

func newEino(ctx context.Context, kind string, prov config.ProviderConfig, modelName string) (*einoClient, error) {
	var (
		chat model.BaseChatModel
		err  error
	)
	switch kind {
	case "openai_compatible":
		chat, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: prov.BaseURL,
			Model:   modelName,
			APIKey:  prov.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  prov.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chat, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURL *string
		if prov.BaseURL != "" {
			baseURL = &prov.BaseURL
		}
		maxTokens := prov.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		chat, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    prov.APIKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider kind: %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", kind, err)
	}
	return &einoClient{provider: kind, chat: chat}, nil
}

func toSchema(messages []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		var role schema.RoleType
		switch m.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: m.Content})
	}
	return out
}

func usageOf(msg *schema.Message) (models.Usage, bool) {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return models.Usage{}, false
	}
	u := msg.ResponseMeta.Usage
	return models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}, true
}

func (c *einoClient) Complete(ctx context.Context, messages []models.Message, temperature float64) (*Result, error) {
	if err := checkTemperature(temperature); err != nil {
		return nil, err
	}
	msg, err := c.chat.Generate(ctx, toSchema(messages), model.WithTemperature(float32(temperature)))
	if err != nil {
		return nil, fail(ctx, c.provider, err)
	}
	u, _ := usageOf(msg)
	return &Result{Text: msg.Content, Usage: u.Normalize()}, nil
}

func (c *einoClient) Stream(ctx context.Context, messages []models.Message, temperature float64) (*Stream, error) {
	if err := checkTemperature(temperature); err != nil {
		return nil, err
	}
	reader, err := c.chat.Stream(ctx, toSchema(messages), model.WithTemperature(float32(temperature)))
	if err != nil {
		return nil, fail(ctx, c.provider, fmt.Errorf("start stream: %w", err))
	}
	return NewStream(ctx, c.provider, &einoSource{reader: reader}), nil
}

type einoSource struct {
	reader *schema.StreamReader[*schema.Message]
	u      models.Usage
}

func (s *einoSource) Next() (string, error) {
	chunk, err := s.reader.Recv()
	if err != nil {
		return "", err
	}
	if u, ok := usageOf(chunk); ok {
		s.u = u
	}
	return chunk.Content, nil
}

func (s *einoSource) Usage() models.Usage { return s.u }

func (s *einoSource) Close() error {
	s.reader.Close()
	return nil
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"langy/internal/config"
	"langy/internal/models"
)

// openaiClient talks to the OpenAI API directly so requests carry the
// organization id alongside the key.
type openaiClient struct {
	client    oai.Client
	model     string
	maxTokens int
}

func newOpenAI(prov config.ProviderConfig, model string, opts ...option.RequestOption) (*openaiClient, error) {
	if prov.APIKey == "" {
		return nil, errors.New("openai: api key is not configured")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(prov.APIKey)}
	if prov.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(prov.BaseURL))
	}
	if prov.Organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(prov.Organization))
	}
	reqOpts = append(reqOpts, opts...)
	return &openaiClient{client: oai.NewClient(reqOpts...), model: model, maxTokens: prov.MaxTokens}, nil
}

func (c *openaiClient) params(messages []models.Message, temperature float64) oai.ChatCompletionNewParams {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			msgs = append(msgs, oai.SystemMessage(m.Content))
		case models.RoleAssistant:
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, oai.UserMessage(m.Content))
		}
	}
	p := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    msgs,
		Temperature: param.NewOpt(temperature),
	}
	if c.maxTokens > 0 {
		p.MaxCompletionTokens = param.NewOpt(int64(c.maxTokens))
	}
	return p
}

func (c *openaiClient) Complete(ctx context.Context, messages []models.Message, temperature float64) (*Result, error) {
	if err := checkTemperature(temperature); err != nil {
		return nil, err
	}
	resp, err := c.client.Chat.Completions.New(ctx, c.params(messages, temperature))
	if err != nil {
		return nil, fail(ctx, "openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fail(ctx, "openai", errors.New("empty choices in response"))
	}
	return &Result{
		Text: resp.Choices[0].Message.Content,
		Usage: models.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}.Normalize(),
	}, nil
}

func (c *openaiClient) Stream(ctx context.Context, messages []models.Message, temperature float64) (*Stream, error) {
	if err := checkTemperature(temperature); err != nil {
		return nil, err
	}
	p := c.params(messages, temperature)
	p.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: oai.Bool(true)}
	stream := c.client.Chat.Completions.NewStreaming(ctx, p)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, fail(ctx, "openai", fmt.Errorf("start stream: %w", err))
	}
	return NewStream(ctx, "openai", &openaiSource{stream: stream}), nil
}

type openaiSource struct {
	stream *ssestream.Stream[oai.ChatCompletionChunk]
	u      models.Usage
}

func (s *openaiSource) Next() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			s.u = models.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
	if err := s.stream.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *openaiSource) Usage() models.Usage { return s.u }

func (s *openaiSource) Close() error { return s.stream.Close() }

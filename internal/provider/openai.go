package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

func init() {
	RegisterFactory("openai", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}

		cfg := openai.DefaultConfig(apiKey)
		if baseURL, ok := config["base_url"].(string); ok && baseURL != "" {
			cfg.BaseURL = baseURL
		}
		return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}, nil
	})
}

// OpenAIProvider implements Provider on the OpenAI chat completions
// API.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI provider from an existing client.
func NewOpenAIProvider(client *openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// GenerateStream starts a streamed chat completion. Usage is requested
// on the final chunk so the orchestrator can settle the budget ledger.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return nil, p.classify(err)
	}

	return &openaiStream{inner: stream, provider: p}, nil
}

// classify translates go-openai errors into *Error.
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		e := NewError("openai", codeForStatus(apiErr.HTTPStatusCode), msg, err)
		e.StatusCode = apiErr.HTTPStatusCode
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewError("openai", ErrorCodeTimeout, err.Error(), err)
}

// openaiStream adapts the SDK stream to the Stream interface.
type openaiStream struct {
	inner    *openai.ChatCompletionStream
	provider *OpenAIProvider
}

func (s *openaiStream) Recv() (*Chunk, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, s.provider.classify(err)
	}

	chunk := &Chunk{}
	if len(resp.Choices) > 0 {
		chunk.Delta = resp.Choices[0].Delta.Content
		chunk.FinishReason = string(resp.Choices[0].FinishReason)
	}
	// With IncludeUsage set the API sends a final chunk carrying usage
	// and no choices.
	if resp.Usage != nil {
		chunk.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return chunk, nil
}

func (s *openaiStream) Close() error {
	return s.inner.Close()
}

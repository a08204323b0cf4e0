package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"google.golang.org/genai"
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		return NewGeminiProvider(context.Background(), apiKey)
	})
}

// GeminiProvider implements Provider on the Gemini API via the Gen AI
// SDK.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string { return "gemini" }

// GenerateStream starts a streamed generation. The SDK exposes an
// iter.Seq2; a goroutine bridges it onto channels so the Stream
// interface's pull model and Close both work.
func (p *GeminiProvider) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	config := &genai.GenerateContentConfig{}
	config.Temperature = genai.Ptr(req.Temperature)
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	respChan := make(chan *genai.GenerateContentResponse, 10)
	errChan := make(chan error, 1)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(respChan)
		defer close(errChan)

		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, req.Model, contents, config) {
			if err != nil {
				select {
				case errChan <- p.classify(err):
				case <-streamCtx.Done():
				}
				return
			}
			select {
			case respChan <- resp:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return &geminiStream{
		respChan: respChan,
		errChan:  errChan,
		ctx:      streamCtx,
		cancel:   cancel,
	}, nil
}

func (p *GeminiProvider) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		e := NewError("gemini", codeForStatus(apiErr.Code), apiErr.Message, err)
		e.StatusCode = apiErr.Code
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewError("gemini", ErrorCodeUnknown, err.Error(), err)
}

// geminiStream implements Stream over the bridged channels.
type geminiStream struct {
	respChan <-chan *genai.GenerateContentResponse
	errChan  <-chan error
	ctx      context.Context
	cancel   context.CancelFunc
	done     bool
}

// Recv pulls from respChan until it closes, then consults errChan. The
// bridge goroutine parks any failure in errChan before closing respChan,
// so deltas that arrived ahead of the failure always drain first.
func (s *geminiStream) Recv() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	select {
	case <-s.ctx.Done():
		s.done = true
		return nil, s.ctx.Err()
	case resp, ok := <-s.respChan:
		if !ok {
			s.done = true
			if err := <-s.errChan; err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return chunkFromGenAI(resp), nil
	}
}

func chunkFromGenAI(resp *genai.GenerateContentResponse) *Chunk {
	chunk := &Chunk{}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				chunk.Delta += part.Text
			}
		}
		if cand.FinishReason != "" {
			chunk.FinishReason = string(cand.FinishReason)
		}
	}
	if md := resp.UsageMetadata; md != nil && md.TotalTokenCount > 0 {
		chunk.Usage = &Usage{
			PromptTokens:     int(md.PromptTokenCount),
			CompletionTokens: int(md.CandidatesTokenCount),
			TotalTokens:      int(md.TotalTokenCount),
		}
	}
	return chunk
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}

package provider

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"google.golang.org/genai"
)

func TestRegistryUnknown(t *testing.T) {
	if _, err := New("does-not-exist", nil); err == nil {
		t.Fatal("New() on unknown provider: want error")
	}
}

func TestRegistryNames(t *testing.T) {
	names := Names()
	want := map[string]bool{"openai": false, "gemini": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("registered providers missing %q: %v", n, names)
		}
	}
}

func TestErrorRetryability(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{ErrorCodeRateLimit, true},
		{ErrorCodeServerError, true},
		{ErrorCodeTimeout, true},
		{ErrorCodeInvalidRequest, false},
		{ErrorCodeAuthentication, false},
		{ErrorCodeModelNotFound, false},
	}
	for _, tt := range tests {
		e := NewError("openai", tt.code, "boom", nil)
		if e.IsRetryable != tt.retryable {
			t.Errorf("NewError(%s).IsRetryable = %v, want %v", tt.code, e.IsRetryable, tt.retryable)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("socket closed")
	e := NewError("gemini", ErrorCodeServerError, "upstream", inner)
	if !errors.Is(e, inner) {
		t.Error("NewError lost the wrapped error")
	}
}

func TestMockProviderScripted(t *testing.T) {
	m := NewMockProvider()
	m.StreamScripts = [][]*Chunk{
		{
			{Delta: "Hel"},
			{Delta: "lo", FinishReason: "stop", Usage: &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
		},
	}

	stream, err := m.GenerateStream(context.Background(), Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	defer func() { _ = stream.Close() }()

	var text string
	var usage *Usage
	for {
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		text += c.Delta
		if c.Usage != nil {
			usage = c.Usage
		}
	}

	if text != "Hello" {
		t.Errorf("streamed text = %q, want Hello", text)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Errorf("usage = %+v, want total 5", usage)
	}
	if m.CallCount() != 1 {
		t.Errorf("CallCount = %d, want 1", m.CallCount())
	}
}

func TestMockProviderScriptedError(t *testing.T) {
	m := NewMockProvider()
	m.Errors = []error{NewError("mock", ErrorCodeServerError, "down", nil)}

	if _, err := m.GenerateStream(context.Background(), Request{}); err == nil {
		t.Fatal("GenerateStream() want scripted error")
	}
}

func TestGeminiStreamDrainsDeltasBeforeError(t *testing.T) {
	// Mirror the bridge goroutine's shutdown order on failure: park the
	// error, close errChan, close respChan with deltas still buffered.
	respChan := make(chan *genai.GenerateContentResponse, 10)
	errChan := make(chan error, 1)
	respChan <- genaiTextResp("one ")
	respChan <- genaiTextResp("two")
	errChan <- NewError("gemini", ErrorCodeServerError, "upstream hiccup", nil)
	close(errChan)
	close(respChan)

	ctx, cancel := context.WithCancel(context.Background())
	s := &geminiStream{respChan: respChan, errChan: errChan, ctx: ctx, cancel: cancel}
	defer func() { _ = s.Close() }()

	var text string
	var streamErr error
	for {
		c, err := s.Recv()
		if err != nil {
			streamErr = err
			break
		}
		text += c.Delta
	}

	if text != "one two" {
		t.Errorf("streamed text = %q, want both buffered deltas", text)
	}
	var pe *Error
	if !errors.As(streamErr, &pe) || pe.Code != ErrorCodeServerError {
		t.Errorf("terminal error = %v, want server_error", streamErr)
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() after terminal error = %v, want io.EOF", err)
	}
}

func TestGeminiStreamCleanEOF(t *testing.T) {
	respChan := make(chan *genai.GenerateContentResponse, 10)
	errChan := make(chan error, 1)
	respChan <- genaiTextResp("done")
	close(errChan)
	close(respChan)

	ctx, cancel := context.WithCancel(context.Background())
	s := &geminiStream{respChan: respChan, errChan: errChan, ctx: ctx, cancel: cancel}
	defer func() { _ = s.Close() }()

	c, err := s.Recv()
	if err != nil || c.Delta != "done" {
		t.Fatalf("Recv() = %v, %v, want delta", c, err)
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() at end = %v, want io.EOF", err)
	}
}

func genaiTextResp(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func TestMockStreamHonorsCancel(t *testing.T) {
	m := NewMockProvider()
	m.StreamScripts = [][]*Chunk{{{Delta: "partial"}}}
	m.BlockOnRecv = true

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := m.GenerateStream(ctx, Request{})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := stream.Recv()
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("blocked Recv() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Recv() did not observe cancellation")
	}
}

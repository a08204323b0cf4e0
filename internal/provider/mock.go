package provider

import (
	"context"
	"io"
	"sync"
)

// MockProvider is a scripted provider for tests. Each GenerateStream
// call consumes the next scripted stream (chunks or an error); when
// the script runs out, a default single-chunk stream is returned.
type MockProvider struct {
	mu sync.Mutex

	// StreamScripts are consumed in order, one per call.
	StreamScripts [][]*Chunk
	// Errors aligned with StreamScripts; a non-nil entry fails the call.
	Errors []error
	// ChunkErr, when set, is returned by Recv after the scripted chunks
	// instead of io.EOF (simulates a provider dying mid-stream).
	ChunkErr error
	// BlockOnRecv, when set, makes Recv wait for ctx cancellation after
	// the scripted chunks (simulates a stalled provider).
	BlockOnRecv bool

	// Calls records every request for assertions.
	Calls []Request

	index int
}

// NewMockProvider creates a mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Name returns "mock".
func (m *MockProvider) Name() string { return "mock" }

// GenerateStream implements Provider.
func (m *MockProvider) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.index < len(m.Errors) && m.Errors[m.index] != nil {
		err := m.Errors[m.index]
		m.index++
		return nil, err
	}

	var chunks []*Chunk
	if m.index < len(m.StreamScripts) {
		chunks = m.StreamScripts[m.index]
	} else {
		chunks = []*Chunk{
			{Delta: "mock response", FinishReason: "stop", Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		}
	}
	m.index++

	return &mockStream{
		ctx:      ctx,
		chunks:   chunks,
		finalErr: m.ChunkErr,
		block:    m.BlockOnRecv,
	}, nil
}

// CallCount reports how many streams were started.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

type mockStream struct {
	ctx      context.Context
	chunks   []*Chunk
	finalErr error
	block    bool
	pos      int
	closed   bool
	mu       sync.Mutex
}

func (s *mockStream) Recv() (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.block {
		s.mu.Unlock()
		<-s.ctx.Done()
		s.mu.Lock()
		return nil, s.ctx.Err()
	}
	if s.finalErr != nil {
		return nil, s.finalErr
	}
	return nil, io.EOF
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

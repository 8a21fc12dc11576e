package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// OpenAICompleter streams completions through the OpenAI chat API. One API
// client is kept per credential secret, created on first use.
type OpenAICompleter struct {
	baseURL string

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewOpenAICompleter creates a completer. baseURL may be empty for the default
// API endpoint, or point at a compatible gateway.
func NewOpenAICompleter(baseURL string) *OpenAICompleter {
	return &OpenAICompleter{
		baseURL: baseURL,
		clients: make(map[string]*openai.Client),
	}
}

func (o *OpenAICompleter) client(secret string) *openai.Client {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.clients[secret]; ok {
		return c
	}
	cfg := openai.DefaultConfig(secret)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	c := openai.NewClientWithConfig(cfg)
	o.clients[secret] = c
	return c
}

func (o *OpenAICompleter) StreamCompletion(ctx context.Context, req Request) (Stream, error) {
	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Text,
	})

	stream, err := o.client(req.Secret).CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create completion stream: %w", err)
	}
	return &openaiStream{stream: stream}, nil
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
}

// Recv returns the next non-empty delta. Empty deltas (role announcements,
// finish markers) are skipped so callers only see text.
func (s *openaiStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}

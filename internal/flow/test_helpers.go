package flow

import (
	"context"
	"io"
	"sync"

	"github.com/openai/openai-go"
)

// MockGenAIClient implements genai.ClientInterface for tests. Each call
// records its inputs so tests can assert on prompts and message arrays.
type MockGenAIClient struct {
	mu sync.Mutex

	ExtractResult map[string]interface{}
	ExtractErr    error
	ChatResult    string
	ChatErr       error
	TranscribeOut string
	TranscribeErr error

	ExtractCalls    []string // user prompts passed to ExtractJSON
	ChatCalls       [][]openai.ChatCompletionMessageParamUnion
	TranscribeCalls []string // filenames passed to Transcribe
}

func (m *MockGenAIClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChatCalls = append(m.ChatCalls, messages)
	if m.ChatErr != nil {
		return "", m.ChatErr
	}
	return m.ChatResult, nil
}

func (m *MockGenAIClient) ExtractJSON(ctx context.Context, systemPrompt, userPrompt string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExtractCalls = append(m.ExtractCalls, userPrompt)
	if m.ExtractErr != nil {
		return nil, m.ExtractErr
	}
	return m.ExtractResult, nil
}

func (m *MockGenAIClient) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranscribeCalls = append(m.TranscribeCalls, filename)
	if m.TranscribeErr != nil {
		return "", m.TranscribeErr
	}
	return m.TranscribeOut, nil
}

// MockMessagingService records outbound messages for assertions.
type MockMessagingService struct {
	mu      sync.Mutex
	SendErr error
	Sent    []SentMessage
}

// SentMessage is one recorded outbound message.
type SentMessage struct {
	To   string
	Body string
}

func (m *MockMessagingService) SendMessage(ctx context.Context, to, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: message})
	return nil
}

// LastSent returns the most recent recorded message, or a zero value.
func (m *MockMessagingService) LastSent() SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return SentMessage{}
	}
	return m.Sent[len(m.Sent)-1]
}

// messageText flattens the text content of a chat message param for
// assertions in tests.
func messageText(msg openai.ChatCompletionMessageParamUnion) string {
	switch {
	case msg.OfSystem != nil:
		return msg.OfSystem.Content.OfString.Value
	case msg.OfUser != nil:
		return msg.OfUser.Content.OfString.Value
	case msg.OfAssistant != nil:
		return msg.OfAssistant.Content.OfString.Value
	default:
		return ""
	}
}

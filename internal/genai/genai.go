// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// It wraps chat completions for free-form answering, JSON-mode completions
// for schema-constrained field extraction, and Whisper transcription for
// voice messages.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Error variables for better error handling and testability
var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrAPIKeyNotSet      = errors.New("OPENAI_API_KEY not set")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// audioService defines the minimal interface for audio transcription.
type audioService interface {
	New(ctx context.Context, body openai.AudioTranscriptionNewParams, opts ...option.RequestOption) (*openai.Transcription, error)
}

// ClientInterface defines the GenAI operations consumed by the flow package.
type ClientInterface interface {
	// GenerateWithMessages runs one chat completion over a prepared message array.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)

	// ExtractJSON runs one JSON-mode completion and decodes the structured object.
	ExtractJSON(ctx context.Context, systemPrompt, userPrompt string) (map[string]interface{}, error)

	// Transcribe converts a voice clip to text.
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option configures client creation.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for completions and extraction.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat and audio services.
type Client struct {
	chat  chatService
	audio audioService
	model openai.ChatModel
}

// NewClient initializes a new GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("genai.NewClient: API key not provided")
		return nil, ErrAPIKeyNotSet
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4o
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model)
	return &Client{chat: &cli.Chat.Completions, audio: &cli.Audio.Transcriptions, model: cfg.Model}, nil
}

// GenerateWithMessages generates a response from a full message array.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("genai.GenerateWithMessages: completion failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.GenerateWithMessages: empty choices")
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// ExtractJSON sends a JSON-mode completion request and decodes the result as a
// generic object. The model is treated as an untrusted structured-output
// oracle: any malformed payload surfaces as an error for the caller to treat
// as a soft extraction failure.
func (c *Client) ExtractJSON(ctx context.Context, systemPrompt, userPrompt string) (map[string]interface{}, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		slog.Error("genai.ExtractJSON: completion failed", "error", err)
		return nil, fmt.Errorf("extraction completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.ExtractJSON: empty choices")
		return nil, ErrNoChoicesReturned
	}

	content := resp.Choices[0].Message.Content
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		slog.Error("genai.ExtractJSON: response is not a JSON object", "error", err, "content_length", len(content))
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}
	slog.Debug("genai.ExtractJSON: extraction parsed", "keys", len(out))
	return out, nil
}

// Transcribe converts a voice clip to text using Whisper.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	resp, err := c.audio.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  openai.File(audio, filename, "application/octet-stream"),
	})
	if err != nil {
		slog.Error("genai.Transcribe: transcription failed", "error", err, "filename", filename)
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	slog.Debug("genai.Transcribe: transcription succeeded", "filename", filename, "text_length", len(resp.Text))
	return resp.Text, nil
}

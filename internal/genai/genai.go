// Package genai wraps the OpenAI API for patient utterance generation,
// sensitive-question rewriting, and audio transcription.
package genai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/SBPLab-LDV/llm-quest-copilot-sub001/internal/models"
)

// chatService defines the minimal interface for chat completions, so tests
// can substitute a mock for the real OpenAI service.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// transcriptionService defines the minimal interface for audio transcription.
type transcriptionService interface {
	New(ctx context.Context, body openai.AudioTranscriptionNewParams, opts ...option.RequestOption) (*openai.Transcription, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL overrides the API endpoint, e.g. for a local gateway.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides the chat model used for generation and rewriting.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat and audio services.
type Client struct {
	chat  chatService
	audio transcriptionService
	model string
}

// NewClient initializes a new GenAI client. The API key is taken from the
// options or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client initialized", "model", cfg.Model, "baseURL_set", cfg.BaseURL != "")
	return &Client{
		chat:  &cli.Chat.Completions,
		audio: &cli.Audio.Transcriptions,
		model: cfg.Model,
	}, nil
}

// complete performs one chat completion and returns the first choice.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(0.7),
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", models.ErrNoChoicesReturned
	}

	choice := resp.Choices[0]
	if isRefusal(choice) {
		slog.Warn("genai.complete: policy refusal detected", "finishReason", choice.FinishReason, "refusal", choice.Message.Refusal)
		return "", fmt.Errorf("%w: %s", models.ErrPolicyRefusal, refusalReason(choice))
	}

	return choice.Message.Content, nil
}

// refusalPhrases are content-level markers of a policy refusal when the API
// does not report one structurally.
var refusalPhrases = []string{
	"我無法回答",
	"我不能提供",
	"無法協助此請求",
	"I can't help with",
	"I cannot assist with",
	"I'm unable to help with",
}

// isRefusal distinguishes refusal-due-to-policy from an ordinary completion.
// Transport failures never reach here; they surface as errors from the SDK.
func isRefusal(choice openai.ChatCompletionChoice) bool {
	if choice.FinishReason == "content_filter" {
		return true
	}
	if choice.Message.Refusal != "" {
		return true
	}
	content := choice.Message.Content
	for _, phrase := range refusalPhrases {
		if strings.Contains(content, phrase) {
			return true
		}
	}
	return false
}

func refusalReason(choice openai.ChatCompletionChoice) string {
	if choice.Message.Refusal != "" {
		return choice.Message.Refusal
	}
	if choice.FinishReason == "content_filter" {
		return "content filter"
	}
	return "refusal phrasing in completion"
}

// Transcribe converts caregiver audio into text using Whisper.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	slog.Debug("genai.Transcribe: transcribing audio")
	resp, err := c.audio.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  audio,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	slog.Debug("genai.Transcribe: transcription complete", "length", len(text))
	return text, nil
}

// Package genai provides the language-model client for the AI Call backend.
//
// It wraps the OpenAI Go SDK configured against an OpenAI-compatible endpoint
// (OpenRouter in the default deployment) and exposes plain-text and JSON-mode
// chat completions plus audio transcription. All upstream failures are mapped
// to a small error taxonomy so callers can translate them to HTTP statuses.
package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/aicall/server/internal/models"
)

// Default model identifiers. OpenRouter routes provider-prefixed names.
const (
	DefaultChatModel       = "openai/gpt-4o"
	DefaultClassifierModel = "openai/gpt-4o-mini"
	DefaultBaseURL         = "https://openrouter.ai/api/v1"
)

// ClientInterface defines the operations flows and services need from the
// language model. Tests inject scripted implementations.
type ClientInterface interface {
	// GenerateWithMessages runs one chat completion over the full message array.
	// An empty model selects the client default.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (string, error)
	// GenerateJSON runs one completion in JSON object mode and returns the raw JSON text.
	GenerateJSON(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (string, error)
	// DefaultModel reports the model used when callers pass an empty model name.
	DefaultModel() string
	// ClassifierModel reports the cheaper model used for classification calls.
	ClassifierModel() string
	// SummaryModel reports the model used for summary refinement.
	SummaryModel() string
}

// UpstreamError preserves an upstream HTTP failure opaquely so the API layer
// can pass its status and body through without reinterpreting them.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	ClassifierModel string
	SummaryModel    string
	SiteURL         string
	AppName         string
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the API key for the upstream endpoint.
func WithAPIKey(key string) Option { return func(o *Opts) { o.APIKey = key } }

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option { return func(o *Opts) { o.BaseURL = url } }

// WithChatModel sets the default conversation model.
func WithChatModel(model string) Option { return func(o *Opts) { o.ChatModel = model } }

// WithClassifierModel sets the model used for yes/no and carryover classification.
func WithClassifierModel(model string) Option { return func(o *Opts) { o.ClassifierModel = model } }

// WithSummaryModel sets the model used for summary refinement.
func WithSummaryModel(model string) Option { return func(o *Opts) { o.SummaryModel = model } }

// WithAttribution sets the OpenRouter HTTP-Referer/X-Title attribution headers.
func WithAttribution(siteURL, appName string) Option {
	return func(o *Opts) {
		o.SiteURL = siteURL
		o.AppName = appName
	}
}

// Client is the production ClientInterface implementation.
type Client struct {
	client          openai.Client
	chatModel       string
	classifierModel string
	summaryModel    string
}

// NewClient builds a client from the given options. The API key is required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		slog.Error("Client.NewClient: API key not set")
		return nil, fmt.Errorf("genai API key not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.ClassifierModel == "" {
		cfg.ClassifierModel = DefaultClassifierModel
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.ChatModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	}
	if cfg.SiteURL != "" {
		reqOpts = append(reqOpts, option.WithHeader("HTTP-Referer", cfg.SiteURL))
	}
	if cfg.AppName != "" {
		reqOpts = append(reqOpts, option.WithHeader("X-Title", cfg.AppName))
	}

	slog.Debug("Client.NewClient: configured", "base_url", cfg.BaseURL,
		"chat_model", cfg.ChatModel, "classifier_model", cfg.ClassifierModel, "summary_model", cfg.SummaryModel)
	return &Client{
		client:          openai.NewClient(reqOpts...),
		chatModel:       cfg.ChatModel,
		classifierModel: cfg.ClassifierModel,
		summaryModel:    cfg.SummaryModel,
	}, nil
}

// DefaultModel reports the default conversation model.
func (c *Client) DefaultModel() string { return c.chatModel }

// ClassifierModel reports the classification model.
func (c *Client) ClassifierModel() string { return c.classifierModel }

// SummaryModel reports the summary refinement model.
func (c *Client) SummaryModel() string { return c.summaryModel }

// GenerateWithMessages runs one plain-text chat completion.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (string, error) {
	if model == "" {
		model = c.chatModel
	}
	slog.Debug("Client.GenerateWithMessages: calling upstream", "model", model, "message_count", len(messages))
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    shared.ChatModel(model),
	})
	if err != nil {
		return "", classifyUpstreamError("GenerateWithMessages", err)
	}
	return extractContent("GenerateWithMessages", resp)
}

// GenerateJSON runs one chat completion in JSON object mode.
func (c *Client) GenerateJSON(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (string, error) {
	if model == "" {
		model = c.classifierModel
	}
	slog.Debug("Client.GenerateJSON: calling upstream", "model", model, "message_count", len(messages))
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    shared.ChatModel(model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return "", classifyUpstreamError("GenerateJSON", err)
	}
	return extractContent("GenerateJSON", resp)
}

// TranscribeAudio converts spoken audio into text using the transcription API.
func (c *Client) TranscribeAudio(ctx context.Context, audio io.Reader, filename string) (string, error) {
	slog.Debug("Client.TranscribeAudio: calling upstream", "filename", filename)
	resp, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(audio, filename, "application/octet-stream"),
		Model: openai.AudioModelWhisper1,
	})
	if err != nil {
		return "", classifyUpstreamError("TranscribeAudio", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		slog.Warn("Client.TranscribeAudio: upstream returned empty transcript", "filename", filename)
	}
	return text, nil
}

// classifyUpstreamError maps SDK errors into the package error taxonomy:
// HTTP-status failures keep their status and body, everything else is treated
// as the upstream being unreachable.
func classifyUpstreamError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		slog.Warn("Client."+op+": upstream error status", "status", apiErr.StatusCode)
		return &UpstreamError{StatusCode: apiErr.StatusCode, Body: apiErr.RawJSON()}
	}
	slog.Error("Client."+op+": upstream unreachable", "error", err)
	return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
}

// extractContent pulls the first choice's text out of a completion response.
func extractContent(op string, resp *openai.ChatCompletion) (string, error) {
	if resp == nil || len(resp.Choices) == 0 {
		slog.Error("Client." + op + ": upstream response carried no choices")
		return "", fmt.Errorf("%w: no choices returned", models.ErrMalformedUpstream)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		slog.Error("Client." + op + ": upstream choice carried no content")
		return "", fmt.Errorf("%w: empty completion content", models.ErrMalformedUpstream)
	}
	slog.Debug("Client."+op+": completion received", "content_length", len(content))
	return content, nil
}

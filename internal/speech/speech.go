// Package speech provides the voice endpoints' backends: transcription of
// uploaded audio and text-to-speech through a VOICEVOX engine.
//
// VOICEVOX synthesis is a two-step protocol: POST /audio_query builds the
// synthesis parameters for a text, and POST /synthesis renders them to audio.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aicall/server/internal/models"
)

// DefaultBaseURL is the VOICEVOX engine's default local address.
const DefaultBaseURL = "http://127.0.0.1:50021"

// DefaultSpeaker is the VOICEVOX style id used when none is requested.
const DefaultSpeaker = 1

// Transcriber converts spoken audio into text.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// EngineError preserves a VOICEVOX HTTP failure so the API layer can report
// a bad-gateway status with the engine's own detail.
type EngineError struct {
	StatusCode int
	Body       string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("voicevox returned status %d", e.StatusCode)
}

// Opts holds configuration for the synthesizer.
type Opts struct {
	BaseURL    string
	Speaker    int
	HTTPClient *http.Client
}

// Option configures the synthesizer.
type Option func(*Opts)

// WithBaseURL points the synthesizer at a VOICEVOX engine.
func WithBaseURL(baseURL string) Option {
	return func(o *Opts) { o.BaseURL = baseURL }
}

// WithSpeaker sets the default VOICEVOX style id.
func WithSpeaker(speaker int) Option {
	return func(o *Opts) { o.Speaker = speaker }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = client }
}

// Synthesizer renders Japanese text to WAV audio via a VOICEVOX engine.
type Synthesizer struct {
	baseURL string
	speaker int
	client  *http.Client
}

// NewSynthesizer builds a synthesizer from the given options.
func NewSynthesizer(opts ...Option) *Synthesizer {
	cfg := Opts{
		BaseURL: DefaultBaseURL,
		Speaker: DefaultSpeaker,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Speaker == 0 {
		cfg.Speaker = DefaultSpeaker
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	slog.Debug("Synthesizer.NewSynthesizer: configured", "base_url", cfg.BaseURL, "speaker", cfg.Speaker)
	return &Synthesizer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		speaker: cfg.Speaker,
		client:  cfg.HTTPClient,
	}
}

// Synthesize converts text to audio. A zero speaker uses the default style.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, speaker int) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", models.ErrEmptyMessage)
	}
	if speaker == 0 {
		speaker = s.speaker
	}

	queryParams := url.Values{
		"text":    {text},
		"speaker": {strconv.Itoa(speaker)},
	}
	audioQuery, err := s.post(ctx, "/audio_query", queryParams, nil, "")
	if err != nil {
		return nil, err
	}

	synthParams := url.Values{
		"speaker": {strconv.Itoa(speaker)},
	}
	audio, err := s.post(ctx, "/synthesis", synthParams, bytes.NewReader(audioQuery), "application/json")
	if err != nil {
		return nil, err
	}
	slog.Info("Synthesizer.Synthesize: audio rendered", "text_length", len(text), "speaker", speaker, "audio_bytes", len(audio))
	return audio, nil
}

// post issues one engine request and maps failures into the error taxonomy:
// engine error statuses keep their detail, transport failures mean the engine
// is unreachable.
func (s *Synthesizer) post(ctx context.Context, path string, params url.Values, body io.Reader, contentType string) ([]byte, error) {
	reqURL := s.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build voicevox request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("Synthesizer.post: engine unreachable", "error", err, "path", path)
		return nil, fmt.Errorf("%w: voicevox engine unreachable: %v", models.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read voicevox response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("Synthesizer.post: engine error status", "status", resp.StatusCode, "path", path)
		return nil, &EngineError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

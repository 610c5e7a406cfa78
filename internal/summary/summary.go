// Package summary renders a Markdown digest of a finished (or in-flight)
// session. A deterministic template is built from the persisted dialogue
// state, then one language-model call rewrites it into warmer prose while
// keeping the Markdown structure intact.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go"

	"github.com/aicall/server/internal/flow"
	"github.com/aicall/server/internal/genai"
	"github.com/aicall/server/internal/models"
	"github.com/aicall/server/internal/store"
)

const refineSystemPrompt = "You are an empathetic diary assistant crafting concise Japanese summaries. " +
	"Generate Markdown that keeps the heading '# セッション <ID> のまとめ' and " +
	"includes one '## トピック n' section per topic with bullet points for 出来事, 気持ち, " +
	"and optional メモ list. Feel free to rephrase details naturally."

// Opts holds configuration for the renderer.
type Opts struct {
	OutputDir string
}

// Option configures the renderer.
type Option func(*Opts)

// WithOutputDir sets where generated summaries are written. When unset the
// summary is returned without touching the filesystem.
func WithOutputDir(dir string) Option {
	return func(o *Opts) { o.OutputDir = dir }
}

// Renderer builds session summaries.
type Renderer struct {
	store     store.Store
	client    genai.ClientInterface
	outputDir string
}

// NewRenderer wires a summary renderer. A nil client skips the refinement
// call and serves the template summary directly.
func NewRenderer(st store.Store, client genai.ClientInterface, opts ...Option) *Renderer {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Renderer{store: st, client: client, outputDir: cfg.OutputDir}
}

// Generate produces the Markdown summary for a session, refines it through
// the summary model, and writes it to the output directory when configured.
func (r *Renderer) Generate(ctx context.Context, sessionID string) (*models.SummaryResult, error) {
	record, err := r.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}

	state, err := flow.UnmarshalState(record.StateJSON)
	if err != nil {
		return nil, err
	}

	markdown := RenderTemplate(record, state)
	if r.client != nil {
		refined, err := r.refine(ctx, record, markdown)
		if err != nil {
			return nil, err
		}
		markdown = refined
	}

	result := &models.SummaryResult{SessionID: sessionID, Markdown: markdown}
	if r.outputDir != "" {
		path, err := r.write(sessionID, markdown)
		if err != nil {
			return nil, err
		}
		result.FilePath = path
	}
	slog.Info("Renderer.Generate: summary produced", "session_id", sessionID, "length", len(markdown), "path", result.FilePath)
	return result, nil
}

// refine runs the single rewrite call over the transcript and the template.
func (r *Renderer) refine(ctx context.Context, record *models.Session, template string) (string, error) {
	var transcript []string
	for _, msg := range record.History {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		transcript = append(transcript, strings.ToUpper(string(msg.Role))+": "+content)
	}

	userPrompt := "Session ID: " + record.ID + "\n\n" +
		"Conversation transcript:\n" + strings.Join(transcript, "\n") + "\n\n" +
		"Existing template summary:\n" + template + "\n\n" +
		"Please refine the summary to sound natural and warm while keeping the Markdown structure."

	refined, err := r.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(refineSystemPrompt),
		openai.UserMessage(userPrompt),
	}, r.client.SummaryModel())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(refined), nil
}

// write persists the summary as <output-dir>/<session-id>.md.
func (r *Renderer) write(sessionID, markdown string) (string, error) {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		slog.Error("Renderer.write: directory creation failed", "error", err, "dir", r.outputDir)
		return "", fmt.Errorf("failed to create summary directory: %w", err)
	}
	path := filepath.Join(r.outputDir, sessionID+".md")
	if err := os.WriteFile(path, []byte(markdown+"\n"), 0644); err != nil {
		slog.Error("Renderer.write: write failed", "error", err, "path", path)
		return "", fmt.Errorf("failed to write summary file %s: %w", path, err)
	}
	return path, nil
}

// RenderTemplate builds the deterministic summary from dialogue state alone.
// Sessions that carried a task list get the task digest; everything else is
// summarized as a diary.
func RenderTemplate(record *models.Session, state *flow.State) string {
	if len(state.Tasks) > 0 || record.FlowType == models.FlowTypeTaskCheck {
		return renderTaskTemplate(record.ID, state)
	}
	return renderDiaryTemplate(record.ID, state)
}

func renderDiaryTemplate(sessionID string, state *flow.State) string {
	var topics []flow.TopicRecord
	for _, topic := range state.Topics {
		if topic.Event == "" && topic.Emotion == "" && len(topic.Details) == 0 {
			continue
		}
		topics = append(topics, topic)
	}

	lines := []string{"# セッション " + sessionID + " のまとめ"}
	if len(topics) == 0 {
		lines = append(lines, "", "記録された出来事が見つかりませんでした。")
		return strings.Join(lines, "\n")
	}

	lines = append(lines, "")
	for i, topic := range topics {
		lines = append(lines, fmt.Sprintf("## トピック %d", i+1))
		lines = append(lines, "- 出来事: "+orUnfilled(topic.Event))
		lines = append(lines, "- 気持ち: "+orUnfilled(topic.Emotion))
		if len(topic.Details) > 0 {
			lines = append(lines, "- メモ:")
			for _, detail := range topic.Details {
				lines = append(lines, "  - "+detail)
			}
		}
		lines = append(lines, "")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func renderTaskTemplate(sessionID string, state *flow.State) string {
	lines := []string{"# セッション " + sessionID + " のまとめ", ""}

	lines = append(lines, "## 今日できたこと")
	if len(state.CompletedTasks) == 0 {
		lines = append(lines, "- なし")
	} else {
		for _, task := range state.CompletedTasks {
			lines = append(lines, "- "+task)
		}
	}

	lines = append(lines, "", "## 明日へ回すこと")
	if len(state.CarryoverSelected) == 0 {
		lines = append(lines, "- なし")
	} else {
		for _, task := range state.CarryoverSelected {
			if reason := state.ReasonMap[task]; reason != "" {
				lines = append(lines, "- "+task+"（理由: "+reason+"）")
			} else {
				lines = append(lines, "- "+task)
			}
		}
	}
	return strings.Join(lines, "\n")
}

func orUnfilled(s string) string {
	if strings.TrimSpace(s) == "" {
		return "未記入"
	}
	return s
}

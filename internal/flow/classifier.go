package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/aicall/server/internal/genai"
)

// Decision is the tri-state outcome of yes/no classification. Unknown is a
// defined third outcome, not an error: every transition that classifies must
// handle it explicitly.
type Decision int

const (
	// DecisionUnknown means neither local rules nor the model could decide.
	DecisionUnknown Decision = iota
	// DecisionYes means the reply agrees.
	DecisionYes
	// DecisionNo means the reply declines.
	DecisionNo
)

func (d Decision) String() string {
	switch d {
	case DecisionYes:
		return "yes"
	case DecisionNo:
		return "no"
	default:
		return "unknown"
	}
}

// Exact-match word sets checked against the trimmed, lowercased reply.
var (
	positiveChoices = map[string]struct{}{
		"はい": {}, "はい！": {}, "うん": {}, "yes": {}, "まだある": {},
		"ある": {}, "ok": {}, "そうする": {}, "そうだよ": {},
	}
	negativeChoices = map[string]struct{}{
		"いいえ": {}, "いえ": {}, "ない": {}, "no": {}, "もうない": {}, "終わり": {},
	}
)

// Substring token lists checked against the raw reply when no exact match fires.
var (
	positiveTokens = []string{"はい", "うん", "ある", "そうする", "そうだよ", "お願い"}
	negativeTokens = []string{"いいえ", "いえ", "ない", "もういい"}
)

// Keyword lists for the carryover shortcuts.
var (
	carryoverNoneKeywords = []string{"なし", "いら", "要ら", "不要", "no"}
	carryoverAllKeywords  = []string{"全部", "全て", "全部とも", "全部残す"}
)

// classifyYesNoLocal is the deterministic rule stage: exact word match first,
// then substring containment. The second return reports whether a rule fired.
func classifyYesNoLocal(reply string) (Decision, bool) {
	normalized := strings.ToLower(strings.TrimSpace(reply))
	if _, ok := positiveChoices[normalized]; ok {
		return DecisionYes, true
	}
	if _, ok := negativeChoices[normalized]; ok {
		return DecisionNo, true
	}
	for _, token := range positiveTokens {
		if strings.Contains(reply, token) {
			return DecisionYes, true
		}
	}
	for _, token := range negativeTokens {
		if strings.Contains(reply, token) {
			return DecisionNo, true
		}
	}
	return DecisionUnknown, false
}

// YesNoClassifier resolves free-text replies into a tri-state decision using
// local keyword rules first and one remote JSON-mode completion as fallback.
type YesNoClassifier struct {
	client genai.ClientInterface
}

// NewYesNoClassifier builds a classifier. A nil client disables the remote
// stage; local misses then resolve to Unknown.
func NewYesNoClassifier(client genai.ClientInterface) *YesNoClassifier {
	return &YesNoClassifier{client: client}
}

const yesNoSystemPrompt = "You are a Japanese assistant that classifies user replies. " +
	`Return a JSON object like {"result": "yes"}, {"result": "no"}, ` +
	`or {"result": "unknown"} depending on whether the reply agrees to continue talking.`

// Classify resolves a reply. All remote failures fold into Unknown; a
// classification miss is never fatal to the conversation.
func (c *YesNoClassifier) Classify(ctx context.Context, reply string) Decision {
	if decision, ok := classifyYesNoLocal(reply); ok {
		slog.Info("YesNoClassifier.Classify: local rule matched", "decision", decision.String(), "reply", reply)
		return decision
	}
	if c.client == nil {
		slog.Debug("YesNoClassifier.Classify: no remote client configured, returning unknown", "reply", reply)
		return DecisionUnknown
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(yesNoSystemPrompt),
		openai.UserMessage(fmt.Sprintf("ユーザーの返答: %s", reply)),
	}
	content, err := c.client.GenerateJSON(ctx, messages, c.client.ClassifierModel())
	if err != nil {
		slog.Warn("YesNoClassifier.Classify: remote classification failed", "error", err)
		return DecisionUnknown
	}

	var parsed struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		slog.Warn("YesNoClassifier.Classify: unparseable classifier output", "error", err, "content", content)
		return DecisionUnknown
	}

	slog.Info("YesNoClassifier.Classify: remote result", "result", parsed.Result, "reply", reply)
	switch parsed.Result {
	case "yes":
		return DecisionYes
	case "no":
		return DecisionNo
	default:
		return DecisionUnknown
	}
}

// CarryoverClassifier extracts which candidate tasks a free-text reply wants
// to keep for tomorrow.
type CarryoverClassifier struct {
	client genai.ClientInterface
}

// NewCarryoverClassifier builds a classifier. A nil client disables the
// remote extraction stage.
func NewCarryoverClassifier(client genai.ClientInterface) *CarryoverClassifier {
	return &CarryoverClassifier{client: client}
}

const carryoverSystemPrompt = "You are a Japanese assistant that extracts which tasks should be carried over. " +
	`Return JSON {"tasks": [taskName...]}. The tasks must come from the provided list.`

// Classify resolves a reply against the candidate set. The second return is
// false when the selection could not be determined; callers must treat that
// as "no change" rather than failing the conversation.
//
// Shortcuts: a reply containing a none-keyword selects nothing, one containing
// an all-keyword selects every candidate. Otherwise the remote extraction runs
// and its output is filtered to the candidate set, so the model cannot invent
// task names.
func (c *CarryoverClassifier) Classify(ctx context.Context, candidates []string, reply string) ([]string, bool) {
	text := strings.TrimSpace(reply)
	if text == "" {
		return []string{}, true
	}
	lowered := strings.ToLower(text)
	for _, keyword := range carryoverNoneKeywords {
		if strings.Contains(lowered, keyword) {
			slog.Info("CarryoverClassifier.Classify: none keyword matched", "reply", reply)
			return []string{}, true
		}
	}
	for _, keyword := range carryoverAllKeywords {
		if strings.Contains(text, keyword) {
			slog.Info("CarryoverClassifier.Classify: all keyword matched", "reply", reply)
			selection := make([]string, len(candidates))
			copy(selection, candidates)
			return selection, true
		}
	}

	if c.client == nil {
		slog.Debug("CarryoverClassifier.Classify: no remote client configured", "reply", reply)
		return nil, false
	}

	var taskLines strings.Builder
	for _, task := range candidates {
		fmt.Fprintf(&taskLines, "- %s\n", task)
	}
	userPrompt := fmt.Sprintf("タスク一覧:\n%s\nユーザーの返答:\n%s", taskLines.String(), text)
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(carryoverSystemPrompt),
		openai.UserMessage(userPrompt),
	}
	content, err := c.client.GenerateJSON(ctx, messages, c.client.ClassifierModel())
	if err != nil {
		slog.Warn("CarryoverClassifier.Classify: remote extraction failed", "error", err)
		return nil, false
	}

	var parsed struct {
		Tasks []string `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		slog.Warn("CarryoverClassifier.Classify: unparseable extraction output", "error", err, "content", content)
		return nil, false
	}

	selection := []string{}
	for _, task := range parsed.Tasks {
		if contains(candidates, task) {
			selection = append(selection, task)
		}
	}
	slog.Info("CarryoverClassifier.Classify: remote selection", "selected", len(selection), "candidates", len(candidates))
	return selection, true
}

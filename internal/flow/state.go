package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Step names a stage within a flow. Each flow defines its own closed set of
// steps; END is shared by every flow as the sole terminal step.
type Step string

// Steps used across the flow definitions.
const (
	StepIntro Step = "INTRO"
	StepEnd   Step = "END"

	// Diary flow steps.
	StepTopic   Step = "TOPIC"
	StepEmotion Step = "EMOTION"
	StepProbe   Step = "PROBE"
	StepSummary Step = "SUMMARY"

	// Task-check flow steps.
	StepTaskLoop  Step = "TASK_LOOP"
	StepCarryover Step = "CARRYOVER"

	// Morning flow steps.
	StepRemainingTasks   Step = "REMAINING_TASKS"
	StepAskTodayTasks    Step = "ASK_TODAY_TASKS"
	StepConfirmTodayTasks Step = "CONFIRM_TODAY_TASKS"
)

// TopicRecord holds one diary topic: the event, how it felt, and probe notes.
type TopicRecord struct {
	Event   string   `json:"event,omitempty"`
	Emotion string   `json:"emotion,omitempty"`
	Details []string `json:"details,omitempty"`
}

// State is the mutable record of one conversation's progress. One flat shape
// serves all flow variants; unused fields stay at their zero value and are
// omitted from the serialized form. Every field is a primitive, string list,
// or string map so the JSON round-trip reconstructs behavior exactly.
type State struct {
	Step           Step          `json:"step"`
	LoopLimit      int           `json:"loop_limit"`
	LoopsCompleted int           `json:"loops_completed"`
	Topics         []TopicRecord `json:"topics,omitempty"`

	// Task-check bookkeeping.
	Tasks             []string          `json:"tasks,omitempty"`
	CurrentIndex      int               `json:"current_index,omitempty"`
	CompletedTasks    []string          `json:"completed_tasks,omitempty"`
	DeferredTasks     []string          `json:"deferred_tasks,omitempty"`
	AwaitingReason    bool              `json:"awaiting_reason,omitempty"`
	LastReason        string            `json:"last_reason,omitempty"`
	ReasonMap         map[string]string `json:"reason_map,omitempty"`
	TasksIntroduced   bool              `json:"tasks_introduced,omitempty"`
	CarryoverSelected []string          `json:"carryover_selected,omitempty"`

	// Morning bookkeeping.
	RemainingTasks []string `json:"remaining_tasks,omitempty"`
	TodayTasks     []string `json:"today_tasks,omitempty"`
}

// CurrentTopic returns the topic being collected, appending a fresh record if
// none exists yet.
func (s *State) CurrentTopic() *TopicRecord {
	if len(s.Topics) == 0 {
		s.Topics = append(s.Topics, TopicRecord{})
	}
	return &s.Topics[len(s.Topics)-1]
}

// CurrentTask returns the task at the cursor, or false when the cursor has
// walked past the end of the list.
func (s *State) CurrentTask() (string, bool) {
	if s.CurrentIndex >= 0 && s.CurrentIndex < len(s.Tasks) {
		return s.Tasks[s.CurrentIndex], true
	}
	return "", false
}

// TasksRemaining reports how many tasks the cursor has not yet passed.
func (s *State) TasksRemaining() int {
	if s.CurrentIndex >= len(s.Tasks) {
		return 0
	}
	return len(s.Tasks) - s.CurrentIndex
}

// MarshalState serializes a state for persistence.
func MarshalState(s *State) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		slog.Error("MarshalState: serialization failed", "error", err, "step", s.Step)
		return "", fmt.Errorf("failed to serialize dialogue state: %w", err)
	}
	return string(data), nil
}

// UnmarshalState reconstructs a state from its persisted form. An empty
// document yields a zero state so callers can seed defaults afterwards.
func UnmarshalState(raw string) (*State, error) {
	s := &State{}
	if raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), s); err != nil {
		slog.Error("UnmarshalState: deserialization failed", "error", err)
		return nil, fmt.Errorf("failed to parse dialogue state: %w", err)
	}
	return s, nil
}

// contains reports membership in a string list.
func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

package flow

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func newTaskCheckFlow() *Definition {
	return NewTaskCheckDefinition(NewYesNoClassifier(nil), NewCarryoverClassifier(nil))
}

func TestTaskCheckCompletedTaskAdvancesCursor(t *testing.T) {
	// "できた" has no local keyword match; the remote stage classifies it.
	stub := &scriptedClient{responses: []string{`{"result": "yes"}`}}
	d := NewTaskCheckDefinition(NewYesNoClassifier(stub), NewCarryoverClassifier(nil))
	s := NewTaskCheckState([]string{"運動", "勉強"})
	s.Step = StepTaskLoop

	if err := d.Advance(context.Background(), s, "できた"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if !reflect.DeepEqual(s.CompletedTasks, []string{"運動"}) {
		t.Errorf("completed_tasks = %v", s.CompletedTasks)
	}
	if s.CurrentIndex != 1 {
		t.Errorf("current_index = %d, want 1", s.CurrentIndex)
	}
	if s.Step != StepTaskLoop {
		t.Errorf("step = %s, want TASK_LOOP", s.Step)
	}
}

func TestTaskCheckDeferredTaskCollectsReason(t *testing.T) {
	d := newTaskCheckFlow()
	s := NewTaskCheckState([]string{"運動", "勉強"})
	s.Step = StepTaskLoop
	ctx := context.Background()

	if err := d.Advance(ctx, s, "できてない"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if !reflect.DeepEqual(s.DeferredTasks, []string{"運動"}) {
		t.Errorf("deferred_tasks = %v", s.DeferredTasks)
	}
	if !s.AwaitingReason {
		t.Error("awaiting_reason not set")
	}
	if s.CurrentIndex != 0 {
		t.Errorf("current_index = %d, want 0 (cursor holds during reason round)", s.CurrentIndex)
	}

	// The next turn is the reason; it is recorded verbatim, no classification.
	if err := d.Advance(ctx, s, "時間がなかった"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got := s.ReasonMap["運動"]; got != "時間がなかった" {
		t.Errorf("reason_map[運動] = %q", got)
	}
	if s.CurrentIndex != 1 {
		t.Errorf("current_index = %d, want 1", s.CurrentIndex)
	}
	if s.AwaitingReason {
		t.Error("awaiting_reason still set after reason recorded")
	}
}

func TestTaskCheckEmptyReasonIsAccepted(t *testing.T) {
	d := newTaskCheckFlow()
	s := NewTaskCheckState([]string{"運動"})
	s.Step = StepTaskLoop
	ctx := context.Background()

	if err := d.Advance(ctx, s, "できてない"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := d.Advance(ctx, s, "   "); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got := s.ReasonMap["運動"]; got != "" {
		t.Errorf("reason_map[運動] = %q, want empty placeholder", got)
	}
	if s.CurrentIndex != 1 {
		t.Errorf("current_index = %d, want 1", s.CurrentIndex)
	}
	if s.Step != StepCarryover {
		t.Errorf("step = %s, want CARRYOVER with one deferred task", s.Step)
	}
}

func TestTaskCheckAllDoneSkipsCarryover(t *testing.T) {
	stub := &scriptedClient{responses: []string{`{"result": "yes"}`}}
	d := NewTaskCheckDefinition(NewYesNoClassifier(stub), NewCarryoverClassifier(nil))
	s := NewTaskCheckState([]string{"運動", "勉強"})
	s.Step = StepTaskLoop
	ctx := context.Background()

	for _, reply := range []string{"できた", "うん"} {
		if err := d.Advance(ctx, s, reply); err != nil {
			t.Fatalf("Advance(%q) failed: %v", reply, err)
		}
	}
	if s.Step != StepSummary {
		t.Errorf("step = %s, want SUMMARY (CARRYOVER skipped)", s.Step)
	}
	if s.CarryoverSelected == nil || len(s.CarryoverSelected) != 0 {
		t.Errorf("carryover_selected = %v, want empty selection", s.CarryoverSelected)
	}
	if s.CurrentIndex != len(s.Tasks) {
		t.Errorf("current_index = %d, want %d", s.CurrentIndex, len(s.Tasks))
	}
}

func TestTaskCheckCarryoverNoneThenEnd(t *testing.T) {
	d := newTaskCheckFlow()
	s := NewTaskCheckState([]string{"運動"})
	s.Step = StepCarryover
	s.DeferredTasks = []string{"運動"}
	s.CurrentIndex = 1
	ctx := context.Background()

	if err := d.Advance(ctx, s, "なし"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if len(s.CarryoverSelected) != 0 {
		t.Errorf("carryover_selected = %v, want empty", s.CarryoverSelected)
	}
	if s.Step != StepSummary {
		t.Fatalf("step = %s, want SUMMARY", s.Step)
	}

	if err := d.Advance(ctx, s, "おやすみ"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if s.Step != StepEnd {
		t.Errorf("step = %s, want END", s.Step)
	}
}

func TestTaskCheckCarryoverSelectionIsSubsetOfDeferred(t *testing.T) {
	stub := &scriptedClient{responses: []string{`{"tasks": ["勉強", "架空のタスク"]}`}}
	d := NewTaskCheckDefinition(NewYesNoClassifier(nil), NewCarryoverClassifier(stub))
	s := NewTaskCheckState([]string{"運動", "勉強"})
	s.Step = StepCarryover
	s.DeferredTasks = []string{"運動", "勉強"}
	s.CurrentIndex = 2

	if err := d.Advance(context.Background(), s, "勉強は明日やるわ"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	for _, task := range s.CarryoverSelected {
		if !contains(s.DeferredTasks, task) {
			t.Errorf("carryover_selected contains %q which was never deferred", task)
		}
	}
	if !reflect.DeepEqual(s.CarryoverSelected, []string{"勉強"}) {
		t.Errorf("carryover_selected = %v", s.CarryoverSelected)
	}
}

func TestTaskCheckUnresolvedCarryoverKeepsNothing(t *testing.T) {
	d := newTaskCheckFlow() // nil client: remote extraction unavailable
	s := NewTaskCheckState([]string{"運動"})
	s.Step = StepCarryover
	s.DeferredTasks = []string{"運動"}
	s.CurrentIndex = 1

	if err := d.Advance(context.Background(), s, "どうしようかな"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if len(s.CarryoverSelected) != 0 {
		t.Errorf("carryover_selected = %v, want empty when unresolved", s.CarryoverSelected)
	}
	if s.Step != StepSummary {
		t.Errorf("step = %s, want SUMMARY", s.Step)
	}
}

func TestTaskCheckCursorBoundHolds(t *testing.T) {
	stub := &scriptedClient{responses: []string{`{"result": "yes"}`}}
	d := NewTaskCheckDefinition(NewYesNoClassifier(stub), NewCarryoverClassifier(nil))
	s := NewTaskCheckState([]string{"運動", "勉強", "買い物"})
	s.Step = StepTaskLoop
	ctx := context.Background()

	replies := []string{"できた", "できてない", "忙しかった", "うん", "全部", "了解", "終わり"}
	for _, reply := range replies {
		if err := d.Advance(ctx, s, reply); err != nil {
			t.Fatalf("Advance(%q) failed: %v", reply, err)
		}
		if s.CurrentIndex < 0 || s.CurrentIndex > len(s.Tasks) {
			t.Fatalf("cursor %d out of [0, %d] after %q", s.CurrentIndex, len(s.Tasks), reply)
		}
	}
	if s.Step != StepEnd {
		t.Errorf("step = %s, want END after full walk", s.Step)
	}
}

func TestTaskCheckEndIsIdempotent(t *testing.T) {
	d := newTaskCheckFlow()
	s := NewTaskCheckState([]string{"運動"})
	s.Step = StepEnd
	s.CompletedTasks = []string{"運動"}
	s.CurrentIndex = 1

	before, _ := MarshalState(s)
	for _, reply := range []string{"はい", "いいえ", "なんでもいい"} {
		if err := d.Advance(context.Background(), s, reply); err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
	}
	after, _ := MarshalState(s)
	if before != after {
		t.Errorf("END state mutated:\nbefore %s\nafter  %s", before, after)
	}
}

func TestTaskCheckRoundTripBehaviorEquivalence(t *testing.T) {
	ctx := context.Background()
	d := newTaskCheckFlow()

	original := NewTaskCheckState([]string{"運動", "勉強"})
	original.Step = StepTaskLoop
	for _, reply := range []string{"できてない", "眠かった"} {
		if err := d.Advance(ctx, original, reply); err != nil {
			t.Fatalf("Advance failed: %v", err)
		}
	}

	raw, err := MarshalState(original)
	if err != nil {
		t.Fatalf("MarshalState failed: %v", err)
	}
	restored, err := UnmarshalState(raw)
	if err != nil {
		t.Fatalf("UnmarshalState failed: %v", err)
	}

	if err := d.Advance(ctx, original, "できた"); err != nil {
		t.Fatalf("Advance on original failed: %v", err)
	}
	if err := d.Advance(ctx, restored, "できた"); err != nil {
		t.Fatalf("Advance on restored failed: %v", err)
	}
	a, _ := MarshalState(original)
	b, _ := MarshalState(restored)
	if a != b {
		t.Errorf("round-tripped state diverged:\n%s\n%s", a, b)
	}
}

func TestTaskCheckPromptMentionsCurrentTask(t *testing.T) {
	d := newTaskCheckFlow()
	s := NewTaskCheckState([]string{"運動", "勉強"})
	s.Step = StepTaskLoop
	s.TasksIntroduced = true

	prompt := d.DeveloperPrompt(s)
	if !strings.Contains(prompt, "運動") {
		t.Errorf("prompt does not name the current task: %s", prompt)
	}

	s.AwaitingReason = true
	prompt = d.DeveloperPrompt(s)
	if !strings.Contains(prompt, "理由") {
		t.Errorf("reason prompt missing: %s", prompt)
	}
}

func TestTaskCheckFirstPromptListsAllTasks(t *testing.T) {
	d := newTaskCheckFlow()
	s := NewTaskCheckState([]string{"運動", "勉強"})
	s.Step = StepTaskLoop

	prompt := d.DeveloperPrompt(s)
	for _, task := range s.Tasks {
		if !strings.Contains(prompt, task) {
			t.Errorf("initial prompt missing task %q", task)
		}
	}
}

func TestNewTaskCheckStateLoopLimit(t *testing.T) {
	if s := NewTaskCheckState([]string{"a", "b", "c"}); s.LoopLimit != 3 {
		t.Errorf("loop_limit = %d, want 3", s.LoopLimit)
	}
	if s := NewTaskCheckState(nil); s.LoopLimit != 1 {
		t.Errorf("loop_limit = %d, want 1 for empty list", s.LoopLimit)
	}
}

package flow

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/aicall/server/internal/models"
)

func TestMorningIntroBranchesOnRemainingTasks(t *testing.T) {
	d := NewMorningDefinition(NewYesNoClassifier(nil))
	ctx := context.Background()

	withRemaining := NewMorningState([]string{"運動"})
	if err := d.Advance(ctx, withRemaining, ""); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if withRemaining.Step != StepRemainingTasks {
		t.Errorf("step = %s, want REMAINING_TASKS", withRemaining.Step)
	}

	empty := NewMorningState(nil)
	if err := d.Advance(ctx, empty, ""); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if empty.Step != StepAskTodayTasks {
		t.Errorf("step = %s, want ASK_TODAY_TASKS", empty.Step)
	}
}

func TestMorningCapturesTodayTasks(t *testing.T) {
	d := NewMorningDefinition(NewYesNoClassifier(nil))
	s := NewMorningState(nil)
	s.Step = StepAskTodayTasks

	if err := d.Advance(context.Background(), s, "レポート書く、買い物に行く"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if !reflect.DeepEqual(s.TodayTasks, []string{"レポート書く", "買い物に行く"}) {
		t.Errorf("today_tasks = %v", s.TodayTasks)
	}
	if s.Step != StepConfirmTodayTasks {
		t.Errorf("step = %s, want CONFIRM_TODAY_TASKS", s.Step)
	}
}

func TestMorningConfirmYesEnds(t *testing.T) {
	d := NewMorningDefinition(NewYesNoClassifier(nil))
	s := NewMorningState(nil)
	s.Step = StepConfirmTodayTasks
	s.TodayTasks = []string{"レポート書く"}

	if err := d.Advance(context.Background(), s, "うん"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if s.Step != StepEnd {
		t.Errorf("step = %s, want END", s.Step)
	}
	if len(s.TodayTasks) != 1 {
		t.Errorf("today_tasks cleared on confirmation: %v", s.TodayTasks)
	}
}

func TestMorningConfirmNoAndUnknownReAsk(t *testing.T) {
	for _, reply := range []string{"いいえ", "えっと違うかも"} {
		d := NewMorningDefinition(NewYesNoClassifier(nil))
		s := NewMorningState(nil)
		s.Step = StepConfirmTodayTasks
		s.TodayTasks = []string{"レポート書く"}

		if err := d.Advance(context.Background(), s, reply); err != nil {
			t.Fatalf("Advance(%q) failed: %v", reply, err)
		}
		if s.Step != StepAskTodayTasks {
			t.Errorf("Advance(%q): step = %s, want ASK_TODAY_TASKS", reply, s.Step)
		}
		if len(s.TodayTasks) != 0 {
			t.Errorf("Advance(%q): today_tasks not cleared: %v", reply, s.TodayTasks)
		}
	}
}

func TestMorningEndIsIdempotent(t *testing.T) {
	d := NewMorningDefinition(NewYesNoClassifier(nil))
	s := NewMorningState([]string{"運動"})
	s.Step = StepEnd
	s.TodayTasks = []string{"レポート書く"}

	before, _ := MarshalState(s)
	if err := d.Advance(context.Background(), s, "はい"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	after, _ := MarshalState(s)
	if before != after {
		t.Errorf("END state mutated:\nbefore %s\nafter  %s", before, after)
	}
}

func TestParseTaskReply(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"レポート書く", []string{"レポート書く"}},
		{"- 運動\n- 勉強", []string{"運動", "勉強"}},
		{"運動、勉強、買い物", []string{"運動", "勉強", "買い物"}},
		{"運動，勉強", []string{"運動", "勉強"}},
		{"運動。勉強。", []string{"運動", "勉強"}},
		{"  ", nil},
		{"", nil},
	}
	for _, c := range cases {
		got := ParseTaskReply(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ParseTaskReply(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMorningPromptsReflectState(t *testing.T) {
	d := NewMorningDefinition(NewYesNoClassifier(nil))

	s := NewMorningState([]string{"運動"})
	s.Step = StepRemainingTasks
	if prompt := d.DeveloperPrompt(s); !strings.Contains(prompt, "運動") {
		t.Errorf("remaining-tasks prompt missing task list: %s", prompt)
	}

	s = NewMorningState(nil)
	s.Step = StepConfirmTodayTasks
	s.TodayTasks = []string{"レポート書く"}
	if prompt := d.DeveloperPrompt(s); !strings.Contains(prompt, "レポート書く") {
		t.Errorf("confirmation prompt missing today's tasks: %s", prompt)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewDefaultRegistry(NewYesNoClassifier(nil), NewCarryoverClassifier(nil))
	for _, ft := range []models.FlowType{models.FlowTypeDiary, models.FlowTypeMorning, models.FlowTypeTaskCheck} {
		d, ok := r.Get(ft)
		if !ok {
			t.Fatalf("flow %q not registered", ft)
		}
		if d.SystemPrompt == "" {
			t.Errorf("flow %q has empty system prompt", ft)
		}
		if d.InitialStep != StepIntro {
			t.Errorf("flow %q initial step = %s", ft, d.InitialStep)
		}
	}
}

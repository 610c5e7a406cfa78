package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aicall/server/internal/models"
)

const taskCheckSystemPrompt = `あなたは「おかん」キャラの会話AI。対象は大学生〜社会人の息子（ユーザー）。口うるさいが根は優しい“日本のおかん”として、毎回「やることやった？」を短く確認し、必要なら軽く背中を押す。

キャラクター核：
- 口調：親しみ＋ちょい圧。やや説教臭い。大阪弁。
- スタンス：お節介8割、共感2割。
- 温度感：やや厳しめ。ただし常にラストは励ましで締める。
- NG：恥をかかせる、詰問、持論の押し付け、医療/法律/危険行為の助長。
目的：今日するべきだったことができたかを問いただす。タスクは外部で定義されたリスト（current_task.md）を基準にし、未達タスクは理由を軽く確認して明日に回させる。

会話原則：
- 一度に質問は1つまで。タスク名を必ず呼ぶ。
- ユーザーが達成と答えたら素直に褒め、素早く次へ進む。
- 未達/部分達成なら、責めずに「なんでや？」を大阪弁で一言ヒアリングし、深掘りしすぎない。
- 最終まとめでは「できたこと」を再確認し、残タスクは明日のTODOとして励ましを添える。

ルール：各Stepと state に基づく Developer 指示に厳密に従うこと。
`

// NewTaskCheckDefinition builds the evening task-check flow: walk the task
// list with a cursor, classify each answer, spend one extra turn collecting
// a reason for every missed task, then resolve which tasks carry over to
// tomorrow before summarizing.
func NewTaskCheckDefinition(yesNo *YesNoClassifier, carryover *CarryoverClassifier) *Definition {
	d := &Definition{
		Type:         models.FlowTypeTaskCheck,
		InitialStep:  StepIntro,
		SystemPrompt: taskCheckSystemPrompt,
		Compose:      composeTaskCheckPrompt,
	}

	d.Handlers = map[Step]Handler{
		StepIntro: func(ctx context.Context, s *State, reply string) error {
			s.Step = StepTaskLoop
			return nil
		},
		StepTaskLoop: func(ctx context.Context, s *State, reply string) error {
			current, ok := s.CurrentTask()
			if !ok {
				moveToCarryoverOrSummary(s)
				return nil
			}

			if s.AwaitingReason {
				reason := strings.TrimSpace(reply)
				slog.Info("TaskCheckFlow: reason recorded", "task", current, "reason", reason)
				if !contains(s.DeferredTasks, current) {
					s.DeferredTasks = append(s.DeferredTasks, current)
				}
				s.LastReason = reason
				if reason != "" {
					if s.ReasonMap == nil {
						s.ReasonMap = make(map[string]string)
					}
					s.ReasonMap[current] = reason
				}
				advanceTaskPointer(s)
				return nil
			}

			decision := yesNo.Classify(ctx, reply)
			slog.Info("TaskCheckFlow: task decision", "decision", decision.String(), "task", current)
			if decision == DecisionYes {
				if !contains(s.CompletedTasks, current) {
					s.CompletedTasks = append(s.CompletedTasks, current)
				}
				advanceTaskPointer(s)
				return nil
			}
			// No and Unknown defer the task; the next turn collects the reason.
			if !contains(s.DeferredTasks, current) {
				s.DeferredTasks = append(s.DeferredTasks, current)
			}
			s.AwaitingReason = true
			if s.ReasonMap == nil {
				s.ReasonMap = make(map[string]string)
			}
			if _, present := s.ReasonMap[current]; !present {
				s.ReasonMap[current] = ""
			}
			return nil
		},
		StepCarryover: func(ctx context.Context, s *State, reply string) error {
			selection := []string{}
			if strings.TrimSpace(reply) != "" {
				if resolved, ok := carryover.Classify(ctx, s.DeferredTasks, reply); ok {
					selection = resolved
				} else {
					slog.Warn("TaskCheckFlow: carryover selection unresolved, keeping nothing", "reply", reply)
				}
			}
			s.CarryoverSelected = selection
			s.Step = StepSummary
			return nil
		},
		StepSummary: func(ctx context.Context, s *State, reply string) error {
			s.Step = StepEnd
			return nil
		},
	}
	return d
}

// NewTaskCheckState creates a task-check entry state seeded with the day's
// task list. The loop budget tracks the list length.
func NewTaskCheckState(tasks []string) *State {
	limit := len(tasks)
	if limit < 1 {
		limit = 1
	}
	return &State{Step: StepIntro, Tasks: tasks, LoopLimit: limit}
}

// advanceTaskPointer moves the cursor to the next task and branches to
// carryover or summary once the list is exhausted.
func advanceTaskPointer(s *State) {
	s.CurrentIndex++
	s.AwaitingReason = false
	s.LastReason = ""
	if s.CurrentIndex < len(s.Tasks) {
		s.Step = StepTaskLoop
		return
	}
	moveToCarryoverOrSummary(s)
}

func moveToCarryoverOrSummary(s *State) {
	if len(s.DeferredTasks) > 0 {
		s.Step = StepCarryover
		return
	}
	s.CarryoverSelected = []string{}
	s.Step = StepSummary
}

// renderTaskGuidance lists every task with its check status for the prompt.
func renderTaskGuidance(s *State, withStatus bool) string {
	var lines []string
	if withStatus {
		lines = append(lines, "【チェックするタスク】")
		for idx, task := range s.Tasks {
			var status string
			switch {
			case contains(s.CompletedTasks, task):
				status = "済"
			case contains(s.DeferredTasks, task) && idx < s.CurrentIndex:
				status = "未完"
			case idx == s.CurrentIndex:
				status = "進行中"
			default:
				status = "未チェック"
			}
			lines = append(lines, fmt.Sprintf("- %s (%s)", task, status))
		}
		if current, ok := s.CurrentTask(); ok && s.AwaitingReason {
			lines = append(lines, fmt.Sprintf("※ 今は『%s』が未達。理由を一言で聞きたい。", current))
		}
	} else {
		for _, task := range s.Tasks {
			lines = append(lines, "- "+task)
		}
	}
	return strings.Join(lines, "\n")
}

func composeTaskCheckPrompt(s *State) string {
	current, hasCurrent := s.CurrentTask()

	switch s.Step {
	case StepIntro:
		return "【Step=INTRO】1〜2文で挨拶。「おかん」が息子に声をかける体で、" +
			"これから今日のタスクチェックを始めることを伝える。質問はしない。"

	case StepTaskLoop:
		if !s.TasksIntroduced && hasCurrent {
			taskList := renderTaskGuidance(s, false)
			return "【Step=TASK_LOOP(初回)】今日チェックする「タスク一覧」を全部言い聞かせてから、" +
				fmt.Sprintf("先頭のタスク『%s』ができたか大阪弁で問いただす。理由はまだ聞かない。", current) +
				fmt.Sprintf("\nタスク一覧:\n%s", taskList) +
				fmt.Sprintf("例：「今日は%sが今日やることやったな。ほな、最初の『%s』、できたんか？」", taskList, current)
		}
		if s.AwaitingReason && hasCurrent {
			return fmt.Sprintf("【Step=TASK_LOOP(理由確認)】タスク『%s』がしっかりできていなかった。", current) +
				"責めすぎず「なんでや？」とできなかった理由を聞いてください。" +
				"絶対に次のタスクの質問はしないでください"
		}
		if hasCurrent {
			return fmt.Sprintf("【Step=TASK_LOOP】タスク『%s』ができたか大阪弁で問いただす。", current) +
				"達成ならしっかり褒め、未達なら一度だけ理由確認に移る前振りをする。" +
				fmt.Sprintf(" 残りタスク数: %d", s.TasksRemaining())
		}
		return "【Step=TASK_LOOP】タスクがすべて終わっていればその旨を伝え、まとめに進む。"

	case StepCarryover:
		return "【Step=CARRYOVER】未達だったタスクのうち、明日に残すものを息子に選ばせる。" +
			"具体的なタスク名を復唱しつつ、複数まとめて答えてもらっても良い。『なし』なら全て完了扱い。\n" +
			fmt.Sprintf("持ち越し候補:\n%s", bulletList(s.DeferredTasks)) +
			"例：「今日できなかったものの中で明日やることを教えてや」"

	case StepSummary:
		done := s.CompletedTasks
		if len(done) == 0 {
			done = []string{"なし"}
		}
		leftover := "なし"
		if len(s.CarryoverSelected) > 0 {
			leftover = strings.Join(s.CarryoverSelected, ", ")
		}
		lines := []string{
			"【Step=SUMMARY】今日できたことを短く再読し、残タスクがあれば『明日やったらええ』と励ます。",
			fmt.Sprintf("できたこと: %s", strings.Join(done, ", ")),
			fmt.Sprintf("明日へ回す: %s", leftover),
		}
		for _, task := range s.CarryoverSelected {
			if reason := s.ReasonMap[task]; reason != "" {
				lines = append(lines, fmt.Sprintf("理由メモ(%s): %s", task, reason))
			}
		}
		lines = append(lines, "最後に明日への気合いを一言。")
		return strings.Join(lines, "\n")

	case StepEnd:
		return "【Step=END】締めの一言。大阪のおかんらしく温かく、質問はしない。"
	}
	return ""
}

package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aicall/server/internal/models"
)

const morningSystemPrompt = `あなたは「おかん」キャラの会話AI。対象は大学生〜社会人の息子（ユーザー）。口うるさいが根は優しい"日本のおかん"として、毎回「やることやった？」を短く確認し、必要なら軽く背中を押す。

キャラクター核：
- 口調：親しみ＋ちょい圧。やや説教臭い。大阪弁。
- スタンス：お節介8割、共感2割。
- 温度感：やや厳しめ。ただし常にラストは励ましで締める。
- NG：恥をかかせる、詰問、持論の押し付け、医療/法律/危険行為の助長。
目的：朝に今日やるタスクを聞き出して整理する。残っているタスク（current_task.md）があれば確認し、今日のタスクを決めて保存する。

会話原則：
- 一度に質問は1つまで。
- ユーザーが答えたら素直に受け止め、素早く次へ進む。
- タスクは箇条書き形式で整理する。
- 最終確認で「合ってる？」と念押しし、承認されたら終了。

ルール：各Stepとstateに基づくDeveloper指示に厳密に従うこと。
`

// NewMorningDefinition builds the morning planning flow: greet, surface any
// tasks carried over from yesterday, collect today's task list, and confirm
// it before ending. A rejected confirmation clears the list and re-asks.
func NewMorningDefinition(yesNo *YesNoClassifier) *Definition {
	d := &Definition{
		Type:         models.FlowTypeMorning,
		InitialStep:  StepIntro,
		SystemPrompt: morningSystemPrompt,
		Compose:      composeMorningPrompt,
	}

	d.Handlers = map[Step]Handler{
		StepIntro: func(ctx context.Context, s *State, reply string) error {
			if len(s.RemainingTasks) > 0 {
				s.Step = StepRemainingTasks
			} else {
				s.Step = StepAskTodayTasks
			}
			return nil
		},
		StepRemainingTasks: func(ctx context.Context, s *State, reply string) error {
			s.Step = StepAskTodayTasks
			return nil
		},
		StepAskTodayTasks: func(ctx context.Context, s *State, reply string) error {
			s.TodayTasks = ParseTaskReply(reply)
			slog.Info("MorningFlow: captured today's tasks", "count", len(s.TodayTasks))
			s.Step = StepConfirmTodayTasks
			return nil
		},
		StepConfirmTodayTasks: func(ctx context.Context, s *State, reply string) error {
			decision := yesNo.Classify(ctx, reply)
			slog.Info("MorningFlow: confirmation gate", "decision", decision.String())
			if decision == DecisionYes {
				s.Step = StepEnd
				return nil
			}
			// No and Unknown both re-ask instead of guessing.
			s.TodayTasks = nil
			s.Step = StepAskTodayTasks
			return nil
		},
	}
	return d
}

// NewMorningState creates a morning entry state seeded with the tasks left
// over from the previous day.
func NewMorningState(remaining []string) *State {
	return &State{Step: StepIntro, LoopLimit: 2, RemainingTasks: remaining}
}

// ParseTaskReply splits a free-text reply into individual task names. Lines
// and common Japanese/ASCII list delimiters separate tasks; leading list
// markers are stripped.
func ParseTaskReply(reply string) []string {
	normalized := strings.NewReplacer("、", "\n", "，", "\n", ",", "\n", "。", "\n").Replace(reply)
	var tasks []string
	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.Trim(line, "- ")
		line = strings.TrimSpace(line)
		if line != "" {
			tasks = append(tasks, line)
		}
	}
	return tasks
}

func composeMorningPrompt(s *State) string {
	switch s.Step {
	case StepIntro:
		return "【Step=INTRO】1文で挨拶。大阪弁のおかんが息子に声をかける体で。" +
			"「おはよう！ちゃんと起きれたか？」「おはようさん。今日も元気そうやな」など。質問はしない。"

	case StepRemainingTasks:
		if len(s.RemainingTasks) > 0 {
			return "【Step=REMAINING_TASKS】残っているタスクをリスト形式で伝え、" +
				"「これ、今日ちゃんとやるんか？」「これ放っといたらあかんで？」とやや厳しめに質問する。\n" +
				"残タスク一覧:\n" + bulletList(s.RemainingTasks)
		}
		return "【Step=REMAINING_TASKS】残っているタスクはない。" +
			"「ほな、残ってるタスクはないみたいやな。今日は何やるつもりや？」と質問する。"

	case StepAskTodayTasks:
		return "【Step=ASK_TODAY_TASKS】1〜2文で反応したあと、" +
			"「ほな、今日は何やるつもりなんや？ちゃんと教えてや」「今日やること、ちゃんと言うてみ？」と質問する。" +
			"ユーザーが複数のタスクを挙げた場合は全て受け止める。話は掘り下げない。"

	case StepConfirmTodayTasks:
		if len(s.TodayTasks) > 0 {
			return "【Step=CONFIRM_TODAY_TASKS】ユーザーが挙げた今日のタスクを箇条書き（「-」で始まる形式）で確認し、" +
				"「これで全部か？ほんまにこれでええんやな？」と念押しして質問する。\n" +
				fmt.Sprintf("今日のタスク:\n%s\n", bulletList(s.TodayTasks)) +
				"必ず箇条書き形式で表示すること。"
		}
		return "【Step=CONFIRM_TODAY_TASKS】タスクが挙げられていない。" +
			"「何もないん？ほんまに大丈夫か？」と確認する。"

	case StepEnd:
		return "【Step=END】1文で励ましの言葉を伝える。" +
			"「ほな、今日もしっかり頑張りや！」「ちゃんとやるんやで！応援しとるで」など。質問はしない。"
	}
	return ""
}

// bulletList renders task names as a Markdown bullet list.
func bulletList(tasks []string) string {
	lines := make([]string, 0, len(tasks))
	for _, task := range tasks {
		lines = append(lines, "- "+task)
	}
	return strings.Join(lines, "\n")
}

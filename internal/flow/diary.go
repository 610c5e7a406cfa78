package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aicall/server/internal/models"
)

// diaryLoopLimit bounds how many topics one diary session collects.
const diaryLoopLimit = 2

const diarySystemPrompt = "あなたは音声対話アプリ「AI Call」の会話AIです。\n" +
	"目的：ユーザーの「今日の出来事」と「その時の感情」を短いやり取りで引き出す。\n" +
	"話し方：親しみやすく、1〜2文、質問は必ず1つ。共感→質問の順番で話す。\n" +
	"禁止：長文、複数質問、押し付け助言、高リスク助言。\n" +
	"ルール：各Stepで与えられるDeveloper指示に厳密に従い、指定形式のみで返答する。\n"

var diaryDeveloperPrompts = map[Step]string{
	StepIntro: "【Step=INTRO】1〜2文で軽い導入を行う。まだ質問はしないでください。" +
		"「おつかれー！今日の日記インタビューで電話かけたよ。」 質問・要約・助言は禁止。",
	StepTopic: "【Step=TOPIC】1〜2文でユーザーの話を受け止めつつ、" +
		"「一番の出来事を1つだけ挙げると？」と単一の質問で尋ねる。",
	StepEmotion: "【Step=EMOTION】1〜2文で共感を示したあと、" +
		"「それ、どんな気持ち？」と質問する。",
	StepProbe: "【Step=PROBE】1〜2文で反応し、事実か感情のどちらか一方を深掘りする質問を1つだけ投げる。" +
		"例：事実なら「どの瞬間がピークだった？」、感情なら「その気持ちになった決め手は何？」。",
	StepSummary: "【Step=SUMMARY】1文で出来事と感情をまとめたうえで、" +
		"「他にもはなしたいことある？」と質問する。" +
		"話は掘り下げずに必ず「他にもはなしたいことある？」と言うこと。",
	StepEnd: "【Step=END】1文で今日の会話を短く要約し、" +
		"最後に「また聞かせてね。」などの短いフックで締める。質問はしない。",
}

// NewDiaryDefinition builds the diary interview flow: a short loop that
// collects one event, the feeling attached to it, and one probe detail per
// topic, up to the loop limit. Replies are recorded into the current topic so
// the summary renderer can work from state alone.
func NewDiaryDefinition(yesNo *YesNoClassifier) *Definition {
	d := &Definition{
		Type:         models.FlowTypeDiary,
		InitialStep:  StepIntro,
		SystemPrompt: diarySystemPrompt,
		Compose: func(s *State) string {
			return diaryDeveloperPrompts[s.Step]
		},
	}

	d.Handlers = map[Step]Handler{
		StepIntro: func(ctx context.Context, s *State, reply string) error {
			s.Step = StepTopic
			return nil
		},
		StepTopic: func(ctx context.Context, s *State, reply string) error {
			s.CurrentTopic().Event = strings.TrimSpace(reply)
			s.Step = StepEmotion
			return nil
		},
		StepEmotion: func(ctx context.Context, s *State, reply string) error {
			s.CurrentTopic().Emotion = strings.TrimSpace(reply)
			s.Step = StepProbe
			return nil
		},
		StepProbe: func(ctx context.Context, s *State, reply string) error {
			if detail := strings.TrimSpace(reply); detail != "" {
				topic := s.CurrentTopic()
				topic.Details = append(topic.Details, detail)
			}
			s.Step = StepSummary
			return nil
		},
		StepSummary: func(ctx context.Context, s *State, reply string) error {
			decision := yesNo.Classify(ctx, reply)
			slog.Info("DiaryFlow: summary loop gate", "decision", decision.String(), "loops_completed", s.LoopsCompleted)
			if decision == DecisionYes {
				if s.LoopsCompleted+1 < s.LoopLimit {
					s.LoopsCompleted++
					s.Topics = append(s.Topics, TopicRecord{})
					s.Step = StepTopic
					return nil
				}
				slog.Info("DiaryFlow: loop limit reached, ending conversation")
			}
			// No and Unknown both end the session. Ending on Unknown keeps
			// turns bounded when classification keeps missing.
			if decision == DecisionUnknown {
				slog.Info("DiaryFlow: unclassifiable reply at summary gate, ending conversation", "reply", reply)
			}
			s.Step = StepEnd
			return nil
		},
	}
	return d
}

// NewDiaryState creates a diary entry state with the default loop budget.
func NewDiaryState() *State {
	return &State{Step: StepIntro, LoopLimit: diaryLoopLimit}
}

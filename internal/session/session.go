// Package session orchestrates conversational turns: it loads persisted
// dialogue state, advances the flow state machine, issues the chat-completion
// call, and persists the updated session.
//
// Exactly one chat-completion call happens per turn (plus at most one
// classifier call inside the state transition), and nothing is persisted
// until the whole turn has succeeded, so a session is never left advanced
// without its matching reply recorded.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go"

	"github.com/aicall/server/internal/flow"
	"github.com/aicall/server/internal/genai"
	"github.com/aicall/server/internal/models"
	"github.com/aicall/server/internal/store"
	"github.com/aicall/server/internal/tasks"
)

// defaultTrigger opens a session when the caller supplies no first message.
const defaultTrigger = "会話を始めてください。"

// Opts holds configuration for the session manager.
type Opts struct {
	BasePromptFile string
}

// Option configures the session manager.
type Option func(*Opts)

// WithBasePromptFile points at an optional file whose content is appended to
// every flow's system prompt.
func WithBasePromptFile(path string) Option {
	return func(o *Opts) { o.BasePromptFile = path }
}

// Manager executes conversational turns for every flow.
type Manager struct {
	store      store.Store
	client     genai.ClientInterface
	registry   *flow.Registry
	taskSource *tasks.Source
	basePrompt string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires the orchestrator. The task source may be nil when no task
// file is configured; task-seeded flows then start with an empty list.
func NewManager(st store.Store, client genai.ClientInterface, registry *flow.Registry, taskSource *tasks.Source, opts ...Option) *Manager {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	basePrompt := ""
	if cfg.BasePromptFile != "" {
		data, err := os.ReadFile(cfg.BasePromptFile)
		if err != nil {
			slog.Warn("Manager.NewManager: base prompt file unreadable, continuing without it", "error", err, "path", cfg.BasePromptFile)
		} else {
			basePrompt = strings.TrimSpace(string(data))
			slog.Debug("Manager.NewManager: base prompt loaded", "path", cfg.BasePromptFile, "length", len(basePrompt))
		}
	}

	return &Manager{
		store:      st,
		client:     client,
		registry:   registry,
		taskSource: taskSource,
		basePrompt: basePrompt,
		locks:      make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing turns for one session id.
func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

func (m *Manager) releaseLockEntry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
}

// Start opens a new session for the flow and produces the first assistant
// turn. When an initial message is supplied the state advances on it before
// the reply is recorded, mirroring a caller-initiated opening.
func (m *Manager) Start(ctx context.Context, flowType models.FlowType, req models.SessionStartRequest) (*models.ChatResult, error) {
	def, ok := m.registry.Get(flowType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownFlowType, flowType)
	}

	state, err := m.newStateFor(flowType)
	if err != nil {
		return nil, err
	}

	basePrompt := req.SystemPrompt
	if basePrompt == "" {
		basePrompt = m.basePrompt
	}

	sessionID := uuid.NewString()
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	trigger := req.Message
	if trigger == "" {
		trigger = defaultTrigger
	}

	var history []models.ChatMessage
	reply, err := m.complete(ctx, def, state, basePrompt, history, trigger)
	if err != nil {
		return nil, err
	}

	if req.Message != "" {
		history = append(history, models.ChatMessage{Role: models.ChatRoleUser, Content: req.Message})
		if err := def.Advance(ctx, state, req.Message); err != nil {
			return nil, err
		}
	}
	history = append(history, models.ChatMessage{Role: models.ChatRoleAssistant, Content: reply})
	markTasksIntroduced(state)

	if err := m.persist(sessionID, flowType, basePrompt, history, state); err != nil {
		return nil, err
	}

	slog.Info("Manager.Start: session opened", "session_id", sessionID, "flow_type", flowType, "step", state.Step)
	return &models.ChatResult{
		SessionID: sessionID,
		Reply:     reply,
		Model:     m.client.DefaultModel(),
		History:   history,
		Step:      string(state.Step),
	}, nil
}

// Continue executes one turn on an existing session. The state advances on
// the user's message before the developer prompt is composed, so the
// instruction reflects the post-transition step.
func (m *Manager) Continue(ctx context.Context, flowType models.FlowType, sessionID, message string) (*models.ChatResult, error) {
	def, ok := m.registry.Get(flowType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownFlowType, flowType)
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	record, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	if record.FlowType != flowType {
		slog.Warn("Manager.Continue: session belongs to another flow", "session_id", sessionID, "flow_type", record.FlowType, "requested", flowType)
		return nil, fmt.Errorf("%w: session %s belongs to flow %q", models.ErrUnknownFlowType, sessionID, record.FlowType)
	}

	state, err := flow.UnmarshalState(record.StateJSON)
	if err != nil {
		return nil, err
	}
	if err := m.reseedTasks(flowType, state); err != nil {
		return nil, err
	}

	if err := def.Advance(ctx, state, message); err != nil {
		return nil, err
	}

	reply, err := m.complete(ctx, def, state, record.BasePrompt, record.History, message)
	if err != nil {
		return nil, err
	}

	history := append(record.History,
		models.ChatMessage{Role: models.ChatRoleUser, Content: message},
		models.ChatMessage{Role: models.ChatRoleAssistant, Content: reply},
	)
	markTasksIntroduced(state)

	record.History = history
	if err := m.persistRecord(record, state); err != nil {
		return nil, err
	}
	// Terminal sessions no longer need a turn lock; further turns on END are
	// no-ops, so a recreated entry only serializes those.
	if state.Step == flow.StepEnd {
		m.releaseLockEntry(sessionID)
	}

	slog.Info("Manager.Continue: turn completed", "session_id", sessionID, "flow_type", flowType, "step", state.Step)
	return &models.ChatResult{
		SessionID: sessionID,
		Reply:     reply,
		Model:     m.client.DefaultModel(),
		History:   history,
		Step:      string(state.Step),
	}, nil
}

// Get loads a stored session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	record, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	return record, nil
}

// List returns the stored sessions for one flow.
func (m *Manager) List(ctx context.Context, flowType models.FlowType) ([]models.Session, error) {
	sessions, err := m.store.ListSessions(flowType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sessions: %w", flowType, err)
	}
	return sessions, nil
}

// Delete removes a stored session and its turn lock.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	m.releaseLockEntry(sessionID)
	slog.Info("Manager.Delete: session removed", "session_id", sessionID)
	return nil
}

// Carryover reports the tasks selected to roll into tomorrow and rewrites
// the task file with that selection. Only a task-check session that has
// resolved its carryover step may touch the task file; an in-flight session
// carries an empty selection and would wipe the list.
func (m *Manager) Carryover(ctx context.Context, sessionID string) (*models.CarryoverResult, error) {
	record, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record.FlowType != models.FlowTypeTaskCheck {
		slog.Warn("Manager.Carryover: session belongs to another flow", "session_id", sessionID, "flow_type", record.FlowType)
		return nil, fmt.Errorf("%w: session %s belongs to flow %q", models.ErrUnknownFlowType, sessionID, record.FlowType)
	}
	state, err := flow.UnmarshalState(record.StateJSON)
	if err != nil {
		return nil, err
	}

	result := &models.CarryoverResult{
		SessionID: sessionID,
		Tasks:     append([]string{}, state.CarryoverSelected...),
		Reasons:   make(map[string]string),
	}
	for _, task := range state.CarryoverSelected {
		if reason := state.ReasonMap[task]; reason != "" {
			result.Reasons[task] = reason
		}
	}

	if m.taskSource != nil && carryoverResolved(state) {
		if err := m.taskSource.Rewrite(state.CarryoverSelected); err != nil {
			return nil, err
		}
	}
	slog.Info("Manager.Carryover: selection exported", "session_id", sessionID, "count", len(result.Tasks), "step", state.Step)
	return result, nil
}

// carryoverResolved reports whether the session has passed the carryover
// decision, so its selection is final.
func carryoverResolved(state *flow.State) bool {
	return state.Step == flow.StepSummary || state.Step == flow.StepEnd
}

// newStateFor seeds the entry state for a flow, loading the external task
// list where the flow consumes one.
func (m *Manager) newStateFor(flowType models.FlowType) (*flow.State, error) {
	switch flowType {
	case models.FlowTypeDiary:
		return flow.NewDiaryState(), nil
	case models.FlowTypeMorning:
		taskList, err := m.loadTasks()
		if err != nil {
			return nil, err
		}
		return flow.NewMorningState(taskList), nil
	case models.FlowTypeTaskCheck:
		taskList, err := m.loadTasks()
		if err != nil {
			return nil, err
		}
		return flow.NewTaskCheckState(taskList), nil
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownFlowType, flowType)
}

// reseedTasks restores the task list on a resumed task-check session whose
// list was never seeded.
func (m *Manager) reseedTasks(flowType models.FlowType, state *flow.State) error {
	if flowType != models.FlowTypeTaskCheck || len(state.Tasks) > 0 {
		return nil
	}
	taskList, err := m.loadTasks()
	if err != nil {
		return err
	}
	state.Tasks = taskList
	state.LoopLimit = len(taskList)
	if state.LoopLimit < 1 {
		state.LoopLimit = 1
	}
	slog.Debug("Manager.reseedTasks: task list restored", "count", len(taskList))
	return nil
}

func (m *Manager) loadTasks() ([]string, error) {
	if m.taskSource == nil {
		return nil, nil
	}
	return m.taskSource.Load()
}

// complete issues the single chat-completion call for a turn. The system
// prompt stacks the flow's fixed prompt, the optional base prompt, and the
// developer instruction for the current (post-transition) step.
func (m *Manager) complete(ctx context.Context, def *flow.Definition, state *flow.State, basePrompt string, history []models.ChatMessage, message string) (string, error) {
	var parts []string
	if def.SystemPrompt != "" {
		parts = append(parts, def.SystemPrompt)
	}
	if basePrompt != "" {
		parts = append(parts, basePrompt)
	}
	if developer := def.DeveloperPrompt(state); developer != "" {
		parts = append(parts, developer)
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if len(parts) > 0 {
		messages = append(messages, openai.SystemMessage(strings.Join(parts, "\n\n")))
	}
	for _, msg := range history {
		switch msg.Role {
		case models.ChatRoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case models.ChatRoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case models.ChatRoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(message))

	return m.client.GenerateWithMessages(ctx, messages, "")
}

func (m *Manager) persist(sessionID string, flowType models.FlowType, basePrompt string, history []models.ChatMessage, state *flow.State) error {
	record := &models.Session{
		ID:         sessionID,
		FlowType:   flowType,
		BasePrompt: basePrompt,
		History:    history,
	}
	return m.persistRecord(record, state)
}

func (m *Manager) persistRecord(record *models.Session, state *flow.State) error {
	stateJSON, err := flow.MarshalState(state)
	if err != nil {
		return err
	}
	record.StateJSON = stateJSON
	if err := m.store.SaveSession(*record); err != nil {
		// The turn fails rather than returning a reply whose user turn was
		// never recorded; an unsaved turn would desynchronize the replayable
		// history from what the caller saw.
		slog.Error("Manager.persistRecord: session save failed", "error", err, "session_id", record.ID)
		return fmt.Errorf("failed to persist session %s: %w", record.ID, err)
	}
	return nil
}

// markTasksIntroduced latches the one-shot flag once the task loop is live.
func markTasksIntroduced(state *flow.State) {
	if state.Step == flow.StepTaskLoop && !state.TasksIntroduced {
		state.TasksIntroduced = true
	}
}

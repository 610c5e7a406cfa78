// Package flow implements the dialogue-flow state machines that steer the
// language model through the hand-authored conversation scripts: the diary
// interview, the morning task-planning check, and the evening task check.
//
// One generic engine drives every flow. A Definition binds a flow type to its
// step handlers and prompt composer; Advance dispatches the current step's
// handler, which mutates the state and may consult a classifier. At most one
// classifier network call happens per Advance invocation.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aicall/server/internal/models"
)

// Handler performs the transition out of one step given the user's reply.
type Handler func(ctx context.Context, s *State, reply string) error

// Definition describes one flow: its identity, entry step, fixed system
// prompt, transition table, and developer-prompt composer.
type Definition struct {
	Type         models.FlowType
	InitialStep  Step
	SystemPrompt string
	Handlers     map[Step]Handler
	// Compose renders the developer instruction for the current state. It is
	// pure: no I/O, no classifier calls, deterministic for identical state.
	Compose func(s *State) string
}

// NewState creates the entry state for this flow.
func (d *Definition) NewState() *State {
	return &State{Step: d.InitialStep}
}

// Advance transitions the state based on the user's reply. Calling Advance on
// a terminal state is a no-op.
func (d *Definition) Advance(ctx context.Context, s *State, reply string) error {
	if s.Step == "" {
		s.Step = d.InitialStep
	}
	if s.Step == StepEnd {
		slog.Debug("Definition.Advance: terminal state, no transition", "flow", d.Type)
		return nil
	}
	handler, ok := d.Handlers[s.Step]
	if !ok {
		slog.Error("Definition.Advance: no handler for step", "flow", d.Type, "step", s.Step)
		return fmt.Errorf("flow %s has no handler for step %s", d.Type, s.Step)
	}
	before := s.Step
	if err := handler(ctx, s, reply); err != nil {
		return err
	}
	slog.Debug("Definition.Advance: transition applied", "flow", d.Type, "from", before, "to", s.Step)
	return nil
}

// DeveloperPrompt renders the instruction for the next assistant turn.
func (d *Definition) DeveloperPrompt(s *State) string {
	return d.Compose(s)
}

// Registry holds the flow definitions a server instance can drive. It is an
// explicit dependency rather than a process-wide map so tests can assemble
// isolated registries.
type Registry struct {
	flows map[models.FlowType]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[models.FlowType]*Definition)}
}

// Register associates a flow type with its definition.
func (r *Registry) Register(d *Definition) {
	r.flows[d.Type] = d
}

// Get retrieves the definition for a flow type.
func (r *Registry) Get(ft models.FlowType) (*Definition, bool) {
	d, ok := r.flows[ft]
	return d, ok
}

// NewDefaultRegistry assembles the three production flows sharing one pair of
// classifiers backed by the given client. A nil client keeps the classifiers
// on their local rule stage only.
func NewDefaultRegistry(yesNo *YesNoClassifier, carryover *CarryoverClassifier) *Registry {
	r := NewRegistry()
	r.Register(NewDiaryDefinition(yesNo))
	r.Register(NewMorningDefinition(yesNo))
	r.Register(NewTaskCheckDefinition(yesNo, carryover))
	return r
}

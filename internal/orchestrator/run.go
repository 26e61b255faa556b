package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/gatewarden/internal/gate"
)

// State is a run's position in the pipeline.
type State string

const (
	StateNotStarted       State = "NOT_STARTED"
	StateEvaluatingInput  State = "EVALUATING_INPUT"
	StateRunningStep      State = "RUNNING_STEP"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateEmittingResponse State = "EMITTING_RESPONSE"
	StateCompleted        State = "COMPLETED"
	StateDenied           State = "DENIED"
)

// Terminal reports whether no further transitions are accepted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDenied
}

// edges lists the legal successors of each non-terminal state.
var edges = map[State][]State{
	StateNotStarted:       {StateEvaluatingInput, StateRunningStep, StateEmittingResponse, StateCompleted, StateDenied},
	StateEvaluatingInput:  {StateRunningStep, StateEmittingResponse, StateCompleted, StateDenied},
	StateRunningStep:      {StateRunningStep, StateAwaitingApproval, StateEmittingResponse, StateCompleted, StateDenied},
	StateAwaitingApproval: {StateRunningStep, StateDenied},
	StateEmittingResponse: {StateCompleted},
}

func legal(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome summarises how a terminal run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDenied    Outcome = "denied"
	OutcomeRejected  Outcome = "rejected"
	OutcomeToolError Outcome = "tool_error"
	OutcomeError     Outcome = "error"
)

// StepKind says which part of the pipeline produced a result.
type StepKind string

const (
	KindInput    StepKind = "INPUT"
	KindTool     StepKind = "TOOL"
	KindResponse StepKind = "RESPONSE"
)

// Step is one ordered tool call.
type Step struct {
	Tool       string         `json:"tool" yaml:"tool"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Citation backs a response with a source.
type Citation struct {
	SourceURI string `json:"source_uri" yaml:"source_uri"`
	DocHash   string `json:"doc_hash,omitempty" yaml:"doc_hash,omitempty"`
}

// Response is the text emitted after the last tool step.
type Response struct {
	Text              string     `json:"text" yaml:"text"`
	Citations         []Citation `json:"citations" yaml:"citations"`
	IsRegulatoryClaim *bool      `json:"is_regulatory_claim,omitempty" yaml:"is_regulatory_claim,omitempty"`
}

func (r *Response) payload() map[string]any {
	citations := make([]map[string]any, 0, len(r.Citations))
	for _, c := range r.Citations {
		citations = append(citations, map[string]any{"source_uri": c.SourceURI, "doc_hash": c.DocHash})
	}
	p := map[string]any{"text": r.Text, "citations": citations}
	if r.IsRegulatoryClaim != nil {
		p["is_regulatory_claim"] = *r.IsRegulatoryClaim
	}
	return p
}

// RunConfig describes a run to start.
type RunConfig struct {
	ActorID         string    `json:"actor_id" yaml:"actor_id"`
	SessionID       string    `json:"session_id" yaml:"session_id"`
	UserInput       string    `json:"user_input,omitempty" yaml:"user_input,omitempty"`
	Steps           []Step    `json:"steps" yaml:"steps"`
	Response        *Response `json:"response,omitempty" yaml:"response,omitempty"`
	ContinueOnError bool      `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

// Validate rejects configurations no gate should ever see.
func (c RunConfig) Validate() error {
	if c.ActorID == "" {
		return fmt.Errorf("%w: actor_id is required", ErrInvalidConfiguration)
	}
	if c.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidConfiguration)
	}
	if len(c.Steps) == 0 && c.Response == nil {
		return fmt.Errorf("%w: run has no steps and no response", ErrInvalidConfiguration)
	}
	for i, s := range c.Steps {
		if s.Tool == "" {
			return fmt.Errorf("%w: step %d has no tool", ErrInvalidConfiguration, i)
		}
	}
	return nil
}

// StepResult is the recorded outcome of one pipeline step.
type StepResult struct {
	Step      string         `json:"step"`
	Kind      StepKind       `json:"kind"`
	Index     int            `json:"index"`
	Gate      gate.Gate      `json:"gate"`
	Decision  gate.Decision  `json:"decision"`
	Controls  []string       `json:"controls_applied"`
	Reason    string         `json:"reason,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	ToolError bool           `json:"tool_error,omitempty"`
	At        time.Time      `json:"at"`
}

// Failed reports whether the step did not go through.
func (r StepResult) Failed() bool {
	return r.ToolError || !r.Decision.Permits()
}

// Run is one execution of input, tools and response.
type Run struct {
	ID              string    `json:"id"`
	ActorID         string    `json:"actor_id"`
	SessionID       string    `json:"session_id"`
	UserInput       string    `json:"user_input,omitempty"`
	Steps           []Step    `json:"steps"`
	PendingResponse *Response `json:"pending_response,omitempty"`
	ContinueOnError bool      `json:"continue_on_error,omitempty"`

	State State `json:"state"`
	// Cursor is the index of the next unexecuted tool step. It only advances.
	Cursor      int    `json:"cursor"`
	SuspendedOn string `json:"suspended_on,omitempty"`

	InputResult    *StepResult  `json:"input_result,omitempty"`
	Results        []StepResult `json:"results"`
	ResponseResult *StepResult  `json:"response_result,omitempty"`

	Reason    string    `json:"reason,omitempty"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// newRun creates a run in NOT_STARTED.
func newRun(id string, cfg RunConfig, now time.Time) *Run {
	steps := make([]Step, len(cfg.Steps))
	copy(steps, cfg.Steps)
	var resp *Response
	if cfg.Response != nil {
		r := *cfg.Response
		resp = &r
	}
	return &Run{
		ID:              id,
		ActorID:         cfg.ActorID,
		SessionID:       cfg.SessionID,
		UserInput:       cfg.UserInput,
		Steps:           steps,
		PendingResponse: resp,
		ContinueOnError: cfg.ContinueOnError,
		State:           StateNotStarted,
		Results:         []StepResult{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Label renders the state with its argument, e.g. RUNNING_STEP(1).
func (r *Run) Label() string {
	switch r.State {
	case StateRunningStep:
		return fmt.Sprintf("%s(%d)", r.State, r.Cursor)
	case StateAwaitingApproval:
		return fmt.Sprintf("%s(%s)", r.State, r.SuspendedOn)
	}
	return string(r.State)
}

// AllResults lists input, tool and response results in pipeline order.
func (r *Run) AllResults() []StepResult {
	out := make([]StepResult, 0, len(r.Results)+2)
	if r.InputResult != nil {
		out = append(out, *r.InputResult)
	}
	out = append(out, r.Results...)
	if r.ResponseResult != nil {
		out = append(out, *r.ResponseResult)
	}
	return out
}

// Clone returns a deep copy safe to hand to readers.
func (r *Run) Clone() *Run {
	raw, err := json.Marshal(r)
	if err != nil {
		cp := *r
		return &cp
	}
	var cp Run
	if err := json.Unmarshal(raw, &cp); err != nil {
		cp = *r
	}
	return &cp
}

// transition is a requested state change. It is the only way a Run moves.
type transition struct {
	to State
	// result is recorded for the step being left. Required when leaving
	// input, a tool step (except toward approval) or the response.
	result *StepResult
	// advance moves the cursor past the current tool step.
	advance bool
	// suspendOn is the approval action id when entering AWAITING_APPROVAL.
	suspendOn string
	reason    string
	outcome   Outcome
}

// apply performs t, enforcing the run invariants.
func (r *Run) apply(t transition, now time.Time) error {
	from := r.State
	if from.Terminal() {
		return fmt.Errorf("%w: run %s is %s", ErrIllegalTransition, r.ID, from)
	}
	if !legal(from, t.to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, t.to)
	}

	switch {
	case t.to == StateAwaitingApproval:
		if t.suspendOn == "" || t.result != nil || t.advance {
			return fmt.Errorf("%w: suspension needs an action id and no result", ErrIllegalTransition)
		}
	case from == StateAwaitingApproval && t.to == StateRunningStep:
		if t.result != nil || t.advance {
			return fmt.Errorf("%w: resume must not record or advance", ErrIllegalTransition)
		}
	case from == StateRunningStep && t.to == StateRunningStep:
		if !t.advance || t.result == nil {
			return fmt.Errorf("%w: step %d must be recorded before the next", ErrIllegalTransition, r.Cursor)
		}
	}
	if t.advance && from != StateRunningStep {
		return fmt.Errorf("%w: cursor advances only from %s", ErrIllegalTransition, StateRunningStep)
	}
	if t.advance && r.Cursor >= len(r.Steps) {
		return fmt.Errorf("%w: cursor %d past last step", ErrIllegalTransition, r.Cursor)
	}
	if from == StateRunningStep && t.to != StateAwaitingApproval && t.result == nil {
		return fmt.Errorf("%w: step %d left without a result", ErrIllegalTransition, r.Cursor)
	}
	if t.to == StateRunningStep && !t.advance && r.Cursor >= len(r.Steps) {
		return fmt.Errorf("%w: no step %d to run", ErrIllegalTransition, r.Cursor)
	}
	if t.to == StateRunningStep && t.advance && r.Cursor+1 >= len(r.Steps) {
		return fmt.Errorf("%w: no step %d to run", ErrIllegalTransition, r.Cursor+1)
	}

	if t.result != nil {
		res := *t.result
		res.At = now
		switch from {
		case StateEvaluatingInput:
			res.Kind = KindInput
			r.InputResult = &res
		case StateRunningStep, StateAwaitingApproval:
			res.Kind = KindTool
			res.Index = r.Cursor
			r.Results = append(r.Results, res)
		case StateEmittingResponse:
			res.Kind = KindResponse
			r.ResponseResult = &res
		}
	}
	if t.advance {
		r.Cursor++
	}
	if from == StateEmittingResponse {
		r.PendingResponse = nil
	}

	r.SuspendedOn = ""
	if t.to == StateAwaitingApproval {
		r.SuspendedOn = t.suspendOn
	}
	if t.reason != "" {
		r.Reason = t.reason
	}
	if t.to.Terminal() {
		r.Outcome = t.outcome
		if r.Outcome == "" {
			r.Outcome = OutcomeCompleted
			if t.to == StateDenied {
				r.Outcome = OutcomeDenied
			}
		}
	}
	r.State = t.to
	r.UpdatedAt = now
	return nil
}

// afterTools picks the state that follows the last tool step (or input
// when there are no tools).
func (r *Run) afterTools() State {
	if r.PendingResponse != nil {
		return StateEmittingResponse
	}
	return StateCompleted
}

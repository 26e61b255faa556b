package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	"github.com/fyrsmithlabs/gatewarden/internal/logging"
	"github.com/fyrsmithlabs/gatewarden/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/gatewarden/internal/orchestrator"

// Ledger actions for the gates the pipeline crosses.
const (
	ActionUserInput = "post_user_input"
	ActionResponse  = "pre_response"
)

// PhasePreToolApproved is the resume point phase of a suspended tool step:
// the pre-tool gate has been answered by a human and the tool is next.
const PhasePreToolApproved = "pre_tool_approved"

// ToolInvoker runs a tool. tools.Registry implements it.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, params map[string]any) (map[string]any, error)
}

// Progress reports a single state change.
type Progress struct {
	RunID       string `json:"run_id"`
	From        State  `json:"from"`
	To          State  `json:"to"`
	Cursor      int    `json:"cursor"`
	SuspendedOn string `json:"suspended_on,omitempty"`
}

// ProgressCallback receives every transition, in order, per run.
type ProgressCallback func(Progress)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProgress registers a transition observer.
func WithProgress(cb ProgressCallback) Option {
	return func(o *Orchestrator) { o.progress = cb }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTelemetry sends spans and counters to tel's providers.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		s := tel.Scope(instrumentationName)
		o.tracer, o.meter = s.Tracer, s.Meter
	}
}

// WithContinueOnError makes tool errors non-halting for every run.
func WithContinueOnError(v bool) Option {
	return func(o *Orchestrator) { o.continueOnError = v }
}

// Orchestrator drives runs through the gates.
type Orchestrator struct {
	gateway gate.Gateway
	ledger  *audit.Ledger
	queue   *approval.Queue
	tools   ToolInvoker
	runs    RunStore
	logger  *zap.Logger

	metrics         *Metrics
	progress        ProgressCallback
	now             func() time.Time
	continueOnError bool

	tracer       trace.Tracer
	meter        metric.Meter
	runCounter   metric.Int64Counter
	stepCounter  metric.Int64Counter
	gateFailures metric.Int64Counter

	// startMu serialises the one-active-run-per-session check with the
	// insert of the new run.
	startMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an orchestrator. All collaborators are required.
func New(gw gate.Gateway, ledger *audit.Ledger, queue *approval.Queue, invoker ToolInvoker, runs RunStore, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if gw == nil || ledger == nil || queue == nil || invoker == nil || runs == nil {
		return nil, errors.New("orchestrator: gateway, ledger, queue, tools and run store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		gateway: gw,
		ledger:  ledger,
		queue:   queue,
		tools:   invoker,
		runs:    runs,
		logger:  logger,
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		locks:   make(map[string]*runLock),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error
	o.runCounter, err = o.meter.Int64Counter("gatewarden.orchestrator.runs",
		metric.WithDescription("Runs that reached a terminal state"))
	if err != nil {
		o.logger.Warn("failed to create run counter", zap.Error(err))
	}
	o.stepCounter, err = o.meter.Int64Counter("gatewarden.orchestrator.steps",
		metric.WithDescription("Pipeline steps recorded"))
	if err != nil {
		o.logger.Warn("failed to create step counter", zap.Error(err))
	}
	o.gateFailures, err = o.meter.Int64Counter("gatewarden.orchestrator.gate_failures",
		metric.WithDescription("Gateway errors converted to DENY"))
	if err != nil {
		o.logger.Warn("failed to create gate failure counter", zap.Error(err))
	}
}

// lockRun serialises transitions of one run. The returned func unlocks.
func (o *Orchestrator) lockRun(id string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &runLock{}
		o.locks[id] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, id)
		}
		o.locksMu.Unlock()
	}
}

// Start validates cfg, creates a run and drives it until it completes, is
// denied, or suspends for approval. The returned run is a snapshot.
func (o *Orchestrator) Start(ctx context.Context, cfg RunConfig) (*Run, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Start")
	defer span.End()

	if err := cfg.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if o.continueOnError {
		cfg.ContinueOnError = true
	}

	o.startMu.Lock()
	active, err := o.runs.ListRuns(ctx, RunFilter{ActorID: cfg.ActorID, SessionID: cfg.SessionID, Active: true})
	if err != nil {
		o.startMu.Unlock()
		return nil, fmt.Errorf("checking active runs: %w", err)
	}
	if len(active) > 0 {
		o.startMu.Unlock()
		return nil, fmt.Errorf("%w: run already in progress for session %s (%s)", ErrInvalidConfiguration, cfg.SessionID, active[0].ID)
	}
	run := newRun(uuid.NewString(), cfg, o.now().UTC())
	if err := o.runs.SaveRun(ctx, run); err != nil {
		o.startMu.Unlock()
		return nil, fmt.Errorf("saving run: %w", err)
	}
	o.startMu.Unlock()

	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("run.steps", len(run.Steps)),
	)
	ctx = logging.WithRunID(logging.WithSessionID(logging.WithActorID(ctx, run.ActorID), run.SessionID), run.ID)

	unlock := o.lockRun(run.ID)
	defer unlock()

	o.logger.Info("run started", append(logging.ContextFields(ctx), zap.Int("steps", len(run.Steps)))...)

	if err := o.drive(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return run.Clone(), err
	}
	span.SetAttributes(
		attribute.String("run.state", string(run.State)),
		attribute.String("run.outcome", string(run.Outcome)),
	)
	return run.Clone(), nil
}

// ResolveApproval records a human decision and continues the suspended run.
// It returns ErrUnknownApprovalID when no run is waiting on actionID and
// ErrAlreadyResolved when the request was resolved before. A request that
// was resolved while its run is still suspended on it (the resume was cut
// short) is finished from the stored resolution.
func (o *Orchestrator) ResolveApproval(ctx context.Context, actionID string, approved bool, resolver, comment string) (*Run, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ResolveApproval", trace.WithAttributes(
		attribute.String("approval.action_id", actionID),
		attribute.Bool("approval.approved", approved),
	))
	defer span.End()

	req, err := o.queue.Get(ctx, actionID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	unlock := o.lockRun(req.Continuation.RunID)
	defer unlock()

	// Re-read under the run lock: a concurrent resolver may have won.
	req, err = o.queue.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	run, err := o.suspendedRun(ctx, req)

	if !req.Pending() {
		switch {
		case errors.Is(err, ErrUnknownApprovalID):
			return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, actionID)
		case err != nil:
			return nil, err
		}
		o.logger.Info("completing interrupted resume",
			zap.String("run_id", run.ID),
			zap.String("action_id", actionID),
			zap.String("resolution", string(req.Resolution)))
	} else {
		if err != nil {
			return nil, err
		}
		req, err = o.queue.Resolve(ctx, actionID, approved, resolver, comment)
		if err != nil {
			return nil, err
		}
		o.refreshPending(ctx)
	}

	if err := o.resumeLocked(ctx, run, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return run.Clone(), err
	}
	span.SetAttributes(attribute.String("run.state", string(run.State)))
	return run.Clone(), nil
}

// Reconcile repairs runs left behind by a stopped process. It must run
// before the orchestrator serves requests, since any run found between
// states is taken to be orphaned:
//   - a run suspended on an approval that is already resolved (the process
//     stopped between the queue write and the run write) is resumed from the
//     stored resolution;
//   - a run caught mid-pipeline is failed closed with ErrRunInterrupted,
//     since its tool may already have run.
//
// It returns the number of runs moved on.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	runs, err := o.runs.ListRuns(ctx, RunFilter{Active: true})
	if err != nil {
		return 0, fmt.Errorf("listing active runs: %w", err)
	}

	n := 0
	for _, r := range runs {
		var (
			done bool
			err  error
		)
		if r.State == StateAwaitingApproval {
			done, err = o.reconcileRun(ctx, r.ID, r.SuspendedOn)
		} else {
			done, err = o.failInterrupted(ctx, r.ID)
		}
		if err != nil {
			return n, fmt.Errorf("reconciling run %s: %w", r.ID, err)
		}
		if done {
			n++
		}
	}
	if n > 0 {
		o.logger.Info("reconciled interrupted runs", zap.Int("runs", n))
	}
	return n, nil
}

func (o *Orchestrator) failInterrupted(ctx context.Context, runID string) (bool, error) {
	unlock := o.lockRun(runID)
	defer unlock()

	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.State.Terminal() || run.State == StateAwaitingApproval {
		return false, nil
	}
	ctx = logging.WithRunID(logging.WithSessionID(logging.WithActorID(ctx, run.ActorID), run.SessionID), run.ID)
	if err := o.abort(ctx, run, ErrRunInterrupted); !errors.Is(err, ErrRunInterrupted) {
		return false, err
	}
	return run.State.Terminal(), nil
}

func (o *Orchestrator) reconcileRun(ctx context.Context, runID, actionID string) (bool, error) {
	unlock := o.lockRun(runID)
	defer unlock()

	req, err := o.queue.Get(ctx, actionID)
	if errors.Is(err, ErrUnknownApprovalID) {
		o.logger.Warn("suspended run references an unknown approval",
			zap.String("run_id", runID),
			zap.String("action_id", actionID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.Pending() {
		return false, nil
	}
	run, err := o.suspendedRun(ctx, req)
	if errors.Is(err, ErrUnknownApprovalID) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := o.resumeLocked(ctx, run, req); err != nil {
		return false, err
	}
	return true, nil
}

// suspendedRun loads the run waiting on req. ErrUnknownApprovalID means no
// run is suspended on the request; other errors come from the run store.
func (o *Orchestrator) suspendedRun(ctx context.Context, req approval.Request) (*Run, error) {
	run, err := o.runs.GetRun(ctx, req.Continuation.RunID)
	if errors.Is(err, ErrRunNotFound) {
		return nil, fmt.Errorf("%w: run %s for %s: %v", ErrUnknownApprovalID, req.Continuation.RunID, req.ActionID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", req.Continuation.RunID, err)
	}
	if run.State != StateAwaitingApproval || run.SuspendedOn != req.ActionID {
		return nil, fmt.Errorf("%w: run %s is %s, not waiting on %s", ErrUnknownApprovalID, run.ID, run.Label(), req.ActionID)
	}
	if req.Continuation.ResumePoint.Step != run.Cursor {
		return nil, fmt.Errorf("%w: continuation step %d does not match run cursor %d",
			ErrIllegalTransition, req.Continuation.ResumePoint.Step, run.Cursor)
	}
	return run, nil
}

// resumeLocked continues run from the resolution stored on req. The caller
// holds the run lock.
func (o *Orchestrator) resumeLocked(ctx context.Context, run *Run, req approval.Request) error {
	ctx = logging.WithRunID(logging.WithSessionID(logging.WithActorID(ctx, run.ActorID), run.SessionID), run.ID)
	return o.resume(ctx, run, req)
}

// CurrentState returns a snapshot of the run. It has no side effects.
func (o *Orchestrator) CurrentState(ctx context.Context, runID string) (*Run, error) {
	return o.runs.GetRun(ctx, runID)
}

// List returns runs matching f, oldest first.
func (o *Orchestrator) List(ctx context.Context, f RunFilter) ([]*Run, error) {
	return o.runs.ListRuns(ctx, f)
}

// Continuation returns where the run suspended on actionID will resume.
func (o *Orchestrator) Continuation(ctx context.Context, actionID string) (approval.Continuation, error) {
	req, err := o.queue.Get(ctx, actionID)
	if err != nil {
		return approval.Continuation{}, err
	}
	return req.Continuation, nil
}

// drive runs transitions until the run is terminal or suspended.
func (o *Orchestrator) drive(ctx context.Context, run *Run) error {
	for !run.State.Terminal() && run.State != StateAwaitingApproval {
		var (
			t   transition
			err error
		)
		switch run.State {
		case StateNotStarted:
			t = o.begin(run)
		case StateEvaluatingInput:
			t, err = o.evaluateInput(ctx, run)
		case StateRunningStep:
			t, err = o.runStep(ctx, run)
		case StateEmittingResponse:
			t, err = o.emitResponse(ctx, run)
		default:
			err = fmt.Errorf("%w: cannot drive from %s", ErrIllegalTransition, run.State)
		}
		if err != nil {
			return o.abort(ctx, run, err)
		}
		if err := o.commit(ctx, run, t); err != nil {
			return err
		}
	}
	return nil
}

// commit applies t through the single transition function and persists.
func (o *Orchestrator) commit(ctx context.Context, run *Run, t transition) error {
	from := run.State
	if err := run.apply(t, o.now().UTC()); err != nil {
		return err
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	if t.result != nil && o.stepCounter != nil {
		o.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(t.result.Decision))))
	}

	o.logger.Debug("run transition",
		zap.String("run_id", run.ID),
		zap.String("from", string(from)),
		zap.String("to", run.Label()))

	if run.State.Terminal() {
		o.recordTerminal(ctx, run)
	}
	if o.progress != nil {
		o.progress(Progress{RunID: run.ID, From: from, To: run.State, Cursor: run.Cursor, SuspendedOn: run.SuspendedOn})
	}
	return nil
}

func (o *Orchestrator) recordTerminal(ctx context.Context, run *Run) {
	if o.runCounter != nil {
		o.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(run.Outcome))))
	}
	if o.metrics != nil {
		o.metrics.recordRun(run.Outcome)
	}
	o.logger.Info("run finished", append(logging.ContextFields(ctx),
		zap.String("state", string(run.State)),
		zap.String("outcome", string(run.Outcome)),
		zap.String("reason", run.Reason))...)
}

// abort fails the run closed after an infrastructure error so its session
// is not left blocked, then returns cause.
func (o *Orchestrator) abort(ctx context.Context, run *Run, cause error) error {
	o.logger.Error("run aborted", append(logging.ContextFields(ctx),
		zap.String("run_id", run.ID), zap.String("state", run.Label()), zap.Error(cause))...)
	t := transition{to: StateDenied, reason: "internal error: " + cause.Error(), outcome: OutcomeError}
	switch run.State {
	case StateRunningStep:
		t.result = &StepResult{
			Step:     toolLabel(run.Steps[run.Cursor].Tool),
			Gate:     gate.PreToolGate,
			Decision: gate.Deny,
			Controls: []string{},
			Reason:   t.reason,
		}
	case StateEvaluatingInput:
		t.result = &StepResult{Step: "User Input", Gate: gate.InputGate, Decision: gate.Deny, Controls: []string{}, Reason: t.reason}
	case StateEmittingResponse:
		t = transition{
			to:      StateCompleted,
			reason:  t.reason,
			outcome: OutcomeError,
			result:  &StepResult{Step: "Response Output", Gate: gate.ResponseGate, Decision: gate.Deny, Controls: []string{}, Reason: t.reason},
		}
	}
	if err := o.commit(ctx, run, t); err != nil {
		o.logger.Error("failed to record aborted run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return cause
}

func (o *Orchestrator) begin(run *Run) transition {
	if run.UserInput != "" {
		return transition{to: StateEvaluatingInput}
	}
	if len(run.Steps) > 0 {
		return transition{to: StateRunningStep}
	}
	return transition{to: run.afterTools()}
}

func (o *Orchestrator) evaluateInput(ctx context.Context, run *Run) (transition, error) {
	res, ev, err := o.evaluate(ctx, run, gate.InputGate, ActionUserInput, map[string]any{
		"text":       run.UserInput,
		"session_id": run.SessionID,
	})
	if err != nil {
		return transition{}, err
	}
	result := &StepResult{
		Step:     "User Input",
		Gate:     gate.InputGate,
		Decision: res.Decision,
		Controls: res.ControlsApplied,
		Reason:   res.DenialReason,
		Payload:  map[string]any{"text": run.UserInput},
		EventID:  ev.ID,
	}
	if !res.Decision.Permits() {
		return transition{to: StateDenied, result: result, reason: denialReason(gate.InputGate, res)}, nil
	}
	if len(run.Steps) > 0 {
		return transition{to: StateRunningStep, result: result}, nil
	}
	return transition{to: run.afterTools(), result: result}, nil
}

// runStep evaluates the pre-tool gate for the step at the cursor.
func (o *Orchestrator) runStep(ctx context.Context, run *Run) (transition, error) {
	step := run.Steps[run.Cursor]
	pre, ev, err := o.evaluate(ctx, run, gate.PreToolGate, step.Tool, map[string]any{
		"parameters": step.Parameters,
		"step":       run.Cursor,
	})
	if err != nil {
		return transition{}, err
	}

	switch {
	case pre.Decision == gate.RequireApproval:
		req, err := o.queue.Enqueue(ctx, approval.Request{
			Gate:       gate.PreToolGate,
			Action:     step.Tool,
			ActorID:    run.ActorID,
			Parameters: step.Parameters,
			Reason:     pre.DenialReason,
			Continuation: approval.Continuation{
				RunID:       run.ID,
				ResumePoint: approval.ResumePoint{Step: run.Cursor, Phase: PhasePreToolApproved},
			},
		})
		if err != nil {
			return transition{}, err
		}
		o.refreshPending(ctx)
		return transition{to: StateAwaitingApproval, suspendOn: req.ActionID}, nil

	case !pre.Decision.Permits():
		return transition{
			to: StateDenied,
			result: &StepResult{
				Step:     toolLabel(step.Tool),
				Gate:     gate.PreToolGate,
				Decision: pre.Decision,
				Controls: pre.ControlsApplied,
				Reason:   pre.DenialReason,
				EventID:  ev.ID,
			},
			reason: denialReason(gate.PreToolGate, pre),
		}, nil
	}

	return o.executeTool(ctx, run, pre.Decision, pre.ControlsApplied, ev.ID)
}

// executeTool invokes the tool at the cursor and evaluates the post-tool
// gate. The pre-tool gate (or a human) has already permitted the call.
func (o *Orchestrator) executeTool(ctx context.Context, run *Run, pre gate.Decision, controls []string, preEventID string) (transition, error) {
	step := run.Steps[run.Cursor]

	start := time.Now()
	out, toolErr := o.tools.Invoke(ctx, step.Tool, step.Parameters)
	if o.metrics != nil {
		o.metrics.observeTool(step.Tool, time.Since(start).Seconds())
	}

	if toolErr != nil {
		reason := fmt.Errorf("%w: %v", ErrToolError, toolErr).Error()
		o.logger.Warn("tool invocation failed", append(logging.ContextFields(ctx),
			zap.String("tool", step.Tool),
			zap.Error(toolErr))...)
		result := &StepResult{
			Step:      toolLabel(step.Tool),
			Gate:      gate.PreToolGate,
			Decision:  pre,
			Controls:  controls,
			Reason:    reason,
			EventID:   preEventID,
			ToolError: true,
		}
		if run.ContinueOnError {
			return o.next(run, result), nil
		}
		return transition{to: StateDenied, result: result, reason: reason, outcome: OutcomeToolError}, nil
	}

	post, ev, err := o.evaluate(ctx, run, gate.PostToolGate, step.Tool, out)
	if err != nil {
		return transition{}, err
	}
	decision := post.Decision
	if decision == gate.Allow && pre == gate.AllowWithControls {
		decision = gate.AllowWithControls
	}
	result := &StepResult{
		Step:     toolLabel(step.Tool),
		Gate:     gate.PostToolGate,
		Decision: decision,
		Controls: mergeControls(controls, post.ControlsApplied),
		Reason:   post.DenialReason,
		EventID:  ev.ID,
	}
	if !post.Decision.Permits() {
		return transition{to: StateDenied, result: result, reason: denialReason(gate.PostToolGate, post)}, nil
	}
	result.Payload = out
	return o.next(run, result), nil
}

// next leaves the current tool step with result recorded.
func (o *Orchestrator) next(run *Run, result *StepResult) transition {
	if run.Cursor+1 < len(run.Steps) {
		return transition{to: StateRunningStep, result: result, advance: true}
	}
	return transition{to: run.afterTools(), result: result, advance: true}
}

// emitResponse evaluates the response gate. A denial is recorded but the
// run still completes.
func (o *Orchestrator) emitResponse(ctx context.Context, run *Run) (transition, error) {
	payload := run.PendingResponse.payload()
	res, ev, err := o.evaluate(ctx, run, gate.ResponseGate, ActionResponse, payload)
	if err != nil {
		return transition{}, err
	}
	return transition{
		to: StateCompleted,
		result: &StepResult{
			Step:     "Response Output",
			Gate:     gate.ResponseGate,
			Decision: res.Decision,
			Controls: res.ControlsApplied,
			Reason:   res.DenialReason,
			Payload:  payload,
			EventID:  ev.ID,
		},
	}, nil
}

// resume dispatches on the continuation stored with the approval request.
func (o *Orchestrator) resume(ctx context.Context, run *Run, req approval.Request) error {
	switch req.Continuation.ResumePoint.Phase {
	case PhasePreToolApproved:
	default:
		return fmt.Errorf("%w: unknown resume phase %q", ErrIllegalTransition, req.Continuation.ResumePoint.Phase)
	}

	evidence := map[string]any{
		"action_id":    req.ActionID,
		"resolver":     req.ResolvedBy,
		"comment":      req.ResolutionComment,
		"requested_at": req.RequestedAt.Format(time.RFC3339Nano),
	}

	if req.Resolution == approval.Rejected {
		if _, err := o.recordHuman(ctx, run, req, gate.Rejected, []string{"human_rejection"}, evidence, req.ResolutionComment); err != nil {
			return err
		}
		denied, err := o.recordHuman(ctx, run, req, gate.DeniedByHuman, []string{"human_denial"}, evidence, req.ResolutionComment)
		if err != nil {
			return err
		}
		return o.commit(ctx, run, transition{
			to: StateDenied,
			result: &StepResult{
				Step:     toolLabel(req.Action),
				Gate:     req.Gate,
				Decision: gate.DeniedByHuman,
				Controls: []string{"human_denial"},
				Reason:   req.ResolutionComment,
				EventID:  denied.ID,
			},
			reason:  req.ResolutionComment,
			outcome: OutcomeRejected,
		})
	}

	approved, err := o.recordHuman(ctx, run, req, gate.Approved, []string{"human_approval"}, evidence, "")
	if err != nil {
		return err
	}
	if err := o.commit(ctx, run, transition{to: StateRunningStep}); err != nil {
		return err
	}
	t, err := o.executeTool(ctx, run, gate.Approved, []string{"human_approval"}, approved.ID)
	if err != nil {
		return o.abort(ctx, run, err)
	}
	if err := o.commit(ctx, run, t); err != nil {
		return err
	}
	return o.drive(ctx, run)
}

// evaluate consults the gateway, failing closed, and appends the outcome to
// the ledger. ESCALATE becomes REQUIRE_APPROVAL at the pre-tool gate and
// DENY elsewhere; REQUIRE_APPROVAL outside the pre-tool gate is a DENY.
func (o *Orchestrator) evaluate(ctx context.Context, run *Run, g gate.Gate, action string, payload map[string]any) (gate.Result, audit.Event, error) {
	res, gwErr := gate.EvaluateClosed(ctx, o.gateway, gate.Request{
		Gate:    g,
		Action:  action,
		ActorID: run.ActorID,
		Payload: payload,
	})
	if gwErr != nil {
		if o.gateFailures != nil {
			o.gateFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", string(g))))
		}
		trace.SpanFromContext(ctx).AddEvent("gateway.fail_closed", trace.WithAttributes(
			attribute.String("gate", string(g)),
			attribute.String("action", action),
		))
		o.logger.Warn("gateway unavailable, failing closed", append(logging.ContextFields(ctx),
			zap.String("gate", string(g)),
			zap.String("action", action),
			zap.Error(gwErr))...)
	}

	evidence := res.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	switch res.Decision {
	case gate.Escalate:
		evidence["gateway_decision"] = string(gate.Escalate)
		if g == gate.PreToolGate {
			res.Decision = gate.RequireApproval
		} else {
			res.Decision = gate.Deny
			res.DenialReason = fmt.Sprintf("escalation is not supported at %s", g)
		}
	case gate.RequireApproval:
		if g != gate.PreToolGate {
			evidence["gateway_decision"] = string(gate.RequireApproval)
			res.Decision = gate.Deny
			res.DenialReason = fmt.Sprintf("approval is not supported at %s", g)
		}
	}
	res.Evidence = evidence

	ev, err := o.record(ctx, run, g, action, res.Decision, res.ControlsApplied, evidence, res.DenialReason)
	if err != nil {
		return gate.Result{}, audit.Event{}, err
	}
	return res, ev, nil
}

func (o *Orchestrator) record(ctx context.Context, run *Run, g gate.Gate, action string, d gate.Decision, controls []string, evidence map[string]any, reason string) (audit.Event, error) {
	ev, err := o.ledger.Append(ctx, audit.Event{
		Gate:            g,
		Action:          action,
		ActorID:         run.ActorID,
		RunID:           run.ID,
		Decision:        d,
		ControlsApplied: controls,
		Evidence:        evidence,
		Reason:          reason,
	})
	if err != nil {
		return audit.Event{}, fmt.Errorf("recording %s at %s: %w", d, g, err)
	}
	if o.metrics != nil {
		o.metrics.recordDecision(string(g), string(d))
	}
	return ev, nil
}

// recordHuman appends a human decision for req unless an earlier resume of
// the same request already did, so a retried resume leaves one entry.
func (o *Orchestrator) recordHuman(ctx context.Context, run *Run, req approval.Request, d gate.Decision, controls []string, evidence map[string]any, reason string) (audit.Event, error) {
	prior, err := o.ledger.Events(ctx, audit.Filter{RunID: run.ID, Gate: req.Gate, Decision: d})
	if err != nil {
		return audit.Event{}, fmt.Errorf("looking up %s for %s: %w", d, req.ActionID, err)
	}
	for _, ev := range prior {
		if id, _ := ev.Evidence["action_id"].(string); id == req.ActionID {
			return ev, nil
		}
	}
	return o.record(ctx, run, req.Gate, req.Action, d, controls, evidence, reason)
}

func (o *Orchestrator) refreshPending(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	n, err := o.queue.PendingCount(ctx)
	if err != nil {
		o.logger.Warn("failed to count pending approvals", zap.Error(err))
		return
	}
	o.metrics.setPending(n)
}

func toolLabel(tool string) string {
	return "Tool: " + tool
}

func denialReason(g gate.Gate, res gate.Result) string {
	if res.DenialReason != "" {
		return res.DenialReason
	}
	return fmt.Sprintf("%s denied at %s", res.Decision, g)
}

func mergeControls(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, c := range list {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// Package orchestrator drives a gated pipeline run: user input, an ordered
// list of tool calls, then an optional response.
//
// # Overview
//
// Every step crosses a policy gate before anything happens:
//
//	U-I (input) → [S-O pre-tool → tool → S-I post-tool]* → U-O (response)
//
// A Run is an explicit state machine. All mutation goes through Run.apply,
// which rejects illegal edges, so the invariants live in one place:
//
//	NOT_STARTED → EVALUATING_INPUT → RUNNING_STEP(i) → EMITTING_RESPONSE → COMPLETED
//	                     ↓                ↓    ↑
//	                  DENIED     AWAITING_APPROVAL(id) → DENIED
//
// # Suspension
//
// When the pre-tool gate returns REQUIRE_APPROVAL the orchestrator enqueues an
// approval.Request carrying a Continuation {run_id, resume_point}, persists
// the run and returns. Nothing blocks. ResolveApproval later loads the run
// from the RunStore, possibly in another process, and continues it. On resume
// the pre-tool gate is not evaluated again; the human decision is recorded
// in the ledger before the tool runs.
//
// # Failure
//
// A gateway error is a DENY with reason GATE_UNAVAILABLE. A failing tool is
// recorded as a TOOL_ERROR result and halts the run unless the run config
// sets continue_on_error.
package orchestrator

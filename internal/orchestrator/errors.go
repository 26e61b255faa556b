package orchestrator

import (
	"errors"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
)

var (
	// ErrInvalidConfiguration rejects a malformed run before any gate fires.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrGateUnavailable marks gateway failures. The run still fails closed.
	ErrGateUnavailable = gate.ErrGateUnavailable

	// ErrUnknownApprovalID is returned when no pending request has the id.
	ErrUnknownApprovalID = approval.ErrUnknownApprovalID

	// ErrAlreadyResolved is returned for a second resolution of one request.
	ErrAlreadyResolved = approval.ErrAlreadyResolved

	// ErrToolError prefixes the reason of TOOL_ERROR step results.
	ErrToolError = errors.New("tool error")

	// ErrRunNotFound is returned by RunStore lookups.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunInterrupted is the abort cause of runs found mid-pipeline by
	// Reconcile.
	ErrRunInterrupted = errors.New("run interrupted before completion")

	// ErrIllegalTransition is returned when a state change is not an edge
	// of the run state machine.
	ErrIllegalTransition = errors.New("illegal run transition")
)

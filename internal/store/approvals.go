package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
)

const approvalColumns = `action_id, gate, action, actor_id, parameters, reason, run_id, resume_step, resume_phase,
	requested_at, resolution, resolved_by, resolved_at, resolution_comment`

// InsertApproval implements approval.Store.
func (s *Store) InsertApproval(ctx context.Context, r approval.Request) error {
	var params sql.NullString
	if r.Parameters != nil {
		raw, err := json.Marshal(r.Parameters)
		if err != nil {
			return fmt.Errorf("marshal approval parameters: %w", err)
		}
		params = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (action_id, gate, action, actor_id, parameters, reason, run_id, resume_step, resume_phase, requested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ActionID, string(r.Gate), r.Action, r.ActorID, params, r.Reason,
		r.Continuation.RunID, r.Continuation.ResumePoint.Step, r.Continuation.ResumePoint.Phase,
		formatTime(r.RequestedAt),
	)
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", r.ActionID, err)
	}
	return nil
}

// GetApproval implements approval.Store.
func (s *Store) GetApproval(ctx context.Context, actionID string) (approval.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE action_id = ?`, actionID)
	r, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Request{}, fmt.Errorf("%w: %s", approval.ErrUnknownApprovalID, actionID)
	}
	return r, err
}

// ResolveApproval implements approval.Store as a compare-and-set on the
// empty resolution.
func (s *Store) ResolveApproval(ctx context.Context, actionID string, res approval.Resolution, by, comment string, at time.Time) (approval.Request, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET resolution = ?, resolved_by = ?, resolved_at = ?, resolution_comment = ?
		 WHERE action_id = ? AND resolution = ''`,
		string(res), by, formatTime(at), comment, actionID)
	if err != nil {
		return approval.Request{}, fmt.Errorf("resolve approval %s: %w", actionID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return approval.Request{}, fmt.Errorf("resolve approval %s: %w", actionID, err)
	}

	r, err := s.GetApproval(ctx, actionID)
	if err != nil {
		return approval.Request{}, err
	}
	if n == 0 {
		return approval.Request{}, fmt.Errorf("%w: %s was %s", approval.ErrAlreadyResolved, actionID, r.Resolution)
	}
	return r, nil
}

// ListApprovals implements approval.Store.
func (s *Store) ListApprovals(ctx context.Context, f approval.ListFilter) ([]approval.Request, error) {
	var (
		clauses []string
		args    []any
	)
	switch f.Status {
	case approval.StatusPending:
		clauses = append(clauses, "resolution = ''")
	case approval.StatusResolved:
		clauses = append(clauses, "resolution != ''")
	}
	if f.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, f.RunID)
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY requested_at, rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := []approval.Request{}
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanApproval(sc scanner) (approval.Request, error) {
	var (
		r           approval.Request
		g           string
		params      sql.NullString
		requestedAt string
		resolution  string
		resolvedAt  sql.NullString
	)
	err := sc.Scan(&r.ActionID, &g, &r.Action, &r.ActorID, &params, &r.Reason,
		&r.Continuation.RunID, &r.Continuation.ResumePoint.Step, &r.Continuation.ResumePoint.Phase,
		&requestedAt, &resolution, &r.ResolvedBy, &resolvedAt, &r.ResolutionComment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return approval.Request{}, err
		}
		return approval.Request{}, fmt.Errorf("scan approval: %w", err)
	}
	r.Gate = gate.Gate(g)
	r.Resolution = approval.Resolution(resolution)
	if r.RequestedAt, err = parseTime(requestedAt); err != nil {
		return approval.Request{}, err
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return approval.Request{}, err
		}
		r.ResolvedAt = &t
	}
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &r.Parameters); err != nil {
			return approval.Request{}, fmt.Errorf("decode parameters of %s: %w", r.ActionID, err)
		}
	}
	return r, nil
}

var _ approval.Store = (*Store)(nil)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
)

// SaveRun implements orchestrator.RunStore. The run is stored as JSON with
// the columns needed for lookups alongside.
func (s *Store) SaveRun(ctx context.Context, r *orchestrator.Run) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, actor_id, session_id, state, created_at, updated_at, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at, body = excluded.body`,
		r.ID, r.ActorID, r.SessionID, string(r.State), formatTime(r.CreatedAt), formatTime(r.UpdatedAt), string(body))
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun implements orchestrator.RunStore.
func (s *Store) GetRun(ctx context.Context, id string) (*orchestrator.Run, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return decodeRun(body)
}

// ListRuns implements orchestrator.RunStore.
func (s *Store) ListRuns(ctx context.Context, f orchestrator.RunFilter) ([]*orchestrator.Run, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Active {
		clauses = append(clauses, "state NOT IN (?, ?)")
		args = append(args, string(orchestrator.StateCompleted), string(orchestrator.StateDenied))
	}
	query := `SELECT body FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []*orchestrator.Run{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r, err := decodeRun(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeRun(body string) (*orchestrator.Run, error) {
	var r orchestrator.Run
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &r, nil
}

var _ orchestrator.RunStore = (*Store)(nil)

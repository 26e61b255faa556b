package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
)

const eventColumns = `sequence, id, ts, gate, action, actor_id, run_id, decision, controls, evidence, reason, previous_hash, entry_hash`

// AppendEvent implements audit.Store.
func (s *Store) AppendEvent(ctx context.Context, e audit.Event) error {
	controls := e.ControlsApplied
	if controls == nil {
		controls = []string{}
	}
	controlsJSON, err := json.Marshal(controls)
	if err != nil {
		return fmt.Errorf("marshal controls: %w", err)
	}
	var evidence sql.NullString
	if e.Evidence != nil {
		raw, err := json.Marshal(e.Evidence)
		if err != nil {
			return fmt.Errorf("marshal evidence: %w", err)
		}
		evidence = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gate_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.Sequence), e.ID, formatTime(e.Timestamp), string(e.Gate), e.Action, e.ActorID, e.RunID,
		string(e.Decision), string(controlsJSON), evidence, e.Reason, e.PreviousHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("insert gate event %d: %w", e.Sequence, err)
	}
	return nil
}

// whereEvents renders every filter criterion except free text.
func whereEvents(f audit.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Gate != "" {
		clauses = append(clauses, "gate = ?")
		args = append(args, string(f.Gate))
	}
	if f.Decision != "" {
		clauses = append(clauses, "decision = ?")
		args = append(args, string(f.Decision))
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, f.RunID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, formatTime(f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryEvents implements audit.Store. Free-text matching runs in Go over
// the same haystack as the in-memory store.
func (s *Store) QueryEvents(ctx context.Context, f audit.Filter) (audit.Page, error) {
	f = f.Normalize()
	page := audit.Page{Events: []audit.Event{}, Offset: f.Offset, Limit: f.Limit}

	if f.Text != "" {
		all, err := s.ListEvents(ctx, f)
		if err != nil {
			return audit.Page{}, err
		}
		page.Total = len(all)
		if f.Offset < len(all) {
			end := f.Offset + f.Limit
			if end > len(all) {
				end = len(all)
			}
			page.Events = append(page.Events, all[f.Offset:end]...)
		}
		return page, nil
	}

	where, args := whereEvents(f)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gate_events`+where, args...).Scan(&page.Total); err != nil {
		return audit.Page{}, fmt.Errorf("count gate events: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM gate_events`+where+` ORDER BY sequence LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return audit.Page{}, fmt.Errorf("query gate events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return audit.Page{}, err
		}
		page.Events = append(page.Events, e)
	}
	return page, rows.Err()
}

// ListEvents implements audit.Store.
func (s *Store) ListEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	where, args := whereEvents(f)
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM gate_events`+where+` ORDER BY sequence`, args...)
	if err != nil {
		return nil, fmt.Errorf("list gate events: %w", err)
	}
	defer rows.Close()

	out := []audit.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if f.Text != "" && !f.Match(e) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastEvent implements audit.Store.
func (s *Store) LastEvent(ctx context.Context) (*audit.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM gate_events ORDER BY sequence DESC LIMIT 1`)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (audit.Event, error) {
	var (
		e        audit.Event
		seq      int64
		ts       string
		g, d     string
		controls string
		evidence sql.NullString
	)
	err := sc.Scan(&seq, &e.ID, &ts, &g, &e.Action, &e.ActorID, &e.RunID, &d,
		&controls, &evidence, &e.Reason, &e.PreviousHash, &e.EntryHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.Event{}, err
		}
		return audit.Event{}, fmt.Errorf("scan gate event: %w", err)
	}
	e.Sequence = uint64(seq)
	e.Gate = gate.Gate(g)
	e.Decision = gate.Decision(d)
	if e.Timestamp, err = parseTime(ts); err != nil {
		return audit.Event{}, err
	}
	if err := json.Unmarshal([]byte(controls), &e.ControlsApplied); err != nil {
		return audit.Event{}, fmt.Errorf("decode controls of %d: %w", seq, err)
	}
	if evidence.Valid {
		if err := json.Unmarshal([]byte(evidence.String), &e.Evidence); err != nil {
			return audit.Event{}, fmt.Errorf("decode evidence of %d: %w", seq, err)
		}
	}
	return e, nil
}

var _ audit.Store = (*Store)(nil)

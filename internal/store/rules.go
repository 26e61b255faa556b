package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/gatewarden/internal/rules"
)

const ruleColumns = `id, external_id, source_document_id, source_document_name, text, rule_type,
	key_requirements, time_periods, confidence, method, context, extracted_at`

const conflictColumns = `id, baseline_rule_id, rule_id, conflict_type, detected_at, resolution, notes, resolved_at`

// InsertRule implements rules.Store. A rule whose (source document, text)
// pair is already stored is left alone and the stored row is returned.
func (s *Store) InsertRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	reqs, err := json.Marshal(nonNil(r.KeyRequirements))
	if err != nil {
		return rules.Rule{}, fmt.Errorf("marshal key requirements: %w", err)
	}
	periods, err := json.Marshal(nonNil(r.TimePeriods))
	if err != nil {
		return rules.Rule{}, fmt.Errorf("marshal time periods: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extracted_rules (`+ruleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_document_id, text) DO NOTHING`,
		r.ID, r.ExternalID, r.SourceDocumentID, r.SourceDocumentName, r.Text, string(r.RuleType),
		string(reqs), string(periods), r.Confidence, string(r.Method), r.Context, formatTime(r.ExtractedAt))
	if err != nil {
		return rules.Rule{}, fmt.Errorf("insert rule %s: %w", r.ID, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM extracted_rules WHERE source_document_id = ? AND text = ?`,
		r.SourceDocumentID, r.Text)
	stored, err := scanRule(row)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("read back rule %s: %w", r.ID, err)
	}
	return stored, nil
}

// ListRules implements rules.Store.
func (s *Store) ListRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM extracted_rules ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	out := []rules.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertConflict implements rules.Store.
func (s *Store) InsertConflict(ctx context.Context, c rules.Conflict) (rules.Conflict, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflicts (`+conflictColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(baseline_rule_id, rule_id) DO NOTHING`,
		c.ID, c.BaselineRuleID, c.RuleID, c.ConflictType, formatTime(c.DetectedAt),
		string(c.Resolution), c.Notes, nullTime(c.ResolvedAt))
	if err != nil {
		return rules.Conflict{}, fmt.Errorf("insert conflict %s: %w", c.ID, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE baseline_rule_id = ? AND rule_id = ?`,
		c.BaselineRuleID, c.RuleID)
	stored, err := scanConflict(row)
	if err != nil {
		return rules.Conflict{}, fmt.Errorf("read back conflict %s: %w", c.ID, err)
	}
	return stored, nil
}

// UpdateConflict implements rules.Store.
func (s *Store) UpdateConflict(ctx context.Context, c rules.Conflict) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET resolution = ?, notes = ?, resolved_at = ? WHERE id = ?`,
		string(c.Resolution), c.Notes, nullTime(c.ResolvedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update conflict %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conflict %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", rules.ErrConflictNotFound, c.ID)
	}
	return nil
}

// ListConflicts implements rules.Store.
func (s *Store) ListConflicts(ctx context.Context) ([]rules.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := []rules.Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanRule(sc scanner) (rules.Rule, error) {
	var (
		r                    rules.Rule
		ruleType, method     string
		reqs, periods, stamp string
	)
	if err := sc.Scan(&r.ID, &r.ExternalID, &r.SourceDocumentID, &r.SourceDocumentName, &r.Text, &ruleType,
		&reqs, &periods, &r.Confidence, &method, &r.Context, &stamp); err != nil {
		return rules.Rule{}, fmt.Errorf("scan rule: %w", err)
	}
	r.RuleType = rules.RuleType(ruleType)
	r.Method = rules.Method(method)
	if err := json.Unmarshal([]byte(reqs), &r.KeyRequirements); err != nil {
		return rules.Rule{}, fmt.Errorf("decode key requirements of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(periods), &r.TimePeriods); err != nil {
		return rules.Rule{}, fmt.Errorf("decode time periods of rule %s: %w", r.ID, err)
	}
	t, err := parseTime(stamp)
	if err != nil {
		return rules.Rule{}, err
	}
	r.ExtractedAt = t
	return r, nil
}

func scanConflict(sc scanner) (rules.Conflict, error) {
	var (
		c          rules.Conflict
		resolution string
		detected   string
		resolved   sql.NullString
	)
	if err := sc.Scan(&c.ID, &c.BaselineRuleID, &c.RuleID, &c.ConflictType, &detected,
		&resolution, &c.Notes, &resolved); err != nil {
		return rules.Conflict{}, fmt.Errorf("scan conflict: %w", err)
	}
	c.Resolution = rules.Resolution(resolution)
	t, err := parseTime(detected)
	if err != nil {
		return rules.Conflict{}, err
	}
	c.DetectedAt = t
	if resolved.Valid {
		rt, err := parseTime(resolved.String)
		if err != nil {
			return rules.Conflict{}, err
		}
		c.ResolvedAt = &rt
	}
	return c, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ rules.Store = (*Store)(nil)

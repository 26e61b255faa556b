package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/gatewarden/internal/documents"
)

const documentColumns = `id, name, content_type, size, uploaded_at, status, error, extracted_text`

// InsertDocument implements documents.Backend.
func (s *Store) InsertDocument(ctx context.Context, d documents.Document, content []byte) error {
	if content == nil {
		content = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`, content) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.ContentType, d.Size, formatTime(d.UploadedAt), string(d.Status), d.Error,
		nullString(d.ExtractedText), content)
	if err != nil {
		return fmt.Errorf("insert document %s: %w", d.ID, err)
	}
	return nil
}

// GetDocument implements documents.Backend.
func (s *Store) GetDocument(ctx context.Context, id string) (documents.Document, []byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+`, content FROM documents WHERE id = ?`, id)
	var content []byte
	d, err := scanDocument(row, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return documents.Document{}, nil, fmt.Errorf("%w: %s", documents.ErrNotFound, id)
	}
	if err != nil {
		return documents.Document{}, nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, content, nil
}

// UpdateDocument implements documents.Backend.
func (s *Store) UpdateDocument(ctx context.Context, d documents.Document) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error = ?, extracted_text = ? WHERE id = ?`,
		string(d.Status), d.Error, nullString(d.ExtractedText), d.ID)
	if err != nil {
		return fmt.Errorf("update document %s: %w", d.ID, err)
	}
	return documentChanged(res, d.ID)
}

// DeleteDocument implements documents.Backend.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return documentChanged(res, id)
}

// ListDocuments implements documents.Backend. Content is not loaded.
func (s *Store) ListDocuments(ctx context.Context) ([]documents.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := []documents.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// scanDocument reads documentColumns, followed by the content column when
// content is given.
func scanDocument(sc scanner, content ...*[]byte) (documents.Document, error) {
	var (
		d      documents.Document
		stamp  string
		status string
		text   sql.NullString
	)
	dest := []any{&d.ID, &d.Name, &d.ContentType, &d.Size, &stamp, &status, &d.Error, &text}
	for _, c := range content {
		dest = append(dest, c)
	}
	if err := sc.Scan(dest...); err != nil {
		return documents.Document{}, err
	}
	t, err := parseTime(stamp)
	if err != nil {
		return documents.Document{}, err
	}
	d.UploadedAt = t
	d.Status = documents.Status(status)
	if text.Valid {
		d.ExtractedText = &text.String
	}
	return d, nil
}

func documentChanged(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", documents.ErrNotFound, id)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var _ documents.Backend = (*Store)(nil)

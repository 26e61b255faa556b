// Package documents holds uploaded organizational documents and the plain
// text extracted from them.
//
// Documents live in a Backend: process memory by default, or the SQLite
// state store. Only plain text and markdown are decoded. Byte order marks
// select UTF-8 or UTF-16; anything else must already be valid UTF-8. Other
// content types are kept but marked with an error status when extraction
// is attempted.
package documents

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// MaxSize bounds a single upload.
const MaxSize = 10 << 20

var (
	// ErrNotFound is returned for an unknown document id.
	ErrNotFound = errors.New("document not found")
	// ErrUnsupportedType is returned when text cannot be extracted from a content type.
	ErrUnsupportedType = errors.New("unsupported content type")
	// ErrTooLarge is returned for uploads above MaxSize.
	ErrTooLarge = errors.New("document too large")
	// ErrInvalidDocument is returned for uploads without a name or content.
	ErrInvalidDocument = errors.New("invalid document")
)

// Status is where a document is in its lifecycle.
type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusExtracted Status = "extracted"
	StatusError     Status = "error"
)

// Document is the metadata view of an upload. Raw bytes are never included.
type Document struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ContentType   string    `json:"content_type"`
	Size          int       `json:"size"`
	UploadedAt    time.Time `json:"uploaded_at"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	ExtractedText *string   `json:"extracted_text,omitempty"`
}

// StatusLabel renders the status the way it is shown to operators,
// e.g. "error(unsupported content type application/pdf)".
func (d Document) StatusLabel() string {
	if d.Status == StatusError && d.Error != "" {
		return fmt.Sprintf("%s(%s)", d.Status, d.Error)
	}
	return string(d.Status)
}

// Option configures a Store.
type Option func(*Store)

// WithBackend keeps documents in b instead of process memory.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// Store validates uploads and extracts their text over a Backend.
type Store struct {
	backend Backend
	logger  *zap.Logger
	now     func() time.Time

	// mu serialises extraction so a document is decoded and recorded once
	// at a time.
	mu sync.Mutex
}

// NewStore creates a document store, in memory unless WithBackend is given.
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend == nil {
		s.backend = NewMemoryBackend()
	}
	return s
}

// Add stores a copy of content under a new id.
func (s *Store) Add(ctx context.Context, name, contentType string, content []byte) (Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Document{}, fmt.Errorf("%w: name is required", ErrInvalidDocument)
	}
	if len(content) == 0 {
		return Document{}, fmt.Errorf("%w: %s is empty", ErrInvalidDocument, name)
	}
	if len(content) > MaxSize {
		return Document{}, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(content), MaxSize)
	}
	if contentType == "" {
		contentType = typeFromName(name)
	}

	doc := Document{
		ID:          uuid.NewString(),
		Name:        name,
		ContentType: contentType,
		Size:        len(content),
		UploadedAt:  s.now().UTC(),
		Status:      StatusUploaded,
	}
	if err := s.backend.InsertDocument(ctx, doc, content); err != nil {
		return Document{}, fmt.Errorf("store document %s: %w", name, err)
	}

	s.logger.Info("document added",
		zap.String("document_id", doc.ID),
		zap.String("name", name),
		zap.String("content_type", contentType),
		zap.Int("size", len(content)))
	return doc, nil
}

// Remove deletes a document. It reports ErrNotFound for unknown ids.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.backend.DeleteDocument(ctx, id)
}

// Get returns the metadata of one document.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	doc, _, err := s.backend.GetDocument(ctx, id)
	return doc, err
}

// List returns all documents in upload order.
func (s *Store) List(ctx context.Context) ([]Document, error) {
	return s.backend.ListDocuments(ctx)
}

// ExtractText decodes the document and records the result. A failure sets
// the document status to error and is also returned.
func (s *Store) ExtractText(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, content, err := s.backend.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}

	text, extractErr := extract(doc.Name, doc.ContentType, content)
	if extractErr != nil {
		doc.Status = StatusError
		doc.Error = extractErr.Error()
		doc.ExtractedText = nil
	} else {
		doc.Status = StatusExtracted
		doc.Error = ""
		doc.ExtractedText = &text
	}
	if err := s.backend.UpdateDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("record extraction of %s: %w", id, err)
	}
	if extractErr != nil {
		s.logger.Warn("text extraction failed",
			zap.String("document_id", id),
			zap.Error(extractErr))
		return "", extractErr
	}
	return text, nil
}

// Text returns the extracted text, extracting first if needed.
func (s *Store) Text(ctx context.Context, id string) (Document, string, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return Document{}, "", err
	}
	if doc.ExtractedText != nil {
		return doc, *doc.ExtractedText, nil
	}
	text, err := s.ExtractText(ctx, id)
	if err != nil {
		return Document{}, "", err
	}
	doc, err = s.Get(ctx, id)
	return doc, text, err
}

// Sorted returns documents ordered by name, for stable listings.
func Sorted(docs []Document) []Document {
	out := append([]Document(nil), docs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func typeFromName(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".txt":
		return "text/plain"
	case ".md", ".markdown":
		return "text/markdown"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	return "application/octet-stream"
}

// textual reports whether contentType (or, failing that, the file name)
// names a plain text or markdown document.
func textual(name, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if base, _, ok := strings.Cut(ct, ";"); ok {
		ct = strings.TrimSpace(base)
	}
	switch {
	case ct == "text/plain", strings.HasSuffix(ct, ".txt"):
		return true
	case strings.Contains(ct, "markdown"), strings.HasSuffix(ct, ".md"):
		return true
	case ct == "" || ct == "application/octet-stream":
		ext := strings.ToLower(path.Ext(name))
		return ext == ".txt" || ext == ".md" || ext == ".markdown"
	}
	return false
}

func extract(name, contentType string, content []byte) (string, error) {
	if !textual(name, contentType) {
		return "", fmt.Errorf("%w %s", ErrUnsupportedType, contentType)
	}
	return decode(content)
}

// decode honours a UTF-8 or UTF-16 byte order mark and strips it. Invalid
// UTF-8 sequences become U+FFFD.
func decode(content []byte) (string, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, content)
	if err != nil {
		return "", fmt.Errorf("decode text: %w", err)
	}
	return string(out), nil
}

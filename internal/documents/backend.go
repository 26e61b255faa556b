package documents

import (
	"context"
	"fmt"
	"sync"
)

// Backend persists documents together with their raw bytes.
type Backend interface {
	InsertDocument(ctx context.Context, d Document, content []byte) error
	// GetDocument returns ErrNotFound for unknown ids.
	GetDocument(ctx context.Context, id string) (Document, []byte, error)
	// UpdateDocument overwrites the extraction fields: status, error and
	// extracted text.
	UpdateDocument(ctx context.Context, d Document) error
	DeleteDocument(ctx context.Context, id string) error
	// ListDocuments returns documents in upload order.
	ListDocuments(ctx context.Context) ([]Document, error)
}

type entry struct {
	doc     Document
	content []byte
}

// MemoryBackend keeps documents in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	docs  map[string]*entry
	order []string
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]*entry)}
}

func (b *MemoryBackend) InsertDocument(_ context.Context, d Document, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.docs[d.ID]; ok {
		return fmt.Errorf("document %s already exists", d.ID)
	}
	b.docs[d.ID] = &entry{doc: d, content: append([]byte(nil), content...)}
	b.order = append(b.order, d.ID)
	return nil
}

func (b *MemoryBackend) GetDocument(_ context.Context, id string) (Document, []byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.docs[id]
	if !ok {
		return Document{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.doc, e.content, nil
}

func (b *MemoryBackend) UpdateDocument(_ context.Context, d Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.docs[d.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, d.ID)
	}
	e.doc.Status = d.Status
	e.doc.Error = d.Error
	e.doc.ExtractedText = d.ExtractedText
	return nil
}

func (b *MemoryBackend) DeleteDocument(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.docs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(b.docs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *MemoryBackend) ListDocuments(context.Context) ([]Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Document, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.docs[id].doc)
	}
	return out, nil
}

var _ Backend = (*MemoryBackend)(nil)

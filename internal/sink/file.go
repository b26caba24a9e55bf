package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"vigil/internal/models"
)

// File appends annotated records as NDJSON to a local file. Local-dev
// sink; downstream dedup on the idempotency key is the reader's job.
type File struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	seen map[string]struct{}
}

// NewFile opens (or creates) the output file in append mode.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("file sink path is empty")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sink directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	return &File{
		f:    f,
		enc:  json.NewEncoder(f),
		seen: make(map[string]struct{}),
	}, nil
}

// Write appends one record as a JSON line. Records whose idempotency
// key was already written in this process are dropped, mirroring the
// ReplacingMergeTree behavior of the production sink.
func (s *File) Write(_ context.Context, rec *models.AnnotatedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[rec.IdempotencyKey]; dup {
		return nil
	}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("write sink file: %w", err)
	}
	s.seen[rec.IdempotencyKey] = struct{}{}
	return nil
}

// Close syncs and closes the file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

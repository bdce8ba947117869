// Package sink delivers collected Sandfly records to their destination.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category tags an emitted record with the kind of Sandfly data it holds.
type Category string

const (
	CategoryHost   Category = "sandfly:host"
	CategoryResult Category = "sandfly:result"
)

// Event is one record handed to a sink.
type Event struct {
	// Source is the configured source name the record came from.
	Source   string
	Category Category
	Time     time.Time
	// Data is the record exactly as returned by the Sandfly API.
	Data json.RawMessage
}

// Sink receives events. Emit may buffer; an event only counts as delivered
// once a subsequent Flush returns nil.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Flush(ctx context.Context) error
	Close() error
}

// envelope is the line format written by JSONLines.
type envelope struct {
	Time       time.Time       `json:"time"`
	Source     string          `json:"source"`
	SourceType Category        `json:"sourcetype"`
	Event      json.RawMessage `json:"event"`
}

func marshalEvent(ev Event) ([]byte, error) {
	if !json.Valid(ev.Data) {
		return nil, fmt.Errorf("event from %s (%s) is not valid JSON", ev.Source, ev.Category)
	}
	return json.Marshal(envelope{
		Time:       ev.Time.UTC(),
		Source:     ev.Source,
		SourceType: ev.Category,
		Event:      ev.Data,
	})
}

// ---------------------------------------------------------------------------
// JSON lines
// ---------------------------------------------------------------------------

// JSONLines writes one JSON object per line to an io.Writer.
type JSONLines struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	file   *os.File
}

// NewJSONLines writes to w. Close does not close w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: bufio.NewWriter(w)}
}

// OpenFile appends to the file at path, creating it and its parent directory
// when missing.
func OpenFile(path string) (*JSONLines, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	return &JSONLines{w: bufio.NewWriter(f), closer: f, file: f}, nil
}

func (s *JSONLines) Emit(_ context.Context, ev Event) error {
	line, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Flush pushes buffered lines to the writer, and to stable storage when the
// sink owns a file.
func (s *JSONLines) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush events: %w", err)
	}
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sync events: %w", err)
		}
	}
	return nil
}

func (s *JSONLines) Close() error {
	err := s.Flush(context.Background())
	if s.closer != nil {
		if cerr := s.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

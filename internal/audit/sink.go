// Package audit persists the audit event stream to append-only JSONL
// files, one directory per record kind, one file per day.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink writes audit events durably. Persist is the bus AuditHandler; it
// returns only after the line is on disk so the consumer acks nothing
// it could lose.
type Sink struct {
	dir    string
	logger *logrus.Entry

	mu    sync.Mutex
	files map[string]*openFile
}

type openFile struct {
	path string
	f    *os.File
}

// record is one persisted line.
type record struct {
	Subject    string          `json:"subject"`
	ReceivedAt time.Time       `json:"received_at"`
	Event      json.RawMessage `json:"event"`
}

// NewSink creates the sink rooted at dir.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory %s: %w", dir, err)
	}
	return &Sink{
		dir:    dir,
		logger: logrus.WithField("component", "audit-sink"),
		files:  make(map[string]*openFile),
	}, nil
}

// Persist appends one event line and syncs it to disk.
func (s *Sink) Persist(subject string, data []byte) error {
	line, err := json.Marshal(&record{
		Subject:    subject,
		ReceivedAt: time.Now().UTC(),
		Event:      json.RawMessage(data),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileFor(kindOf(subject))
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit file: %w", err)
	}
	return nil
}

// Close flushes and closes every open file.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, of := range s.files {
		if err := of.f.Close(); err != nil {
			s.logger.Errorf("Failed to close audit file %s: %v", of.path, err)
		}
		delete(s.files, kind)
	}
}

// fileFor returns today's file for a kind, rolling over at date change.
// Caller holds the mutex.
func (s *Sink) fileFor(kind string) (*os.File, error) {
	path := filepath.Join(s.dir, kind, time.Now().UTC().Format("2006-01-02")+".jsonl")

	if of, ok := s.files[kind]; ok {
		if of.path == path {
			return of.f, nil
		}
		if err := of.f.Close(); err != nil {
			s.logger.Errorf("Failed to close audit file %s: %v", of.path, err)
		}
		delete(s.files, kind)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory for %s: %w", kind, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}
	s.files[kind] = &openFile{path: path, f: f}
	s.logger.Infof("Opened audit file %s", path)
	return f, nil
}

// kindOf maps a subject to its directory. Unknown shapes land in "misc".
func kindOf(subject string) string {
	rest := strings.TrimPrefix(subject, "audit.")
	if rest == "" || rest == subject {
		return "misc"
	}
	return strings.ReplaceAll(rest, ".", "_")
}

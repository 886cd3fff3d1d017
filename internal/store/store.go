// Package store implements the append-only, file-based session log: one
// JSONL file per session plus a top-level index.json summary updated via
// atomic temp-file-then-rename. This is the sole durable source of truth —
// any derived index (internal/store/queryindex) is rebuildable from it.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tracewarden/tracewarden/internal/errs"
	"github.com/tracewarden/tracewarden/internal/eventlog"
)

// IndexEntry summarizes one session in the top-level index.json.
type IndexEntry struct {
	SessionID string            `json:"session_id"`
	Name      string            `json:"name,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Status    string            `json:"status"`
	LogFile   string            `json:"log_file"`
	Summary   *eventlog.Summary `json:"summary,omitempty"`
}

type index struct {
	Sessions []IndexEntry `json:"sessions"`
}

// Store is the file-based session log.
type Store struct {
	root string

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	logPath string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// sessionPath resolves a session's log file path, refusing to escape root.
func (s *Store) sessionPath(sessionID, fileName string) (string, error) {
	p := filepath.Join(s.root, "sessions", fileName)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errs.New(errs.CodePathEscape, fmt.Sprintf("resolved path for session %s escapes store root", sessionID))
	}
	return p, nil
}

// CreateSession opens (creating if needed) the session's JSONL log file and
// registers it in index.json with status "created".
func (s *Store) CreateSession(sessionID string, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "sessions")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating sessions dir: %w", err)
	}
	fileName := fmt.Sprintf("%s_session-%s.jsonl", startedAt.UTC().Format("2006-01-02_15-04-05"), sessionID)
	path, err := s.sessionPath(sessionID, fileName)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return "", fmt.Errorf("creating session log %s: %w", path, err)
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	s.logPath = path

	if err := s.updateIndex(sessionID, func(e *IndexEntry) {
		e.SessionID = sessionID
		e.StartedAt = startedAt
		e.Status = "created"
		e.LogFile = fileName
	}); err != nil {
		return "", err
	}
	return path, nil
}

// SetMetadata records an operator-supplied session name and tags (the
// --session-name and --tag CLI flags) against an already-created session's
// index entry.
func (s *Store) SetMetadata(sessionID, name string, tags []string) error {
	return s.updateIndex(sessionID, func(e *IndexEntry) {
		e.Name = name
		e.Tags = tags
	})
}

// AppendBatch writes a batch of events as newline-delimited JSON and fsyncs
// at the batch boundary. Implements pipeline.Appender.
func (s *Store) AppendBatch(ctx context.Context, sessionID string, events []eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return errs.New(errs.CodeAppendFailed, "no open session log file")
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return errs.Wrap(errs.CodeAppendFailed, "marshaling event", err)
		}
		if _, err := s.w.Write(data); err != nil {
			return errs.Wrap(errs.CodeAppendFailed, "writing event", err)
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return errs.Wrap(errs.CodeAppendFailed, "writing newline", err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return errs.Wrap(errs.CodeAppendFailed, "flushing buffer", err)
	}
	if err := s.file.Sync(); err != nil {
		return errs.Wrap(errs.CodeAppendFailed, "fsyncing log file", err)
	}
	return nil
}

// Finalize flushes and closes the session's log file, computes its summary
// in a second pass over the now-complete log, and records both the summary
// and the final status in index.json.
func (s *Store) Finalize(sessionID string, endedAt time.Time, status string) error {
	s.mu.Lock()
	if s.w != nil {
		_ = s.w.Flush()
	}
	if s.file != nil {
		_ = s.file.Sync()
	}
	logPath := s.logPath
	s.mu.Unlock()

	summary, err := summarizeLog(logPath)
	if err != nil {
		summary = &eventlog.Summary{}
	}

	s.mu.Lock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
		s.w = nil
	}
	s.mu.Unlock()

	return s.updateIndex(sessionID, func(e *IndexEntry) {
		e.EndedAt = &endedAt
		e.Status = status
		e.Summary = summary
	})
}

// summarizeLog scans a session's JSONL file line by line and aggregates the
// counters eventlog.Summary reports on the session's index entry. It runs after every
// event has already been durably appended, so it always sees the complete
// session.
func summarizeLog(path string) (*eventlog.Summary, error) {
	summary := &eventlog.Summary{}
	if path == "" {
		return summary, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return summary, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev eventlog.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Kind {
		case eventlog.KindAIRequest:
			summary.TotalRequests++
			summary.AIRequests++
		case eventlog.KindHTTPRequest:
			summary.TotalRequests++
			summary.OtherRequests++
		case eventlog.KindAIResponse:
			if ev.Usage != nil {
				summary.TotalInputToks += ev.Usage.InputTokens
				summary.TotalOutputToks += ev.Usage.OutputTokens
			}
			if ev.Cost != nil {
				summary.TotalCost += ev.Cost.Total
				if summary.CostCurrency == "" {
					summary.CostCurrency = ev.Cost.Currency
				}
			}
		}
	}
	return summary, scanner.Err()
}

// updateIndex atomically rewrites index.json with the mutation applied to
// the entry for sessionID (creating it if absent).
func (s *Store) updateIndex(sessionID string, mutate func(*IndexEntry)) error {
	path := filepath.Join(s.root, "index.json")

	idx, err := readIndex(path)
	if err != nil {
		return err
	}

	found := false
	for i := range idx.Sessions {
		if idx.Sessions[i].SessionID == sessionID {
			mutate(&idx.Sessions[i])
			found = true
			break
		}
	}
	if !found {
		var e IndexEntry
		mutate(&e)
		idx.Sessions = append(idx.Sessions, e)
	}

	return writeIndexAtomic(s.root, path, idx)
}

func readIndex(path string) (*index, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &index{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading index.json: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing index.json: %w", err)
	}
	return &idx, nil
}

func writeIndexAtomic(root, path string, idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling index.json: %w", err)
	}
	tmp, err := os.CreateTemp(root, "index-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsyncing temp index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp index file: %w", err)
	}
	return nil
}

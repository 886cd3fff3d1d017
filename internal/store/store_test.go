package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracewarden/tracewarden/internal/eventlog"
)

func TestCreateSessionAndAppend(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	path, err := s.CreateSession("sess-1", started)
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}

	err = s.AppendBatch(context.Background(), "sess-1", []eventlog.Event{
		{Kind: eventlog.KindSessionStart, Timestamp: started, SessionID: "sess-1"},
	})
	if err != nil {
		t.Fatalf("AppendBatch() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	var ev eventlog.Event
	if err := json.Unmarshal(data[:len(data)-1], &ev); err != nil {
		t.Fatalf("unmarshaling appended line: %v", err)
	}
	if ev.Kind != eventlog.KindSessionStart {
		t.Errorf("Kind = %v, want session_start", ev.Kind)
	}
}

func TestCreateSession_RegistersIndexEntry(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	started := time.Now().UTC()
	if _, err := s.CreateSession("sess-2", started); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	idxPath := filepath.Join(dir, "index.json")
	data, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatalf("reading index.json: %v", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		t.Fatalf("unmarshaling index.json: %v", err)
	}
	if len(idx.Sessions) != 1 || idx.Sessions[0].SessionID != "sess-2" {
		t.Fatalf("index.Sessions = %+v, want one entry for sess-2", idx.Sessions)
	}
	if idx.Sessions[0].Status != "created" {
		t.Errorf("Status = %q, want created", idx.Sessions[0].Status)
	}
}

func TestFinalize_ComputesSummaryFromLogAndClosesFile(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	started := time.Now().UTC()
	if _, err := s.CreateSession("sess-3", started); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	err := s.AppendBatch(context.Background(), "sess-3", []eventlog.Event{
		{Kind: eventlog.KindSessionStart, Timestamp: started, SessionID: "sess-3"},
		{Kind: eventlog.KindAIRequest, Timestamp: started, SessionID: "sess-3"},
		{
			Kind: eventlog.KindAIResponse, Timestamp: started, SessionID: "sess-3",
			Usage: &eventlog.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
			Cost:  &eventlog.Cost{Total: 0.01, Currency: "USD"},
		},
		{Kind: eventlog.KindHTTPRequest, Timestamp: started, SessionID: "sess-3"},
	})
	if err != nil {
		t.Fatalf("AppendBatch() error: %v", err)
	}

	ended := started.Add(time.Minute)
	if err := s.Finalize("sess-3", ended, "terminated"); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		t.Fatalf("reading index.json: %v", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		t.Fatalf("unmarshaling index.json: %v", err)
	}
	entry := idx.Sessions[0]
	if entry.Status != "terminated" {
		t.Errorf("Status = %q, want terminated", entry.Status)
	}
	if entry.Summary == nil {
		t.Fatal("expected a computed summary")
	}
	if entry.Summary.TotalRequests != 2 || entry.Summary.AIRequests != 1 || entry.Summary.OtherRequests != 1 {
		t.Errorf("Summary = %+v, want 2 total (1 AI, 1 other)", entry.Summary)
	}
	if entry.Summary.TotalInputToks != 100 || entry.Summary.TotalOutputToks != 50 {
		t.Errorf("Summary token totals = %+v, want 100/50", entry.Summary)
	}
	if entry.Summary.TotalCost != 0.01 || entry.Summary.CostCurrency != "USD" {
		t.Errorf("Summary cost = %+v, want 0.01 USD", entry.Summary)
	}
	if entry.EndedAt == nil {
		t.Error("EndedAt should be set after Finalize")
	}
}

func TestAppendBatch_WithoutSessionFails(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir)
	err := s.AppendBatch(context.Background(), "sess-none", []eventlog.Event{
		{Kind: eventlog.KindError, Timestamp: time.Now(), SessionID: "sess-none"},
	})
	if err == nil {
		t.Error("AppendBatch() without CreateSession should fail")
	}
}

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tracewarden/tracewarden/internal/eventlog"
)

type fakeProxy struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	addr     string
	startErr error
}

func (f *fakeProxy) Start(bindAddress string) (*StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = true
	return &StartResult{Addr: "127.0.0.1:9", CACertPEM: []byte("-----BEGIN CERTIFICATE-----\ntest\n-----END CERTIFICATE-----\n")}, nil
}

func (f *fakeProxy) Stop(ctx context.Context, graceMs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	created   []string
	finalized []string
	status    string
}

func (f *fakeStore) CreateSession(sessionID string, startedAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, sessionID)
	return sessionID, nil
}

func (f *fakeStore) SetMetadata(sessionID, name string, tags []string) error {
	return nil
}

func (f *fakeStore) Finalize(sessionID string, endedAt time.Time, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, sessionID)
	f.status = status
	return nil
}

// fakeSink records every event submitted to it, standing in for the
// pipeline so tests can assert session_start/session_end actually flow
// through without standing up a real Pipeline.
type fakeSink struct {
	mu     sync.Mutex
	events []eventlog.Event
	stopped bool
}

func (f *fakeSink) Submit(ev eventlog.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return true
}

func (f *fakeSink) Stop(ctx context.Context) {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeSink) kinds() []eventlog.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]eventlog.Kind, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Kind
	}
	return out
}

func TestSupervisor_StartAndWait_SuccessfulExit(t *testing.T) {
	proxy := &fakeProxy{}
	store := &fakeStore{}
	sink := &fakeSink{}
	id, internalID := GenerateIDs()
	sup := New(id, internalID, proxy, store, sink, nil)

	if sup.ID == "" || sup.InternalID == "" {
		t.Fatal("expected non-empty session IDs")
	}

	ctx := context.Background()
	err := sup.Start(ctx, RunOptions{
		Command:     []string{"true"},
		BindAddress: "127.0.0.1:0",
		CADir:       t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !proxy.started {
		t.Error("expected proxy to have been started")
	}

	exitCode, _ := sup.Wait(ctx, 1000)
	if exitCode != 0 {
		t.Errorf("exitCode = %d, want 0", exitCode)
	}
	if !proxy.stopped {
		t.Error("expected proxy to have been stopped")
	}
	if len(store.finalized) != 1 || store.finalized[0] != sup.ID {
		t.Errorf("expected Finalize called once with session ID, got %v", store.finalized)
	}
	if !sink.stopped {
		t.Error("expected pipeline sink to have been stopped before Finalize")
	}
	kinds := sink.kinds()
	if len(kinds) != 2 || kinds[0] != eventlog.KindSessionStart || kinds[1] != eventlog.KindSessionEnd {
		t.Errorf("expected [session_start, session_end], got %v", kinds)
	}
	if sup.Status() != StatusTerminated {
		t.Errorf("status = %q, want terminated", sup.Status())
	}
}

func TestSupervisor_StartAndWait_NonZeroExit(t *testing.T) {
	proxy := &fakeProxy{}
	store := &fakeStore{}
	id, internalID := GenerateIDs()
	sup := New(id, internalID, proxy, store, &fakeSink{}, nil)

	ctx := context.Background()
	if err := sup.Start(ctx, RunOptions{
		Command:     []string{"false"},
		BindAddress: "127.0.0.1:0",
		CADir:       t.TempDir(),
	}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	exitCode, _ := sup.Wait(ctx, 1000)
	if exitCode != 1 {
		t.Errorf("exitCode = %d, want 1", exitCode)
	}
	if store.status != "terminated" {
		t.Errorf("status = %q, want terminated (a non-zero exit is still a clean reap)", store.status)
	}
}

func TestSupervisor_MarkFailed_OverridesStatus(t *testing.T) {
	proxy := &fakeProxy{}
	store := &fakeStore{}
	id, internalID := GenerateIDs()
	sup := New(id, internalID, proxy, store, &fakeSink{}, nil)

	ctx := context.Background()
	if err := sup.Start(ctx, RunOptions{
		Command:     []string{"true"},
		BindAddress: "127.0.0.1:0",
		CADir:       t.TempDir(),
	}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	sup.MarkFailed(context.DeadlineExceeded)
	sup.Wait(ctx, 1000)
	if store.status != "failed" {
		t.Errorf("status = %q, want failed after MarkFailed", store.status)
	}
}

func TestSupervisor_Start_RejectsEmptyCommand(t *testing.T) {
	id, internalID := GenerateIDs()
	sup := New(id, internalID, &fakeProxy{}, &fakeStore{}, &fakeSink{}, nil)
	err := sup.Start(context.Background(), RunOptions{CADir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestSupervisor_Abort_SignalsChild(t *testing.T) {
	proxy := &fakeProxy{}
	store := &fakeStore{}
	id, internalID := GenerateIDs()
	sup := New(id, internalID, proxy, store, &fakeSink{}, nil)

	ctx := context.Background()
	if err := sup.Start(ctx, RunOptions{
		Command:     []string{"sleep", "5"},
		BindAddress: "127.0.0.1:0",
		CADir:       t.TempDir(),
	}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := sup.Abort(); err != nil {
		t.Fatalf("Abort() error: %v", err)
	}
	if sup.Status() != StatusAborting {
		t.Errorf("status = %q, want aborting", sup.Status())
	}

	done := make(chan struct{})
	go func() {
		sup.Wait(ctx, 1000)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Wait() did not return after Abort()")
	}
}

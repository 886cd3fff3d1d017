package queryindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracewarden/tracewarden/internal/eventlog"
)

func TestMirrorAndCostAbove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	idx.Mirror(ctx, []eventlog.Event{
		{SessionID: "sess-1", Kind: eventlog.KindAIResponse, Sequence: 1, Timestamp: time.Now(), Cost: &eventlog.Cost{Total: 2.50}},
		{SessionID: "sess-1", Kind: eventlog.KindAIResponse, Sequence: 2, Timestamp: time.Now(), Cost: &eventlog.Cost{Total: 0.10}},
	})

	count, err := idx.CostAbove(ctx, "sess-1", 1.0)
	if err != nil {
		t.Fatalf("CostAbove() error: %v", err)
	}
	if count != 1 {
		t.Errorf("CostAbove() = %d, want 1", count)
	}
}

func TestMirror_HandlesNilCostGracefully(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer idx.Close()

	idx.Mirror(context.Background(), []eventlog.Event{
		{SessionID: "sess-2", Kind: eventlog.KindHTTPRequest, Sequence: 1, Timestamp: time.Now()},
	})

	count, err := idx.CostAbove(context.Background(), "sess-2", 0)
	if err != nil {
		t.Fatalf("CostAbove() error: %v", err)
	}
	if count != 0 {
		t.Errorf("CostAbove() = %d, want 0 (nil cost should not satisfy > 0)", count)
	}
}

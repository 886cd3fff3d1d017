// Package queryindex maintains a derived, rebuildable SQLite index over the
// events already durably recorded in the JSONL session log. It exists so an
// operator can query ("every ai_response over $1 in session X") without
// scanning the log by hand. It is never authoritative: on disagreement with
// the JSONL log, the log wins, and the index can be dropped and rebuilt
// from it at any time. Schema style grounded on the corpus's own SQLite
// trace store, adapted from a primary store to a side, best-effort index.
package queryindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/tracewarden/tracewarden/internal/eventlog"
)

// Index is a best-effort SQLite mirror of appended events.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or reuses) the SQLite file at path and ensures its schema.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening query index: %w", err)
	}
	idx := &Index{db: db, logger: logger.With("component", "store.queryindex")}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		session_id             TEXT NOT NULL,
		kind                   TEXT NOT NULL,
		sequence               INTEGER NOT NULL,
		correlation_id         TEXT,
		parent_correlation_id  TEXT,
		timestamp              DATETIME NOT NULL,
		provider               TEXT,
		model                  TEXT,
		cost_total             REAL,
		PRIMARY KEY (session_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_kind ON events(session_id, kind);
	CREATE INDEX IF NOT EXISTS idx_events_cost ON events(cost_total);
	`
	_, err := idx.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrating query index schema: %w", err)
	}
	return nil
}

// Mirror inserts or replaces a batch of already-appended events. Failures
// here are logged but never escalated: this index is a convenience, not a
// durability guarantee.
func (idx *Index) Mirror(ctx context.Context, events []eventlog.Event) {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		idx.logger.Warn("query index: begin tx failed", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO events
			(session_id, kind, sequence, correlation_id, parent_correlation_id, timestamp, provider, model, cost_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		idx.logger.Warn("query index: prepare failed", "error", err)
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, ev := range events {
		var cost sql.NullFloat64
		if ev.Cost != nil {
			cost = sql.NullFloat64{Float64: ev.Cost.Total, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, ev.SessionID, string(ev.Kind), ev.Sequence,
			ev.CorrelationID, ev.ParentCorrelation, ev.Timestamp, ev.Provider, ev.Model, cost); err != nil {
			idx.logger.Warn("query index: insert failed", "error", err, "kind", ev.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		idx.logger.Warn("query index: commit failed", "error", err)
	}
}

// CostAbove returns the number of events in a session whose total cost
// exceeds threshold, a representative example of the ad hoc queries this
// index exists to serve.
func (idx *Index) CostAbove(ctx context.Context, sessionID string, threshold float64) (int, error) {
	var count int
	err := idx.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ? AND cost_total > ?`,
		sessionID, threshold).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("query index: cost query: %w", err)
	}
	return count, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

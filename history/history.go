// Package history persists sweep summaries in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rocketbitz/fabricpm/dispatch"
)

var (
	// ErrNotFound indicates an empty history.
	ErrNotFound = errors.New("fabricpm history: no sweeps recorded")
	// ErrClosed indicates use of a closed Store.
	ErrClosed = errors.New("fabricpm history: closed")
)

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 20

const schema = `
CREATE TABLE IF NOT EXISTS sweeps(
	id TEXT PRIMARY KEY,
	sweep_index INTEGER NOT NULL,
	started INTEGER NOT NULL,
	finished INTEGER NOT NULL,
	completed INTEGER NOT NULL,
	nodes_swept INTEGER NOT NULL,
	ports_swept INTEGER NOT NULL,
	no_resp_nodes INTEGER NOT NULL,
	no_resp_ports INTEGER NOT NULL,
	unexpected_clear_ports INTEGER NOT NULL,
	packets_sent INTEGER NOT NULL,
	detail TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sweeps_started ON sweeps(started);`

// Store records sweep summaries.
type Store struct {
	db *sql.DB
}

// Open opens, creating when needed, the database at path. The path
// ":memory:" keeps the history in memory.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("fabricpm history: create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("fabricpm history: open: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fabricpm history: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fabricpm history: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores s. Recording the same sweep twice replaces the first row.
func (st *Store) Record(ctx context.Context, s *dispatch.Summary) error {
	if st == nil || st.db == nil {
		return ErrClosed
	}
	if s == nil {
		return errors.New("fabricpm history: summary required")
	}
	detail, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("fabricpm history: encode summary: %w", err)
	}
	_, err = st.db.ExecContext(ctx, `INSERT OR REPLACE INTO sweeps(
		id, sweep_index, started, finished, completed, nodes_swept, ports_swept,
		no_resp_nodes, no_resp_ports, unexpected_clear_ports, packets_sent, detail)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Index, s.Started.UnixNano(), s.Finished.UnixNano(), s.Completed,
		s.NodesSwept, s.PortsSwept, s.NoRespNodes, s.NoRespPorts, s.UnexpectedClearPorts,
		s.PacketsSent, string(detail))
	if err != nil {
		return fmt.Errorf("fabricpm history: record sweep %s: %w", s.ID, err)
	}
	return nil
}

// Latest returns the most recently started sweep.
func (st *Store) Latest(ctx context.Context) (*dispatch.Summary, error) {
	list, err := st.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// List returns up to limit sweeps, newest first.
func (st *Store) List(ctx context.Context, limit int) ([]dispatch.Summary, error) {
	if st == nil || st.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := st.db.QueryContext(ctx, `SELECT detail FROM sweeps ORDER BY started DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fabricpm history: list: %w", err)
	}
	defer rows.Close()

	out := make([]dispatch.Summary, 0, limit)
	for rows.Next() {
		var detail string
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("fabricpm history: scan: %w", err)
		}
		var s dispatch.Summary
		if err := json.Unmarshal([]byte(detail), &s); err != nil {
			return nil, fmt.Errorf("fabricpm history: decode summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fabricpm history: list: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep sweeps and reports how many rows
// were removed.
func (st *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if st == nil || st.db == nil {
		return 0, ErrClosed
	}
	if keep < 0 {
		keep = 0
	}
	res, err := st.db.ExecContext(ctx, `DELETE FROM sweeps WHERE id NOT IN (
		SELECT id FROM sweeps ORDER BY started DESC, rowid DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("fabricpm history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database.
func (st *Store) Close() error {
	if st == nil || st.db == nil {
		return nil
	}
	err := st.db.Close()
	st.db = nil
	return err
}

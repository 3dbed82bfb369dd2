// SQLite-backed durable Store for the node registry, adapted from
// pkg/fleet/store_sqlite.go's migration/serialize pattern. Suitable for
// a single control-plane instance; for multi-instance deployments use
// PostgresStore.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGo
)

// SQLiteStore implements Store with SQLite persistence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed node registry
// store. dbPath may be ":memory:" for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		advertise_address TEXT NOT NULL DEFAULT '',
		capacity TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'HEALTHY',
		last_heartbeat_at DATETIME NOT NULL,
		registered_at DATETIME NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate nodes table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, n *Node) error {
	capJSON, err := json.Marshal(n.Capacity)
	if err != nil {
		return fmt.Errorf("marshal capacity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO nodes
		(id, advertise_address, capacity, status, last_heartbeat_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			advertise_address = excluded.advertise_address,
			capacity = excluded.capacity,
			status = excluded.status,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		string(n.ID), n.AdvertiseAddress, string(capJSON), string(n.Status),
		n.LastHeartbeatAt, n.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id NodeID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, advertise_address, capacity, status, last_heartbeat_at, registered_at FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		var (
			id, addr, status, capJSON string
			lastHB, registeredAt      time.Time
		)
		if err := rows.Scan(&id, &addr, &capJSON, &status, &lastHB, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		var cap Capacity
		if err := json.Unmarshal([]byte(capJSON), &cap); err != nil {
			return nil, fmt.Errorf("unmarshal capacity for node %s: %w", id, err)
		}
		out = append(out, &Node{
			ID:               NodeID(id),
			AdvertiseAddress: addr,
			Capacity:         cap,
			Status:           Status(status),
			LastHeartbeatAt:  lastHB,
			RegisteredAt:     registeredAt,
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

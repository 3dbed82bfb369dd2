// PostgreSQL-backed durable Store for the node registry, for
// multi-instance control-plane deployments where a single SQLite file
// cannot be shared. Adapted from pkg/fleet/store_postgres.go's
// connection-pool-plus-migration shape over github.com/lib/pq.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (and migrates) a PostgreSQL-backed node
// registry store. dsn is a standard libpq connection string.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS engine_nodes (
		id TEXT PRIMARY KEY,
		advertise_address TEXT NOT NULL DEFAULT '',
		capacity JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'HEALTHY',
		last_heartbeat_at TIMESTAMPTZ NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate engine_nodes table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Put(ctx context.Context, n *Node) error {
	capJSON, err := json.Marshal(n.Capacity)
	if err != nil {
		return fmt.Errorf("marshal capacity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO engine_nodes
		(id, advertise_address, capacity, status, last_heartbeat_at, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			advertise_address = EXCLUDED.advertise_address,
			capacity = EXCLUDED.capacity,
			status = EXCLUDED.status,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at`,
		string(n.ID), n.AdvertiseAddress, capJSON, string(n.Status),
		n.LastHeartbeatAt, n.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id NodeID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM engine_nodes WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, advertise_address, capacity, status, last_heartbeat_at, registered_at FROM engine_nodes`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		var (
			id, addr, status string
			capJSON          []byte
			lastHB, regAt    time.Time
		)
		if err := rows.Scan(&id, &addr, &capJSON, &status, &lastHB, &regAt); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		var cap Capacity
		if err := json.Unmarshal(capJSON, &cap); err != nil {
			return nil, fmt.Errorf("unmarshal capacity for node %s: %w", id, err)
		}
		out = append(out, &Node{
			ID:               NodeID(id),
			AdvertiseAddress: addr,
			Capacity:         cap,
			Status:           Status(status),
			LastHeartbeatAt:  lastHB,
			RegisteredAt:     regAt,
		})
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

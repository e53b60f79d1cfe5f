// Package store persists CAS manifests/quarantine events and trace
// consensus records in sqlite, following the teacher's open/migrate
// idiom. Migrations are inline strings rather than embedded .sql files,
// since this schema is small enough not to warrant separate assets.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// migrations is the ordered list of schema changes. Each runs at most once,
// tracked in schema_migrations by name.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "0001_cas_manifests",
		sql: `CREATE TABLE IF NOT EXISTS cas_manifests (
			update_id TEXT PRIMARY KEY,
			epoch TEXT NOT NULL,
			chunk_bytes INTEGER NOT NULL,
			payload_bytes INTEGER NOT NULL,
			payload_hash TEXT NOT NULL,
			signed INTEGER NOT NULL DEFAULT 0,
			manifest_json TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		name: "0002_cas_quarantine",
		sql: `CREATE TABLE IF NOT EXISTS cas_quarantine (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			update_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		name: "0003_trace_consensus",
		sql: `CREATE TABLE IF NOT EXISTS trace_consensus (
			segment_id TEXT NOT NULL,
			merkle_root TEXT NOT NULL,
			quorum_count INTEGER NOT NULL,
			peer_count INTEGER NOT NULL,
			decided_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (segment_id, merkle_root)
		)`,
	},
	{
		name: "0004_trace_faults",
		sql: `CREATE TABLE IF NOT EXISTS trace_faults (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			segment_id TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		name: "0005_trace_faults_policy_hash",
		sql:  `ALTER TABLE trace_faults ADD COLUMN policy_hash TEXT NOT NULL DEFAULT ''`,
	},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}
	return nil
}

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour used by SQLStore.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStore keeps each slot as one row of the audit_log_slots table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	owned   bool // db was opened by this package and is closed by Close
}

// OpenSQLiteStore opens (creating if needed) a SQLite database at path and
// prepares the slot table.
func OpenSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Slot writes are whole-row replacements; one connection avoids
	// SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(db, DialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// OpenPostgresStore connects to Postgres using dsn and prepares the slot table.
func OpenPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s, err := NewSQLStore(db, DialectPostgres)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLStore wraps an existing connection pool. The caller keeps ownership
// of db; Close on the returned store does not close it.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.setup(); err != nil {
		return nil, err
	}
	return s, nil
}

// setup creates the slot table if it does not already exist.
func (s *SQLStore) setup() error {
	payloadType := "BLOB"
	if s.dialect == DialectPostgres {
		payloadType = "BYTEA"
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS audit_log_slots (
	slot VARCHAR(255) PRIMARY KEY,
	payload %s NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`, payloadType)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create audit_log_slots table: %w", err)
	}
	return nil
}

func (s *SQLStore) query(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	// Rewrite ? placeholders to $n.
	out := make([]byte, 0, len(q)+8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, q[i])
	}
	return string(out)
}

// Load returns the slot payload, or nil if the row does not exist.
func (s *SQLStore) Load(ctx context.Context, slot string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.query(`SELECT payload FROM audit_log_slots WHERE slot = ?`), slot).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read slot %s: %w", slot, err)
	}
	return payload, nil
}

// Save upserts the slot inside a transaction.
func (s *SQLStore) Save(ctx context.Context, slot string, data []byte) error {
	const upsert = `
INSERT INTO audit_log_slots (slot, payload, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (slot) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.query(upsert), slot, data, time.Now().UTC()); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to write slot %s: %w", slot, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit slot %s: %w", slot, err)
	}
	return nil
}

// Close releases the connection pool if the store opened it.
func (s *SQLStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

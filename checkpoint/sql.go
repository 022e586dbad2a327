package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder syntax and column types for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on a database/sql handle. One row per thread;
// version increments on every save.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates the checkpoints table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			state `+blob+` NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate checkpoints: %w", err)
	}
	return nil
}

// Save upserts the thread state.
func (s *SQLStore) Save(ctx context.Context, threadID string, state []byte) error {
	if strings.TrimSpace(threadID) == "" {
		return errors.New("thread id is required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO checkpoints (thread_id, state, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (thread_id) DO UPDATE
		SET state = excluded.state,
			version = checkpoints.version + 1,
			updated_at = excluded.updated_at`),
		threadID, state, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", threadID, err)
	}
	return nil
}

// Load returns the stored state or ErrNotFound.
func (s *SQLStore) Load(ctx context.Context, threadID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM checkpoints WHERE thread_id = ?`), threadID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	return state, nil
}

// Version returns how many times the thread has been saved.
func (s *SQLStore) Version(ctx context.Context, threadID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version FROM checkpoints WHERE thread_id = ?`), threadID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint version %s: %w", threadID, err)
	}
	return version, nil
}

// Delete removes the thread's row.
func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM checkpoints WHERE thread_id = ?`), threadID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", threadID, err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteConfig configures a SQLite backend.
type SQLiteConfig struct {
	Path string
	// PollInterval controls how often the database is checked for commits
	// made by other connections. Defaults to 250ms.
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// SQLite keeps keys in a single table. Changes committed by other processes
// are found by polling PRAGMA data_version, which only moves when another
// connection commits.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger

	mu      sync.Mutex
	last    map[string]string
	seq     int64
	version int64
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	n      *notifier
}

// OpenSQLite opens (creating if needed) the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// data_version is per connection; pin one so our own commits never
	// register as external.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLite{
		db:     db,
		logger: cfg.Logger.With().Str("component", "storage.sqlite").Logger(),
		last:   make(map[string]string),
		n:      newNotifier(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prime(); err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.pollLoop(ctx, cfg.PollInterval)
	return s, nil
}

func (s *SQLite) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			origin TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_kv_seq ON kv(seq);
	`)
	return err
}

func (s *SQLite) prime() error {
	rows, err := s.db.Query(`SELECT key, value, seq FROM kv`)
	if err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value sql.NullString
		var seq int64
		if err := rows.Scan(&key, &value, &seq); err != nil {
			return err
		}
		if value.Valid {
			s.last[key] = value.String
		}
		s.seq = max(s.seq, seq)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return s.db.QueryRow(`PRAGMA data_version`).Scan(&s.version)
}

func (s *SQLite) Get(key string) (string, bool, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", false, ErrClosed
	}

	var value sql.NullString
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if !value.Valid {
		return "", false, nil
	}
	return value.String, true, nil
}

// upsert stores value (NULL for a tombstone) with the next sequence number.
func (s *SQLite) upsert(origin, key string, value sql.NullString) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, origin, seq)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM kv))
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			origin = excluded.origin,
			seq = excluded.seq
	`, key, value, origin)
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Set(origin, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.upsert(origin, key, sql.NullString{String: value, Valid: true}); err != nil {
		return err
	}
	old, existed := s.last[key]
	s.last[key] = value
	if !existed || old != value {
		s.n.publish(Event{Key: key, OldValue: old, NewValue: value, Origin: origin})
	}
	return nil
}

func (s *SQLite) Remove(origin, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	old, existed := s.last[key]
	if !existed {
		return nil
	}
	if err := s.upsert(origin, key, sql.NullString{}); err != nil {
		return err
	}
	delete(s.last, key)
	s.n.publish(Event{Key: key, OldValue: old, Deleted: true, Origin: origin})
	return nil
}

func (s *SQLite) Watch(fn func(Event)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.n.watch(fn), nil
}

// Sync waits until every change observed so far has reached its watchers.
func (s *SQLite) Sync() {
	s.n.sync()
}

func (s *SQLite) pollLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Poll(); err != nil {
				s.logger.Debug().Err(err).Msg("Storage poll failed")
			}
		}
	}
}

// Poll checks once for commits made by other connections and publishes the
// keys they changed.
func (s *SQLite) Poll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var version int64
	if err := s.db.QueryRow(`PRAGMA data_version`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read data_version: %w", err)
	}
	if version == s.version {
		return nil
	}
	s.version = version

	rows, err := s.db.Query(`SELECT key, value, origin, seq FROM kv WHERE seq > ? ORDER BY seq`, s.seq)
	if err != nil {
		return fmt.Errorf("failed to read changes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key, origin string
			value       sql.NullString
			seq         int64
		)
		if err := rows.Scan(&key, &value, &origin, &seq); err != nil {
			return err
		}
		s.seq = max(s.seq, seq)

		old, existed := s.last[key]
		switch {
		case !value.Valid && !existed:
		case !value.Valid:
			delete(s.last, key)
			s.n.publish(Event{Key: key, OldValue: old, Deleted: true, Origin: origin})
		case existed && old == value.String:
		default:
			s.last[key] = value.String
			s.n.publish(Event{Key: key, OldValue: old, NewValue: value.String, Origin: origin})
		}
	}
	return rows.Err()
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.n.close()
	return s.db.Close()
}

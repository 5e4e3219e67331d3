// Package store persists fingerprints of already-processed emails so
// repeated runs never deliver the same logical email twice.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Delivery status values recorded per fingerprint.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Entry is the persisted record for one processed fingerprint.
type Entry struct {
	Fingerprint    string    `db:"fingerprint"`
	FirstSeenPath  string    `db:"first_seen_path"`
	Subject        string    `db:"subject"`
	Sender         string    `db:"sender"`
	ProcessedAt    time.Time `db:"processed_at"`
	DeliveryStatus string    `db:"delivery_status"`
}

// Stats summarizes the store contents.
type Stats struct {
	Total     int64
	Delivered int64
	Failed    int64
	Pending   int64
}

// Store is a SQLite-backed fingerprint set. All mutations go through
// an internal mutex: there is exactly one logical writer at any time,
// so two callers can never both observe "not seen yet" for the same
// fingerprint.
type Store struct {
	mu     sync.Mutex
	db     *sqlx.DB
	path   string
	logger *slog.Logger
}

// New opens (or creates) the store database at dbPath. A database that
// cannot be opened or migrated is quarantined with a warning and a
// fresh empty store is created in its place; corruption is never
// fatal and never silent.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := open(dbPath)
	if err != nil {
		if dbPath == ":memory:" {
			return nil, err
		}
		quarantine := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
		logger.Warn("fingerprint store unreadable, starting empty",
			"path", dbPath, "quarantined_as", quarantine, "error", err)
		if renameErr := os.Rename(dbPath, quarantine); renameErr != nil {
			return nil, fmt.Errorf("quarantine corrupt store: %w", renameErr)
		}
		db, err = open(dbPath)
		if err != nil {
			return nil, err
		}
	}

	return &Store{db: db, path: dbPath, logger: logger}, nil
}

func open(dbPath string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// One connection: the store has a single logical writer, and
	// in-memory databases exist per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Admit atomically checks and records a fingerprint. It returns true
// when the fingerprint was not seen before; the entry is persisted
// with status pending before Admit returns, so an interrupted run
// cannot lose a dedup decision already taken.
func (s *Store) Admit(fingerprint, sourcePath, subject, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO processed_emails
			(fingerprint, first_seen_path, subject, sender, processed_at, delivery_status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fingerprint, sourcePath, subject, sender, time.Now().UTC(), StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("record fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record fingerprint: %w", err)
	}
	return n == 1, nil
}

// SetStatus updates the delivery status for a recorded fingerprint.
func (s *Store) SetStatus(fingerprint, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE processed_emails SET delivery_status = ? WHERE fingerprint = ?",
		status, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	return nil
}

// Get returns the entry for a fingerprint, or nil when unknown.
func (s *Store) Get(fingerprint string) (*Entry, error) {
	var e Entry
	err := s.db.Get(&e,
		"SELECT fingerprint, first_seen_path, subject, sender, processed_at, delivery_status FROM processed_emails WHERE fingerprint = ?",
		fingerprint,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fingerprint: %w", err)
	}
	return &e, nil
}

// Failed lists entries whose delivery ultimately failed, so they can
// be identified and reprocessed explicitly.
func (s *Store) Failed() ([]Entry, error) {
	var entries []Entry
	err := s.db.Select(&entries,
		"SELECT fingerprint, first_seen_path, subject, sender, processed_at, delivery_status FROM processed_emails WHERE delivery_status = ? ORDER BY processed_at",
		StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed entries: %w", err)
	}
	return entries, nil
}

// Stats returns counts of tracked fingerprints by delivery status.
func (s *Store) Stats() (Stats, error) {
	rows, err := s.db.Queryx(
		"SELECT delivery_status, COUNT(*) FROM processed_emails GROUP BY delivery_status",
	)
	if err != nil {
		return Stats{}, fmt.Errorf("read store stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("read store stats: %w", err)
		}
		stats.Total += count
		switch status {
		case StatusDelivered:
			stats.Delivered = count
		case StatusFailed:
			stats.Failed = count
		case StatusPending:
			stats.Pending = count
		}
	}
	return stats, rows.Err()
}

// Count returns the number of tracked fingerprints.
func (s *Store) Count() int64 {
	var n int64
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM processed_emails"); err != nil {
		return 0
	}
	return n
}

// Reset clears every entry, forcing full reprocessing on the next run.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM processed_emails"); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	s.logger.Info("fingerprint store reset", "path", s.path)
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

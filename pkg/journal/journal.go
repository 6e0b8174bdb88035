// Package journal keeps a durable log of supervisor and update events in
// SQLite. Crashes, restarts, approvals, activations and rollbacks are
// recorded so an operator can reconstruct what happened without raw logs.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrClosed is returned after Close
var ErrClosed = errors.New("journal closed")

// Event is one journal entry
type Event struct {
	ID        int64             `json:"id"`
	Timestamp time.Time         `json:"ts"`
	Kind      string            `json:"kind"`
	Subject   string            `json:"subject,omitempty"`
	Message   string            `json:"message,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	Kinds   []string
	Subject string
	Since   time.Time
	Limit   int
}

// Stats summarizes the journal contents
type Stats struct {
	Total  int64     `json:"total"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// Journal is an append-mostly event table
type Journal struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
	closed bool

	retention       time.Duration
	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// Option configures a Journal
type Option func(*Journal)

// WithLogger sets the journal logger
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithRetention deletes events older than maxAge, checking every interval.
func WithRetention(maxAge, interval time.Duration) Option {
	return func(j *Journal) {
		j.retention = maxAge
		j.cleanupInterval = interval
	}
}

// Open opens or creates the journal database at path and applies pending
// schema migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection keeps pragmas in effect and serializes writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	j := &Journal{
		db:              db,
		path:            path,
		logger:          slog.Default(),
		now:             time.Now,
		cleanupInterval: time.Hour,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "journal")

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if j.retention > 0 && j.cleanupInterval > 0 {
		j.wg.Add(1)
		go j.retentionLoop()
	}

	j.logger.Debug("journal opened", "path", path)
	return j, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// The migrator is not closed: closing it would close db.
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Path returns the database file
func (j *Journal) Path() string {
	return j.path
}

// Record appends an event. A zero Timestamp is set to now.
func (j *Journal) Record(ctx context.Context, e Event) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	if e.Kind == "" {
		return errors.New("event kind is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now()
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal detail: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO events (ts, kind, subject, message, detail)
		VALUES (?, ?, ?, ?, ?)
	`, e.Timestamp.UnixMilli(), e.Kind, e.Subject, e.Message, string(detail))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// subjectKeys are the metadata keys that name what an event is about, in
// order of preference.
var subjectKeys = []string{"service", "plugin", "hash", "target"}

// ReportLifecycleEvent records a supervisor or updater event, so a Journal
// can be handed to either as its event publisher.
func (j *Journal) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	e := Event{Kind: eventType, Message: message, Detail: metadata}
	for _, key := range subjectKeys {
		if v := metadata[key]; v != "" {
			e.Subject = v
			break
		}
	}
	return j.Record(ctx, e)
}

// Query returns matching events, newest first.
func (j *Journal) Query(ctx context.Context, f Filter) ([]Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	query := "SELECT id, ts, kind, subject, message, detail FROM events WHERE 1=1"
	args := []any{}

	if len(f.Kinds) > 0 {
		query += " AND kind IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(f.Kinds)), ", ") + ")"
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if f.Subject != "" {
		query += " AND subject = ?"
		args = append(args, f.Subject)
	}
	if !f.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, f.Since.UnixMilli())
	}

	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			ts     int64
			detail string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Subject, &e.Message, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		if detail != "" && detail != "null" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal detail for event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Recent returns up to limit events of kind ("" for all kinds), newest first
func (j *Journal) Recent(ctx context.Context, kind string, limit int) ([]Event, error) {
	f := Filter{Limit: limit}
	if kind != "" {
		f.Kinds = []string{kind}
	}
	return j.Query(ctx, f)
}

// DeleteOlderThan removes events recorded before cutoff
func (j *Journal) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrClosed
	}

	result, err := j.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}

// Stats returns the event count and time range
func (j *Journal) Stats(ctx context.Context) (*Stats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	var (
		stats          Stats
		oldest, newest sql.NullInt64
	)
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*), MIN(ts), MAX(ts) FROM events").
		Scan(&stats.Total, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to get event stats: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = time.UnixMilli(oldest.Int64).UTC()
	}
	if newest.Valid {
		stats.Newest = time.UnixMilli(newest.Int64).UTC()
	}
	return &stats, nil
}

// Ping checks the database connection
func (j *Journal) Ping(ctx context.Context) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	return j.db.PingContext(ctx)
}

// Close stops retention cleanup and closes the database. It is safe to
// call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.stopCh)
	j.mu.Unlock()

	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) retentionLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := j.DeleteOlderThan(ctx, j.now().Add(-j.retention))
			cancel()

			switch {
			case errors.Is(err, ErrClosed):
				return
			case err != nil:
				j.logger.Warn("retention cleanup failed", "error", err)
			case deleted > 0:
				j.logger.Info("retention cleanup", "deleted", deleted, "max_age", j.retention)
			}
		}
	}
}

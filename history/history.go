// Package history keeps a SQLite record of every generated image.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("generation not found")

// Entry is one generated image and the parameters that produced it.
type Entry struct {
	ID             string    `json:"id"`
	Filename       string    `json:"filename"`
	Model          string    `json:"model"`
	Architecture   string    `json:"architecture"`
	Scheduler      string    `json:"scheduler"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	Steps          int       `json:"steps"`
	Guidance       float64   `json:"guidance"`
	Seed           int64     `json:"seed"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Duration       int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists entries in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one writer at a time keeps SQLITE_BUSY away
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		model TEXT NOT NULL,
		architecture TEXT NOT NULL,
		scheduler TEXT,
		prompt TEXT NOT NULL,
		negative_prompt TEXT,
		steps INTEGER NOT NULL,
		guidance REAL NOT NULL,
		seed INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_generations_created ON generations(created_at);
	CREATE INDEX IF NOT EXISTS idx_generations_filename ON generations(filename);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e, assigning an id and creation time when they are unset.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO generations (id, filename, model, architecture, scheduler, prompt, negative_prompt,
			steps, guidance, seed, width, height, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Filename, e.Model, e.Architecture, e.Scheduler, e.Prompt, e.NegativePrompt,
		e.Steps, e.Guidance, e.Seed, e.Width, e.Height, e.Duration, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert generation: %w", err)
	}
	return e.ID, nil
}

const selectColumns = `SELECT id, filename, model, architecture, scheduler, prompt, negative_prompt,
	steps, guidance, seed, width, height, duration_ms, created_at FROM generations`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	e := &Entry{}
	var scheduler, negative sql.NullString
	var created int64
	err := row.Scan(
		&e.ID, &e.Filename, &e.Model, &e.Architecture, &scheduler, &e.Prompt, &negative,
		&e.Steps, &e.Guidance, &e.Seed, &e.Width, &e.Height, &e.Duration, &created,
	)
	if err != nil {
		return nil, err
	}
	e.Scheduler = scheduler.String
	e.NegativePrompt = negative.String
	e.CreatedAt = time.UnixMilli(created)
	return e, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	return e, nil
}

// GetByFilename returns the newest entry that produced filename.
func (s *Store) GetByFilename(ctx context.Context, filename string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		selectColumns+` WHERE filename = ? ORDER BY created_at DESC LIMIT 1`, filename))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	return e, nil
}

// List returns up to limit entries, newest first. limit <= 0 means 100.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

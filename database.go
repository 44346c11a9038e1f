package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Database is the run journal. It records how far each flash run got so an
// interrupted run leaves a diagnosable trail, and provides named locks for
// the shared download cache. Nothing here is ever read back to make
// decisions about the target device.
type Database struct {
	db *sql.DB
}

// NewDatabase opens (and if needed initializes) the journal at dbPath.
func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	database := &Database{db: db}
	if err := database.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return database, nil
}

func (d *Database) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		image_path TEXT,
		sha256 TEXT,
		device TEXT,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS _busy (
		name TEXT PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// TryLock attempts to acquire a named lock, returns true if successful.
func (d *Database) TryLock(ctx context.Context, name string) (bool, error) {
	result, err := d.db.ExecContext(ctx,
		`INSERT INTO _busy(name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lock result: %w", err)
	}

	return rowsAffected > 0, nil
}

// ReleaseLock releases a named lock.
func (d *Database) ReleaseLock(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM _busy WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// CreateRun inserts a fresh journal row in state "new" and returns it.
func (d *Database) CreateRun(ctx context.Context, source string) (*RunRecord, error) {
	run := &RunRecord{
		ID:        ulid.Make().String(),
		Source:    source,
		State:     StateNew,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO runs (id, source, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.State, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	return run, nil
}

// UpdateRunState advances a run to the given state.
func (d *Database) UpdateRunState(ctx context.Context, id, state string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		state, id)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return nil
}

// UpdateRunImage records the resolved local image and its streaming digest.
// The digest is diagnostic only; it is never verified against anything.
func (d *Database) UpdateRunImage(ctx context.Context, id, imagePath, sha256 string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET image_path = ?, sha256 = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		imagePath, sha256, id)
	if err != nil {
		return fmt.Errorf("failed to update run image: %w", err)
	}
	return nil
}

// UpdateRunDevice records the confirmed target device.
func (d *Database) UpdateRunDevice(ctx context.Context, id, device string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET device = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		device, id)
	if err != nil {
		return fmt.Errorf("failed to update run device: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (d *Database) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var run RunRecord
	var imagePath, sha256, device sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT id, source, image_path, sha256, device, state, created_at, updated_at
		FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Source, &imagePath, &sha256, &device,
			&run.State, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.ImagePath = imagePath.String
	run.SHA256 = sha256.String
	run.Device = device.String

	return &run, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Context keys for service injection.
type contextKey string

const (
	dbContextKey     contextKey = "database"
	loggerContextKey contextKey = "logger"
)

// WithDatabase adds the journal to context.
func WithDatabase(ctx context.Context, db *Database) context.Context {
	return context.WithValue(ctx, dbContextKey, db)
}

// GetDatabase retrieves the journal from context.
func GetDatabase(ctx context.Context) *Database {
	if db, ok := ctx.Value(dbContextKey).(*Database); ok {
		return db
	}
	return nil
}

// WithLogger adds a logger to context.
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

// GetLogger retrieves the logger from context.
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(loggerContextKey).(logrus.FieldLogger); ok {
		return logger
	}
	return logrus.New()
}

// Package journal keeps an append-only sqlite audit of delivery attempts.
//
// The journal is written for observability only. Nothing reads it back to
// resend readings.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultRecentLimit = 50

// Attempt is one delivery attempt and its outcome.
type Attempt struct {
	AttemptedAt time.Time `json:"attempted_at"`
	ObservedAt  time.Time `json:"observed_at"`
	Location    string    `json:"location"`
	Temperature float64   `json:"temperature"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Outcome     string    `json:"outcome"`
	Status      int       `json:"status,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal at path and applies pending migrations.
// path may be a plain file path, a "file:" URI or ":memory:".
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(newLoggingConnector(dsn, logger))
	// One writer keeps sqlite free of "database is locked" and gives
	// :memory: a single shared database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if err := migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

// Record appends one attempt.
func (j *Journal) Record(ctx context.Context, a Attempt) error {
	var hum sql.NullFloat64
	if a.Humidity != nil {
		hum = sql.NullFloat64{Float64: *a.Humidity, Valid: true}
	}
	var status sql.NullInt64
	if a.Status != 0 {
		status = sql.NullInt64{Int64: int64(a.Status), Valid: true}
	}
	var detail sql.NullString
	if a.Detail != "" {
		detail = sql.NullString{String: a.Detail, Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts
			(attempted_at, observed_at, location, temperature, humidity, outcome, status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttemptedAt.UnixMilli(), a.ObservedAt.UnixMilli(), a.Location,
		a.Temperature, hum, a.Outcome, status, detail,
	)
	if err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

// Recent returns the newest attempts first. limit <= 0 uses a default.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT attempted_at, observed_at, location, temperature, humidity, outcome, status, detail
		FROM delivery_attempts
		ORDER BY attempted_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			j.logger.Error("close journal rows", "error", err)
		}
	}()

	var out []Attempt
	for rows.Next() {
		var (
			a                     Attempt
			attemptedAt, observed int64
			hum                   sql.NullFloat64
			status                sql.NullInt64
			detail                sql.NullString
		)
		if err := rows.Scan(&attemptedAt, &observed, &a.Location, &a.Temperature, &hum, &a.Outcome, &status, &detail); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		a.AttemptedAt = time.UnixMilli(attemptedAt).UTC()
		a.ObservedAt = time.UnixMilli(observed).UTC()
		if hum.Valid {
			h := hum.Float64
			a.Humidity = &h
		}
		a.Status = int(status.Int64)
		a.Detail = detail.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns the number of attempts with the given outcome; an empty
// outcome counts all attempts.
func (j *Journal) Count(ctx context.Context, outcome string) (int, error) {
	var n int
	var err error
	if outcome == "" {
		err = j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_attempts`).Scan(&n)
	} else {
		err = j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_attempts WHERE outcome = ?`, outcome).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("journal count: %w", err)
	}
	return n, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("journal path is empty")
	}
	if path == ":memory:" {
		return "file::memory:?_busy_timeout=5000", nil
	}

	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

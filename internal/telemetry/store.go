package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// SQLite driver (required for database/sql registration).
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	source TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	backend TEXT NOT NULL DEFAULT '',
	first_token_latency_ms INTEGER NOT NULL,
	tokens_per_second REAL NOT NULL,
	tokens_generated INTEGER NOT NULL,
	memory_usage_bytes INTEGER NOT NULL,
	battery_drain_percent REAL NOT NULL,
	cpu_usage_percent REAL NOT NULL,
	fps REAL NOT NULL,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry(timestamp);
`

// Store persists telemetry records in SQLite so statistics survive restarts.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and creates if needed) the telemetry database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create telemetry dir: %w", err)
		}
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init telemetry schema: %w", err)
	}
	return &Store{db: db}, nil
}

// openDB opens a single SQLite database with optimal settings.
func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Append inserts a record.
func (s *Store) Append(ctx context.Context, r Record) error {
	var errMsg sql.NullString
	if r.ErrorMessage != nil {
		errMsg = sql.NullString{String: *r.ErrorMessage, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry (
			timestamp, source, request_id, backend, first_token_latency_ms,
			tokens_per_second, tokens_generated, memory_usage_bytes,
			battery_drain_percent, cpu_usage_percent, fps, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UnixNano(), r.Source.String(), r.RequestID, r.Backend, r.FirstTokenLatencyMs,
		r.TokensPerSecond, r.TokensGenerated, int64(r.MemoryUsageBytes),
		r.BatteryDrainPercent, r.CPUUsagePercent, r.FPS, errMsg,
	)
	if err != nil {
		return fmt.Errorf("append telemetry: %w", err)
	}
	return nil
}

// Record implements Sink.
func (s *Store) Record(ctx context.Context, r Record) error {
	return s.Append(ctx, r)
}

// Recent returns up to limit of the newest records, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, source, request_id, backend, first_token_latency_ms,
			tokens_per_second, tokens_generated, memory_usage_bytes,
			battery_drain_percent, cpu_usage_percent, fps, error_message
		FROM telemetry ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			ts     int64
			source string
			mem    int64
			errMsg sql.NullString
		)
		if err := rows.Scan(&ts, &source, &r.RequestID, &r.Backend, &r.FirstTokenLatencyMs,
			&r.TokensPerSecond, &r.TokensGenerated, &mem,
			&r.BatteryDrainPercent, &r.CPUUsagePercent, &r.FPS, &errMsg); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		if r.Source, err = ParseSource(source); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		r.MemoryUsageBytes = uint64(mem)
		if errMsg.Valid {
			msg := errMsg.String
			r.ErrorMessage = &msg
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Warm loads the newest MaxSamples records into a.
func (s *Store) Warm(ctx context.Context, a *Aggregator) error {
	records, err := s.Recent(ctx, MaxSamples)
	if err != nil {
		return err
	}
	for _, r := range records {
		a.AddSample(r)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

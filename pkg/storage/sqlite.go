package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/voxbatch/voxbatch/pkg/models"
	"github.com/voxbatch/voxbatch/pkg/processor"
)

// SQLiteStore persists transcript artifacts in a SQLite database.
// Result references have the form "sqlite:<jobID>".
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the artifact database.
// WAL mode and a busy timeout keep concurrent workers from tripping
// over SQLITE_BUSY; writes are serialized through a single connection.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcripts (
		job_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		chunk_count INTEGER NOT NULL,
		insights TEXT,
		created_at DATETIME NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Persist upserts the transcript row for the job.
func (s *SQLiteStore) Persist(ctx context.Context, jobID string, transcript *processor.Transcript) (string, error) {
	insights, err := json.Marshal(map[string][]string{
		"keywords":  transcript.Keywords,
		"questions": transcript.Questions,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode insights: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcripts (job_id, text, chunk_count, insights, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			text = excluded.text,
			chunk_count = excluded.chunk_count,
			insights = excluded.insights,
			created_at = excluded.created_at`,
		jobID, transcript.Text, transcript.ChunkCount, string(insights), transcript.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to store transcript: %w", err)
	}
	return "sqlite:" + jobID, nil
}

// Resolve checks that a source reference points at a readable file.
func (s *SQLiteStore) Resolve(sourceRef string) error {
	info, err := os.Stat(sourceRef)
	if err != nil {
		return models.NewSourceNotFoundError(sourceRef)
	}
	if info.IsDir() {
		return models.NewInvalidSourceError(sourceRef, fmt.Errorf("source is a directory"))
	}
	return nil
}

// Load reads a transcript row by job ID.
func (s *SQLiteStore) Load(jobID string) (*processor.Transcript, error) {
	row := s.db.QueryRow(`
		SELECT job_id, text, chunk_count, insights, created_at
		FROM transcripts WHERE job_id = ?`, jobID)

	var transcript processor.Transcript
	var insights string
	if err := row.Scan(&transcript.JobID, &transcript.Text, &transcript.ChunkCount,
		&insights, &transcript.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to load transcript %s: %w", jobID, err)
	}

	parsed := map[string][]string{}
	if err := json.Unmarshal([]byte(insights), &parsed); err == nil {
		transcript.Keywords = parsed["keywords"]
		transcript.Questions = parsed["questions"]
	}
	return &transcript, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/soferai/transcript-relay/internal/soferapi"
	_ "modernc.org/sqlite"
)

// Key names mirror the extension-local storage layout. Each feature owns a
// distinct key and writes are last-writer-wins per key; there are no
// transactional multi-key updates.
const (
	KeyTranscriptions       = "transcriptions"
	KeyPendingTranscription = "pendingTranscription"
	KeyLastTranscription    = "lastTranscription"
	KeyTranscriptionError   = "transcriptionError"
	KeyEnvironment          = "environment"

	keyAuth = "auth"
	keyUser = "user"
)

// Store is a single-file key/value store with JSON-encoded values.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get unmarshals the value under key into v. Returns false when the key is
// absent.
func (s *Store) Get(ctx context.Context, key string, v any) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set writes the value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Records returns the tracked transcription map (audio URL → record).
func (s *Store) Records(ctx context.Context) (map[string]soferapi.Record, error) {
	records := map[string]soferapi.Record{}
	if _, err := s.Get(ctx, KeyTranscriptions, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Record looks up the tracked record for one audio URL.
func (s *Store) Record(ctx context.Context, audioURL string) (soferapi.Record, bool, error) {
	records, err := s.Records(ctx)
	if err != nil {
		return soferapi.Record{}, false, err
	}
	rec, ok := records[audioURL]
	return rec, ok, nil
}

// SaveRecord upserts one entry in the transcription map. The whole map is
// one storage key, so this is a read-modify-write; the last writer wins.
func (s *Store) SaveRecord(ctx context.Context, audioURL string, rec soferapi.Record) error {
	records, err := s.Records(ctx)
	if err != nil {
		return err
	}
	records[audioURL] = rec
	return s.Set(ctx, KeyTranscriptions, records)
}

// ClearAuth drops stored auth state after the backend rejects the session.
func (s *Store) ClearAuth(ctx context.Context) error {
	for _, key := range []string{keyAuth, keyUser} {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Environment returns the persisted dev/prod toggle, if any.
func (s *Store) Environment(ctx context.Context) (string, bool, error) {
	var name string
	ok, err := s.Get(ctx, KeyEnvironment, &name)
	return name, ok, err
}

func (s *Store) SetEnvironment(ctx context.Context, name string) error {
	return s.Set(ctx, KeyEnvironment, name)
}

package flowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store persists bridge batches and on-ramp sessions so their status can be
// re-derived after a restart. One sqlite file, flock-guarded across processes.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// FlowRecord is the envelope persisted per flow; Payload carries the full
// batch or session JSON.
type FlowRecord struct {
	FlowID    string          `json:"flow_id"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

const (
	KindBridgeBatch   = "bridge_batch"
	KindOnRampSession = "onramp_session"
)

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create flow store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create flow lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open flow sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS flows (
			flow_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_flows_kind_updated ON flows(kind, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init flow schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts a flow. Payload must already be marshaled by the caller so the
// store stays agnostic of batch/session shapes.
func (s *Store) Save(record FlowRecord) error {
	if strings.TrimSpace(record.FlowID) == "" {
		return fmt.Errorf("save flow: missing flow id")
	}
	if record.Kind != KindBridgeBatch && record.Kind != KindOnRampSession {
		return fmt.Errorf("save flow: unknown kind %q", record.Kind)
	}
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock flow store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock flow store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	createdUnix, _ := parseRFC3339Unix(record.CreatedAt)
	updatedUnix, _ := parseRFC3339Unix(record.UpdatedAt)
	if createdUnix == 0 {
		createdUnix = time.Now().UTC().Unix()
	}
	if updatedUnix == 0 {
		updatedUnix = time.Now().UTC().Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO flows (flow_id, kind, status, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			kind=excluded.kind,
			status=excluded.status,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, record.FlowID, record.Kind, record.Status, createdUnix, updatedUnix, []byte(record.Payload))
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

func (s *Store) Get(flowID string) (FlowRecord, error) {
	var (
		record  FlowRecord
		payload []byte
		created int64
		updated int64
	)
	err := s.db.QueryRow(
		"SELECT flow_id, kind, status, created_at, updated_at, payload FROM flows WHERE flow_id = ?",
		flowID,
	).Scan(&record.FlowID, &record.Kind, &record.Status, &created, &updated, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FlowRecord{}, fmt.Errorf("flow not found: %s", flowID)
		}
		return FlowRecord{}, fmt.Errorf("read flow: %w", err)
	}
	record.CreatedAt = time.Unix(created, 0).UTC().Format(time.RFC3339)
	record.UpdatedAt = time.Unix(updated, 0).UTC().Format(time.RFC3339)
	record.Payload = json.RawMessage(payload)
	return record, nil
}

// List returns flows of one kind, newest first; empty status matches all.
func (s *Store) List(kind, status string, limit int) ([]FlowRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.Query(
			"SELECT flow_id, kind, status, created_at, updated_at, payload FROM flows WHERE kind = ? ORDER BY updated_at DESC LIMIT ?",
			kind, limit)
	} else {
		rows, err = s.db.Query(
			"SELECT flow_id, kind, status, created_at, updated_at, payload FROM flows WHERE kind = ? AND status = ? ORDER BY updated_at DESC LIMIT ?",
			kind, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	records := make([]FlowRecord, 0)
	for rows.Next() {
		var (
			record  FlowRecord
			payload []byte
			created int64
			updated int64
		)
		if err := rows.Scan(&record.FlowID, &record.Kind, &record.Status, &created, &updated, &payload); err != nil {
			return nil, fmt.Errorf("scan flow row: %w", err)
		}
		record.CreatedAt = time.Unix(created, 0).UTC().Format(time.RFC3339)
		record.UpdatedAt = time.Unix(updated, 0).UTC().Format(time.RFC3339)
		record.Payload = json.RawMessage(payload)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow rows: %w", err)
	}
	return records, nil
}

func parseRFC3339Unix(v string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return t.UTC().Unix(), true
}

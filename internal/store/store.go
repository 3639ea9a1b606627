// Package store journals finished inventory sessions to SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/rfidinv/internal/reconcile"
	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

var ErrSessionNotFound = errors.New("session not found")

const schemaSessions = `
CREATE TABLE IF NOT EXISTS inventory_sessions (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    total_reads INTEGER NOT NULL,
    summary TEXT NOT NULL,
    classification TEXT NOT NULL
);
`

const schemaEntries = `
CREATE TABLE IF NOT EXISTS inventory_entries (
    session_id TEXT NOT NULL REFERENCES inventory_sessions(id) ON DELETE CASCADE,
    asset_id TEXT NOT NULL,
    quantity INTEGER NOT NULL,
    system_quantity INTEGER NOT NULL,
    status TEXT NOT NULL,
    scan_method TEXT NOT NULL,
    asset_type TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (session_id, asset_id)
);
`

const (
	insertSessionSQL = `
		INSERT INTO inventory_sessions (id, room_id, unit_id, started_at, finished_at, total_reads, summary, classification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	insertEntrySQL = `
		INSERT INTO inventory_entries (session_id, asset_id, quantity, system_quantity, status, scan_method, asset_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	selectSessionsSQL = `
		SELECT id, room_id, unit_id, started_at, finished_at, total_reads, summary, classification
		FROM inventory_sessions ORDER BY finished_at DESC LIMIT ?
	`
	selectSessionSQL = `
		SELECT id, room_id, unit_id, started_at, finished_at, total_reads, summary, classification
		FROM inventory_sessions WHERE id = ?
	`
	selectEntriesSQL = `
		SELECT asset_id, quantity, system_quantity, status, scan_method, asset_type, updated_at
		FROM inventory_entries WHERE session_id = ? ORDER BY asset_id ASC
	`
)

const timeLayout = time.RFC3339Nano

// SessionRecord is one journaled inventory session.
type SessionRecord struct {
	ID             string                  `json:"id"`
	RoomID         string                  `json:"room_id"`
	UnitID         string                  `json:"unit_id"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at"`
	TotalReads     int                     `json:"total_reads"`
	Summary        reconcile.Summary       `json:"summary"`
	Classification reconcile.Classified    `json:"classification"`
	Entries        []reconcile.ResultEntry `json:"entries,omitempty"`
}

// RecordFromSnapshot builds a record from an engine snapshot and summary.
func RecordFromSnapshot(snap reconcile.Snapshot, sum reconcile.Summary, startedAt, finishedAt time.Time) SessionRecord {
	return SessionRecord{
		RoomID:         snap.RoomID,
		UnitID:         snap.UnitID,
		StartedAt:      startedAt,
		FinishedAt:     finishedAt,
		TotalReads:     snap.TotalReads,
		Summary:        sum,
		Classification: snap.Classification,
		Entries:        snap.Entries,
	}
}

type Journal struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens or creates the SQLite journal at path and ensures the schema.
func Open(path string, logger *logrus.Logger) (*Journal, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, logger), nil
}

// New wraps an already prepared database.
func New(db *sql.DB, logger *logrus.Logger) *Journal {
	if logger == nil {
		logger = logrus.New()
	}
	return &Journal{db: db, logger: logger}
}

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range []string{schemaSessions, schemaEntries} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// SaveSession writes the session and its entries in one transaction and returns
// the session id, generating one when rec.ID is empty.
func (j *Journal) SaveSession(ctx context.Context, rec SessionRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.FinishedAt
	}

	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	classification, err := json.Marshal(rec.Classification)
	if err != nil {
		return "", fmt.Errorf("marshal classification: %w", err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertSessionSQL,
		rec.ID,
		rec.RoomID,
		rec.UnitID,
		rec.StartedAt.UTC().Format(timeLayout),
		rec.FinishedAt.UTC().Format(timeLayout),
		rec.TotalReads,
		string(summary),
		string(classification),
	); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}

	for _, e := range rec.Entries {
		if _, err := tx.ExecContext(ctx, insertEntrySQL,
			rec.ID,
			e.AssetID,
			e.Quantity,
			e.SystemQuantity,
			string(e.Status),
			string(e.ScanMethod),
			string(e.AssetType),
			e.UpdatedAt.UTC().Format(timeLayout),
		); err != nil {
			return "", fmt.Errorf("insert entry %q: %w", e.AssetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	j.logger.WithFields(logrus.Fields{
		"session": rec.ID,
		"room":    rec.RoomID,
		"entries": len(rec.Entries),
	}).Info("Inventory session journaled")
	return rec.ID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec                     SessionRecord
		started, finished       string
		summary, classification string
	)
	if err := row.Scan(&rec.ID, &rec.RoomID, &rec.UnitID, &started, &finished, &rec.TotalReads, &summary, &classification); err != nil {
		return SessionRecord{}, err
	}

	var err error
	if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return SessionRecord{}, fmt.Errorf("session %s started_at: %w", rec.ID, err)
	}
	if rec.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return SessionRecord{}, fmt.Errorf("session %s finished_at: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(summary), &rec.Summary); err != nil {
		return SessionRecord{}, fmt.Errorf("session %s summary: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(classification), &rec.Classification); err != nil {
		return SessionRecord{}, fmt.Errorf("session %s classification: %w", rec.ID, err)
	}
	return rec, nil
}

// ListSessions returns the most recent sessions first, without entries.
func (j *Journal) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, selectSessionsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadSession returns one session with its entries.
func (j *Journal) LoadSession(ctx context.Context, id string) (SessionRecord, error) {
	rec, err := scanSession(j.db.QueryRowContext(ctx, selectSessionSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return SessionRecord{}, err
	}

	rec.Entries, err = j.LoadEntries(ctx, id)
	if err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

// LoadEntries returns a session's entries ordered by asset id.
func (j *Journal) LoadEntries(ctx context.Context, sessionID string) ([]reconcile.ResultEntry, error) {
	rows, err := j.db.QueryContext(ctx, selectEntriesSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	var out []reconcile.ResultEntry
	for rows.Next() {
		var (
			e                         reconcile.ResultEntry
			status, method, assetType string
			updated                   string
		)
		if err := rows.Scan(&e.AssetID, &e.Quantity, &e.SystemQuantity, &status, &method, &assetType, &updated); err != nil {
			return nil, err
		}
		e.Status = reconcile.Status(status)
		e.ScanMethod = reconcile.ScanMethod(method)
		e.AssetType = reconcile.AssetType(assetType)
		if e.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
			return nil, fmt.Errorf("entry %s updated_at: %w", e.AssetID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

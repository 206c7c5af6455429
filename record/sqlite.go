package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stageflow "github.com/goliatone/go-stageflow"
)

// SQLiteStore persists pipeline records in SQLite.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore builds a store over db. The table defaults to
// pipeline_records.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, table: "pipeline_records"}
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		current_stage_id TEXT NOT NULL,
		entered_stage_at TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		field_values TEXT NOT NULL DEFAULT '{}',
		archived INTEGER NOT NULL DEFAULT 0
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure record schema: %w", err)
	}
	return nil
}

// Load returns the record, or nil for unknown/archived ids.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*stageflow.PipelineRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite record store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, pipeline_id, current_stage_id, entered_stage_at, owner_id, field_values FROM %s WHERE id = ? AND archived = 0`, s.table)
	var rec stageflow.PipelineRecord
	var enteredAt, fields string
	err := s.db.QueryRowContext(ctx, q, strings.TrimSpace(id)).Scan(
		&rec.ID, &rec.PipelineID, &rec.CurrentStageID, &enteredAt, &rec.OwnerID, &fields,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ts, perr := time.Parse(time.RFC3339Nano, enteredAt); perr == nil {
		rec.EnteredStageAt = ts
	}
	if fields != "" {
		_ = json.Unmarshal([]byte(fields), &rec.FieldValues)
	}
	return &rec, nil
}

// Create inserts a new record.
func (s *SQLiteStore) Create(ctx context.Context, rec stageflow.PipelineRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite record store not configured")
	}
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return errors.New("record id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	fields, err := json.Marshal(rec.FieldValues)
	if err != nil {
		return fmt.Errorf("encode field values: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, pipeline_id, current_stage_id, entered_stage_at, owner_id, field_values) VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, q,
		rec.ID,
		rec.PipelineID,
		rec.CurrentStageID,
		rec.EnteredStageAt.UTC().Format(time.RFC3339Nano),
		rec.OwnerID,
		string(fields),
	)
	return err
}

// ApplyTransition performs the compare-and-set stage switch in one UPDATE.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, recordID, fromStageID, toStageID string, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite record store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET current_stage_id = ?, entered_stage_at = ? WHERE id = ? AND current_stage_id = ? AND archived = 0`, s.table)
	res, err := s.db.ExecContext(ctx, q,
		toStageID,
		at.UTC().Format(time.RFC3339Nano),
		strings.TrimSpace(recordID),
		fromStageID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		exists, err := s.exists(ctx, recordID)
		if err != nil {
			return err
		}
		if !exists {
			return stageflow.ErrRecordNotFound
		}
		return stageflow.ErrStageConflict
	}
	return nil
}

// SetOwner rewrites record ownership.
func (s *SQLiteStore) SetOwner(ctx context.Context, recordID, ownerID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite record store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET owner_id = ? WHERE id = ? AND archived = 0`, s.table)
	return s.mustAffect(ctx, q, strings.TrimSpace(ownerID), strings.TrimSpace(recordID))
}

// SetField rewrites one key inside the field_values JSON document.
func (s *SQLiteStore) SetField(ctx context.Context, recordID, key, value string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite record store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET field_values = json_set(field_values, '$.' || ?, ?) WHERE id = ? AND archived = 0`, s.table)
	return s.mustAffect(ctx, q, key, value, strings.TrimSpace(recordID))
}

// Archive retires the record.
func (s *SQLiteStore) Archive(ctx context.Context, recordID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite record store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET archived = 1 WHERE id = ?`, s.table)
	return s.mustAffect(ctx, q, strings.TrimSpace(recordID))
}

func (s *SQLiteStore) mustAffect(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return stageflow.ErrRecordNotFound
	}
	return nil
}

func (s *SQLiteStore) exists(ctx context.Context, id string) (bool, error) {
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ? AND archived = 0`, s.table)
	var one int
	err := s.db.QueryRowContext(ctx, q, strings.TrimSpace(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListActive pages non-archived records ordered by id.
func (s *SQLiteStore) ListActive(ctx context.Context, afterID string, limit int) ([]stageflow.PipelineRecord, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("sqlite record store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, "", err
	}
	q := fmt.Sprintf(`SELECT id, pipeline_id, current_stage_id, entered_stage_at, owner_id, field_values FROM %s WHERE archived = 0 AND id > ? ORDER BY id ASC LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, q, afterID, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]stageflow.PipelineRecord, 0, limit)
	for rows.Next() {
		var rec stageflow.PipelineRecord
		var enteredAt, fields string
		if err := rows.Scan(&rec.ID, &rec.PipelineID, &rec.CurrentStageID, &enteredAt, &rec.OwnerID, &fields); err != nil {
			return nil, "", err
		}
		if ts, perr := time.Parse(time.RFC3339Nano, enteredAt); perr == nil {
			rec.EnteredStageAt = ts
		}
		if fields != "" {
			_ = json.Unmarshal([]byte(fields), &rec.FieldValues)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	stageflow "github.com/goliatone/go-stageflow"
)

// SQLiteStore persists the firing log and outbox in SQLite. The firing
// table carries a unique index over the full idempotency key, so
// check-and-mark is a single insert with conflict detection, and the mark
// plus its outbox append share one transaction.
type SQLiteStore struct {
	db          *sql.DB
	firingTable string
	outboxTable string
	now         func() time.Time
}

// NewSQLiteStore builds a store over db. Tables default to stage_firings
// and action_outbox. Open the database with the _txlock=immediate DSN
// parameter so producer transactions take the write lock up front instead
// of upgrading mid-transaction.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:          db,
		firingTable: "stage_firings",
		outboxTable: "action_outbox",
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Test hook.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Stored timestamps use a fixed-width layout so string comparison in SQL
// matches chronological order; RFC3339Nano trims trailing zeros and breaks
// lexicographic ordering around whole seconds.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) ensureSchema(ctx context.Context, q execQuerier) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			record_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			automation_id TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			fired_at TEXT NOT NULL,
			PRIMARY KEY (record_id, stage_id, automation_id, epoch)
		)`, s.firingTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_token TEXT NOT NULL DEFAULT '',
			lease_until TEXT NOT NULL DEFAULT '',
			retry_at TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			processed_at TEXT NOT NULL DEFAULT '',
			first_failed_at TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT ''
		)`, s.outboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status, retry_at, created_at)`,
			s.outboxTable, s.outboxTable),
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// HasFired reports whether the firing log contains the given key.
func (s *SQLiteStore) HasFired(ctx context.Context, recordID, stageID, automationID string, epoch int) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return false, err
	}
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE record_id = ? AND stage_id = ? AND automation_id = ? AND epoch = ?`, s.firingTable)
	var one int
	err := s.db.QueryRowContext(ctx, q, strings.TrimSpace(recordID), strings.TrimSpace(stageID), strings.TrimSpace(automationID), epoch).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MaxEpoch returns the highest fired epoch for the automation, or 0.
func (s *SQLiteStore) MaxEpoch(ctx context.Context, recordID, stageID, automationID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`SELECT COALESCE(MAX(epoch), 0) FROM %s WHERE record_id = ? AND stage_id = ? AND automation_id = ?`, s.firingTable)
	var max int
	if err := s.db.QueryRowContext(ctx, q, strings.TrimSpace(recordID), strings.TrimSpace(stageID), strings.TrimSpace(automationID)).Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

// ClearResidency deletes all firing rows for (record, stage).
func (s *SQLiteStore) ClearResidency(ctx context.Context, recordID, stageID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE record_id = ? AND stage_id = ?`, s.firingTable)
	_, err := s.db.ExecContext(ctx, q, strings.TrimSpace(recordID), strings.TrimSpace(stageID))
	return err
}

// RunInTransaction executes fn inside one DB transaction.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if fn == nil {
		return nil
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{parent: s, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	parent *SQLiteStore
	tx     *sql.Tx
}

// CheckAndMark inserts the firing row; a primary-key conflict means the
// epoch already fired.
func (t *sqliteTx) CheckAndMark(ctx context.Context, entry FiringEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	firedAt := entry.FiredAt
	if firedAt.IsZero() {
		firedAt = t.parent.now()
	}
	q := fmt.Sprintf(`INSERT INTO %s (record_id, stage_id, automation_id, epoch, fired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (record_id, stage_id, automation_id, epoch) DO NOTHING`, t.parent.firingTable)
	res, err := t.tx.ExecContext(ctx, q,
		strings.TrimSpace(entry.RecordID),
		strings.TrimSpace(entry.StageID),
		strings.TrimSpace(entry.AutomationID),
		entry.Epoch,
		firedAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyFired
	}
	return nil
}

// AppendAction writes the outbox row in the same transaction as its
// firing-log mark.
func (t *sqliteTx) AppendAction(ctx context.Context, req stageflow.ActionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode action request: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, record_id, stage_id, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, t.parent.outboxTable)
	_, err = t.tx.ExecContext(ctx, q,
		req.RequestID,
		req.RecordID,
		req.StageID,
		string(payload),
		StatusPending,
		t.parent.now().Format(sqliteTimeLayout),
	)
	return err
}

// ClaimPending leases claimable outbox entries under fresh lease tokens.
func (s *SQLiteStore) ClaimPending(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]ClaimedEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	if limit <= 0 {
		limit = 100
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	now := s.now()
	nowStr := now.Format(sqliteTimeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	q := fmt.Sprintf(`SELECT id FROM %s
		WHERE (retry_at = '' OR retry_at <= ?)
		AND (
			status = 'pending'
			OR (status = 'leased' AND (lease_until = '' OR lease_until <= ?))
		)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, s.outboxTable)
	rows, err := tx.QueryContext(ctx, q, nowStr, nowStr, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	leaseUntil := now.Add(leaseTTL).Format(sqliteTimeLayout)
	claimed := make([]ClaimedEntry, 0, len(ids))
	update := fmt.Sprintf(`UPDATE %s SET status = 'leased', lease_owner = ?, lease_token = ?, lease_until = ?, attempts = attempts + 1 WHERE id = ?`, s.outboxTable)
	for _, id := range ids {
		token := uuid.NewString()
		if _, err := tx.ExecContext(ctx, update, workerID, token, leaseUntil, id); err != nil {
			return nil, err
		}
		entry, err := s.loadEntry(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ClaimedEntry{OutboxEntry: entry, LeaseToken: token})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return claimed, nil
}

// MarkCompleted acknowledges a dispatched entry.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id, leaseToken string) error {
	return s.ack(ctx, id, leaseToken, StatusCompleted, "", time.Time{}, false)
}

// MarkSkipped records a precondition-failed discard.
func (s *SQLiteStore) MarkSkipped(ctx context.Context, id, leaseToken, reason string) error {
	return s.ack(ctx, id, leaseToken, StatusSkipped, reason, time.Time{}, false)
}

// MarkFailed schedules a retry.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, leaseToken string, retryAt time.Time, reason string) error {
	return s.ack(ctx, id, leaseToken, StatusPending, reason, retryAt, true)
}

// MarkDeadLetter parks the entry for operators.
func (s *SQLiteStore) MarkDeadLetter(ctx context.Context, id, leaseToken, reason string) error {
	return s.ack(ctx, id, leaseToken, StatusDeadLetter, reason, time.Time{}, true)
}

func (s *SQLiteStore) ack(ctx context.Context, id, leaseToken, status, reason string, retryAt time.Time, failure bool) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("outbox id required")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	now := s.now().Format(sqliteTimeLayout)
	retryStr := ""
	if !retryAt.IsZero() {
		retryStr = retryAt.UTC().Format(sqliteTimeLayout)
	}
	processed := now
	if status == StatusPending {
		processed = ""
	}
	firstFailed := ""
	if failure {
		firstFailed = now
	}
	q := fmt.Sprintf(`UPDATE %s SET
			status = ?,
			lease_owner = '',
			lease_token = '',
			lease_until = '',
			retry_at = ?,
			processed_at = ?,
			last_error = ?,
			first_failed_at = CASE WHEN first_failed_at = '' THEN ? ELSE first_failed_at END
		WHERE id = ? AND lease_token = ?`, s.outboxTable)
	res, err := s.db.ExecContext(ctx, q, status, retryStr, processed, strings.TrimSpace(reason), firstFailed, id, leaseToken)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		exists, err := s.entryExists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrLeaseLost
	}
	return nil
}

func (s *SQLiteStore) entryExists(ctx context.Context, id string) (bool, error) {
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, s.outboxTable)
	var one int
	err := s.db.QueryRowContext(ctx, q, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListDeadLetters returns dead-lettered entries matching the scope.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, scope DeadLetterScope) ([]OutboxEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return nil, err
	}
	limit := scope.Limit
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"status = ?"}
	args := []any{StatusDeadLetter}
	if scope.RecordID != "" {
		clauses = append(clauses, "record_id = ?")
		args = append(args, scope.RecordID)
	}
	if scope.StageID != "" {
		clauses = append(clauses, "stage_id = ?")
		args = append(args, scope.StageID)
	}
	args = append(args, limit)
	q := fmt.Sprintf(`SELECT id FROM %s WHERE %s ORDER BY created_at ASC LIMIT ?`,
		s.outboxTable, strings.Join(clauses, " AND "))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutboxEntry
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		entry, err := s.loadEntry(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Requeue returns a dead-lettered entry to the pending pool.
func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx, s.db); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET status = 'pending', attempts = 0, retry_at = '', processed_at = '' WHERE id = ? AND status = 'dead_letter'`, s.outboxTable)
	res, err := s.db.ExecContext(ctx, q, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) loadEntry(ctx context.Context, q execQuerier, id string) (OutboxEntry, error) {
	query := fmt.Sprintf(`SELECT id, payload, status, attempts, lease_owner, lease_until, retry_at, created_at, processed_at, first_failed_at, last_error FROM %s WHERE id = ?`, s.outboxTable)
	var entry OutboxEntry
	var payload, leaseUntil, retryAt, createdAt, processedAt, firstFailedAt string
	err := q.QueryRowContext(ctx, query, id).Scan(
		&entry.ID,
		&payload,
		&entry.Status,
		&entry.Attempts,
		&entry.LeaseOwner,
		&leaseUntil,
		&retryAt,
		&createdAt,
		&processedAt,
		&firstFailedAt,
		&entry.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, ErrNotFound
	}
	if err != nil {
		return OutboxEntry{}, err
	}
	if err := json.Unmarshal([]byte(payload), &entry.Request); err != nil {
		return OutboxEntry{}, fmt.Errorf("decode action request %s: %w", id, err)
	}
	entry.LeaseUntil = parseTime(leaseUntil)
	entry.RetryAt = parseTime(retryAt)
	entry.CreatedAt = parseTime(createdAt)
	if ts := parseTime(processedAt); !ts.IsZero() {
		entry.ProcessedAt = &ts
	}
	if ts := parseTime(firstFailedAt); !ts.IsZero() {
		entry.FirstFailedAt = &ts
	}
	return entry, nil
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

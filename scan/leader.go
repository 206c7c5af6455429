package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LeaderLock grants whole-scan exclusivity across instances where hash
// partitioning is not configured. Acquire returns ok=false when another
// holder owns a live lease.
type LeaderLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// InMemoryLeaderLock is a single-process lease, useful for tests and
// embedded deployments.
type InMemoryLeaderLock struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	owner string
	until time.Time
}

// NewInMemoryLeaderLock constructs an empty lease table.
func NewInMemoryLeaderLock() *InMemoryLeaderLock {
	return &InMemoryLeaderLock{
		leases: make(map[string]memoryLease),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the lease clock. Test hook.
func (l *InMemoryLeaderLock) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *InMemoryLeaderLock) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if l == nil {
		return nil, false, errors.New("leader lock not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("lease key required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if lease, held := l.leases[key]; held && lease.until.After(now) {
		return nil, false, nil
	}
	owner := uuid.NewString()
	l.leases[key] = memoryLease{owner: owner, until: now.Add(ttl)}
	// Release only the lease this acquire took: after expiry another
	// holder may own the key, and a late release must not evict it.
	release := func() {
		l.mu.Lock()
		if lease, held := l.leases[key]; held && lease.owner == owner {
			delete(l.leases, key)
		}
		l.mu.Unlock()
	}
	return release, true, nil
}

// SQLiteLeaderLock is a TTL lease over a shared SQLite table, usable by
// multiple scheduler instances pointing at the same database.
type SQLiteLeaderLock struct {
	db    *sql.DB
	table string
	owner string
	now   func() time.Time
}

// NewSQLiteLeaderLock builds a lease store; each instance gets a random
// owner id.
func NewSQLiteLeaderLock(db *sql.DB) *SQLiteLeaderLock {
	return &SQLiteLeaderLock{
		db:    db,
		table: "scan_leases",
		owner: uuid.NewString(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the lease clock. Test hook.
func (l *SQLiteLeaderLock) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *SQLiteLeaderLock) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		until TEXT NOT NULL
	)`, l.table)
	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure lease schema: %w", err)
	}
	return nil
}

func (l *SQLiteLeaderLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if l == nil || l.db == nil {
		return nil, false, errors.New("leader lock not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("lease key required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, false, err
	}
	// Fixed-width timestamps keep string comparison chronological.
	const layout = "2006-01-02T15:04:05.000000000Z07:00"
	now := l.now()
	until := now.Add(ttl).Format(layout)

	// Take the lease when absent or expired; a live lease held by another
	// owner leaves zero rows affected.
	q := fmt.Sprintf(`INSERT INTO %s (key, owner, until) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET owner = excluded.owner, until = excluded.until
		WHERE %s.until <= ? OR %s.owner = excluded.owner`, l.table, l.table, l.table)
	res, err := l.db.ExecContext(ctx, q, key, l.owner, until, now.Format(layout))
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		return nil, false, nil
	}
	release := func() {
		del := fmt.Sprintf(`DELETE FROM %s WHERE key = ? AND owner = ?`, l.table)
		_, _ = l.db.ExecContext(context.Background(), del, key, l.owner)
	}
	return release, true, nil
}

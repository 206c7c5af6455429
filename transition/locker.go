package transition

import (
	"strings"
	"sync"
)

// recordLocker serializes work per record id. Lock refs are refcounted so
// the map does not grow with every record ever seen.
type recordLocker struct {
	mu    sync.Mutex
	locks map[string]*recordLockRef
}

type recordLockRef struct {
	mu   sync.Mutex
	refs int
}

func newRecordLocker() *recordLocker {
	return &recordLocker{
		locks: make(map[string]*recordLockRef),
	}
}

// Lock acquires the per-record mutex and returns its release func.
func (l *recordLocker) Lock(recordID string) func() {
	if l == nil {
		return func() {}
	}
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return func() {}
	}
	l.mu.Lock()
	ref, ok := l.locks[recordID]
	if !ok || ref == nil {
		ref = &recordLockRef{}
		l.locks[recordID] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs <= 0 {
			delete(l.locks, recordID)
		}
		l.mu.Unlock()
	}
}

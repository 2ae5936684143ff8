package chat

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// lockTable hands out one weighted-1 semaphore per conversation. TryAcquire
// never blocks: a conversation with a generation in flight answers Busy
// instead of queueing. Entries are evicted on Release, so the table only
// holds conversations with a generation in flight; acquire and release both
// run under mu, which keeps a just-evicted semaphore from being re-acquired
// through a stale reference.
type lockTable struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newLockTable() *lockTable {
	return &lockTable{sems: make(map[string]*semaphore.Weighted)}
}

func (t *lockTable) TryAcquire(convID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.sems[convID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		t.sems[convID] = sem
	}
	return sem.TryAcquire(1)
}

func (t *lockTable) Release(convID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.sems[convID]
	if !ok {
		return
	}
	sem.Release(1)
	delete(t.sems, convID)
}

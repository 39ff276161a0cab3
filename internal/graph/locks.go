package graph

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/zjrosen/strata/internal/errs"
)

// LockMode selects how a mutation behaves when its instance is locked.
type LockMode string

const (
	// LockBlock waits for the lock, bounded by the caller's context.
	LockBlock LockMode = "block"
	// LockReject fails immediately with errs.ErrConcurrentUpdate.
	LockReject LockMode = "reject"
)

// IsValid reports whether m is a known mode.
func (m LockMode) IsValid() bool {
	return m == LockBlock || m == LockReject
}

type guidLock struct {
	sem  *semaphore.Weighted
	refs int
}

// lockTable holds one exclusive lock per instance GUID. Entries exist only
// while someone holds or waits for them.
type lockTable struct {
	mode  LockMode
	mu    sync.Mutex
	locks map[string]*guidLock
}

func newLockTable(mode LockMode) *lockTable {
	return &lockTable{mode: mode, locks: make(map[string]*guidLock)}
}

func (t *lockTable) ref(guid string) *guidLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[guid]
	if !ok {
		l = &guidLock{sem: semaphore.NewWeighted(1)}
		t.locks[guid] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(guid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.locks[guid]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, guid)
	}
}

// acquire locks every GUID in sorted order so callers locking overlapping
// sets cannot deadlock. The returned func releases them all.
func (t *lockTable) acquire(ctx context.Context, guids ...string) (func(), error) {
	sorted := slices.Clone(guids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	type heldLock struct {
		guid string
		lock *guidLock
	}
	var held []heldLock
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].lock.sem.Release(1)
			t.unref(held[i].guid)
		}
	}

	for _, guid := range sorted {
		l := t.ref(guid)
		var err error
		if t.mode == LockReject {
			if !l.sem.TryAcquire(1) {
				err = errs.Wrap(errs.ErrConcurrentUpdate, "instance %s is locked", guid)
			}
		} else if aerr := l.sem.Acquire(ctx, 1); aerr != nil {
			err = fmt.Errorf("waiting for lock on %s: %w", guid, aerr)
		}
		if err != nil {
			t.unref(guid)
			release()
			return nil, err
		}
		held = append(held, heldLock{guid: guid, lock: l})
	}
	return release, nil
}

// held returns the number of GUIDs with a live entry.
func (t *lockTable) held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

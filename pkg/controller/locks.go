// Package controller is the Raft-replicated cluster controller: the
// FSM that applies committed commands to storage, the priority/backfill
// scheduler, the job/step state machine, and the node-failure
// reconciliation loop.
package controller

import "sync"

// LockName identifies one of the controller's four independent
// reader/writer locks. The canonical acquisition order is fixed:
// config, jobs, nodes, partitions. Acquiring out of that order risks
// deadlock against a concurrent holder going the other way, so every
// caller goes through LockManager.AcquireRead/AcquireWrite rather than
// locking directly.
type LockName int

const (
	LockConfig LockName = iota
	LockJobs
	LockNodes
	LockPartitions
	lockCount
)

func (n LockName) String() string {
	switch n {
	case LockConfig:
		return "config"
	case LockJobs:
		return "jobs"
	case LockNodes:
		return "nodes"
	case LockPartitions:
		return "partitions"
	default:
		return "unknown"
	}
}

// LockManager holds the four rwlocks and enforces the canonical
// acquisition order declared by each handler up front, rather than
// discovering a violation only when two handlers deadlock in
// production.
type LockManager struct {
	locks [lockCount]sync.RWMutex
}

// NewLockManager returns a LockManager with all locks free.
func NewLockManager() *LockManager {
	return &LockManager{}
}

// held is released by calling its Release method, in reverse acquisition
// order.
type held struct {
	names []LockName
	write bool
	m     *LockManager
}

func (h *held) Release() {
	for i := len(h.names) - 1; i >= 0; i-- {
		n := h.names[i]
		if h.write {
			h.m.locks[n].Unlock()
		} else {
			h.m.locks[n].RUnlock()
		}
	}
}

// sortedCanonical returns names sorted into the canonical order and
// panics on a duplicate, since a handler declaring the same lock twice
// is a programmer error, not a runtime condition to recover from.
func sortedCanonical(names []LockName) []LockName {
	var out []LockName
	seen := make(map[LockName]bool)
	for n := LockConfig; n < lockCount; n++ {
		for _, want := range names {
			if want == n {
				if seen[n] {
					panic("controller: lock requested twice: " + n.String())
				}
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// AcquireWrite locks every named lock for writing, in canonical order,
// and returns a releaser.
func (m *LockManager) AcquireWrite(names ...LockName) *held {
	ordered := sortedCanonical(names)
	for _, n := range ordered {
		m.locks[n].Lock()
	}
	return &held{names: ordered, write: true, m: m}
}

// AcquireRead locks every named lock for reading, in canonical order,
// and returns a releaser.
func (m *LockManager) AcquireRead(names ...LockName) *held {
	ordered := sortedCanonical(names)
	for _, n := range ordered {
		m.locks[n].RLock()
	}
	return &held{names: ordered, write: false, m: m}
}

package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockManagerSortsIntoCanonicalOrder(t *testing.T) {
	m := NewLockManager()
	ordered := sortedCanonical([]LockName{LockPartitions, LockConfig, LockNodes})
	require.Equal(t, []LockName{LockConfig, LockNodes, LockPartitions}, ordered)

	held := m.AcquireWrite(LockPartitions, LockConfig)
	require.Equal(t, []LockName{LockConfig, LockPartitions}, held.names)
	held.Release()
}

func TestLockManagerPanicsOnDuplicateRequest(t *testing.T) {
	require.Panics(t, func() {
		sortedCanonical([]LockName{LockJobs, LockJobs})
	})
}

func TestLockManagerReadersDoNotBlockEachOther(t *testing.T) {
	m := NewLockManager()
	h1 := m.AcquireRead(LockNodes)
	h2 := m.AcquireRead(LockNodes)
	h1.Release()
	h2.Release()
}

func TestLockManagerWriteExcludesRead(t *testing.T) {
	m := NewLockManager()
	held := m.AcquireWrite(LockJobs)
	done := make(chan struct{})
	go func() {
		r := m.AcquireRead(LockJobs)
		r.Release()
		close(done)
	}()

	// Give the goroutine a chance to block on AcquireRead before we
	// assert it hasn't completed.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("reader acquired lock while writer held it")
	default:
	}
	held.Release()
	<-done
}

package controller

import (
	"testing"
	"time"

	"github.com/quartzsched/quartz/pkg/bitmap"
	"github.com/quartzsched/quartz/pkg/resource"
	"github.com/quartzsched/quartz/pkg/storage"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStateMachine(t *testing.T) (*StateMachine, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctrl := &Controller{store: store, locks: NewLockManager()}
	sm := &StateMachine{ctrl: ctrl, resources: resource.New()}
	return sm, store
}

// TestTerminalJobsAbsorbCompleteAndNodeFail covers the absorbing-state
// property: once a job is in a terminal state, CompleteJob and
// NodeFailJob must be no-ops rather than re-entering the Raft log (and
// so must never dereference the nil *raft.Raft these tests leave
// unset).
func TestTerminalJobsAbsorbCompleteAndNodeFail(t *testing.T) {
	sm, store := newTestStateMachine(t)
	job := &types.Job{ID: 1, State: types.JobStateCancelled, EndTime: time.Unix(100, 0)}
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, sm.CompleteJob(1, 0))
	require.NoError(t, sm.NodeFailJob(1))
	require.NoError(t, sm.CancelJob(1))

	got, err := store.GetJob(1)
	require.NoError(t, err)
	require.Equal(t, types.JobStateCancelled, got.State)
	require.Equal(t, time.Unix(100, 0), got.EndTime)
}

func TestTargetsForResolvesAllocatedNodes(t *testing.T) {
	sm, _ := newTestStateMachine(t)
	require.NoError(t, sm.resources.RegisterNode(&types.Node{Name: "node00", Address: "10.0.0.1:7000"}))
	require.NoError(t, sm.resources.RegisterNode(&types.Node{Name: "node01", Address: "10.0.0.2:7000"}))

	alloc := bitmap.New(2)
	alloc.Set(0)
	alloc.Set(1)
	job := &types.Job{AllocNodes: alloc}

	targets := sm.targetsFor(job)
	require.Len(t, targets, 2)
	require.Equal(t, "node00", targets[0].Name)
	require.Equal(t, "node01", targets[1].Name)
}

func TestTargetsForNilAllocReturnsEmpty(t *testing.T) {
	sm, _ := newTestStateMachine(t)
	require.Empty(t, sm.targetsFor(&types.Job{}))
}

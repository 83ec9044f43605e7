package controller

import (
	"testing"
	"time"

	"github.com/quartzsched/quartz/pkg/resource"
	"github.com/quartzsched/quartz/pkg/storage"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*Reconciler, *resource.Table) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctrl := &Controller{store: store, locks: NewLockManager()}
	resources := resource.New()
	sm := &StateMachine{ctrl: ctrl, resources: resources}
	r := NewReconciler(ctrl, sm, time.Second)
	return r, resources
}

func TestReconcilerFlagsStaleNode(t *testing.T) {
	r, resources := newTestReconciler(t)
	require.NoError(t, resources.RegisterNode(&types.Node{
		Name:         "node01",
		State:        types.NodeStateIdle,
		LastResponse: time.Now().Add(-45 * time.Second),
	}))

	r.reconcileNodes()

	n, err := resources.GetByName("node01")
	require.NoError(t, err)
	require.True(t, n.Flags.Has(types.NodeFlagNoRespond))
	require.Equal(t, types.NodeStateIdle, n.State)
}

func TestReconcilerMarksLongStaleNodeDown(t *testing.T) {
	r, resources := newTestReconciler(t)
	require.NoError(t, resources.RegisterNode(&types.Node{
		Name:         "node01",
		State:        types.NodeStateIdle,
		LastResponse: time.Now().Add(-2 * time.Minute),
	}))

	r.reconcileNodes()

	n, err := resources.GetByName("node01")
	require.NoError(t, err)
	require.Equal(t, types.NodeStateDown, n.State)
}

func TestReconcilerLeavesFreshNodeAlone(t *testing.T) {
	r, resources := newTestReconciler(t)
	require.NoError(t, resources.RegisterNode(&types.Node{
		Name:         "node01",
		State:        types.NodeStateIdle,
		LastResponse: time.Now(),
	}))

	r.reconcileNodes()

	n, err := resources.GetByName("node01")
	require.NoError(t, err)
	require.Equal(t, types.NodeStateIdle, n.State)
	require.False(t, n.Flags.Has(types.NodeFlagNoRespond))
}

func TestReconcilerSkipsAlreadyDownNode(t *testing.T) {
	r, resources := newTestReconciler(t)
	require.NoError(t, resources.RegisterNode(&types.Node{
		Name:         "node01",
		State:        types.NodeStateDown,
		Reason:       "manual",
		LastResponse: time.Now().Add(-10 * time.Minute),
	}))

	r.reconcileNodes()

	n, err := resources.GetByName("node01")
	require.NoError(t, err)
	require.Equal(t, "manual", n.Reason)
}

package storage

import (
	"testing"

	"github.com/quartzsched/quartz/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNodeCRUD(t *testing.T) {
	s := newTestStore(t)

	n := &types.Node{Name: "node01", Address: "10.0.0.1", State: types.NodeStateIdle}
	require.NoError(t, s.CreateNode(n))

	got, err := s.GetNode("node01")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", got.Address)

	n.State = types.NodeStateDown
	require.NoError(t, s.UpdateNode(n))
	got, err = s.GetNode("node01")
	require.NoError(t, err)
	require.Equal(t, types.NodeStateDown, got.State)

	list, err := s.ListNodes()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteNode("node01"))
	_, err = s.GetNode("node01")
	require.Error(t, err)
}

func TestPartitionCRUD(t *testing.T) {
	s := newTestStore(t)

	p := &types.Partition{Name: "batch", MaxJobSize: 100}
	require.NoError(t, s.CreatePartition(p))

	got, err := s.GetPartition("batch")
	require.NoError(t, err)
	require.Equal(t, 100, got.MaxJobSize)

	require.NoError(t, s.DeletePartition("batch"))
	_, err = s.GetPartition("batch")
	require.Error(t, err)
}

func TestAssociationCRUD(t *testing.T) {
	s := newTestStore(t)

	a := &types.Association{ID: 1, Account: "root"}
	require.NoError(t, s.CreateAssociation(a))

	got, err := s.GetAssociation(1)
	require.NoError(t, err)
	require.Equal(t, "root", got.Account)

	list, err := s.ListAssociations()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteAssociation(1))
	_, err = s.GetAssociation(1)
	require.Error(t, err)
}

func TestQoSCRUD(t *testing.T) {
	s := newTestStore(t)

	q := &types.QoS{ID: 1, Name: "standard"}
	require.NoError(t, s.CreateQoS(q))

	got, err := s.GetQoS(1)
	require.NoError(t, err)
	require.Equal(t, "standard", got.Name)

	list, err := s.ListQoS()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteQoS(1))
	_, err = s.GetQoS(1)
	require.Error(t, err)
}

func TestJobCRUD(t *testing.T) {
	s := newTestStore(t)

	j := &types.Job{ID: 1001, State: types.JobStatePending, OwnerUID: 1000}
	require.NoError(t, s.CreateJob(j))

	got, err := s.GetJob(1001)
	require.NoError(t, err)
	require.Equal(t, types.JobStatePending, got.State)

	j.State = types.JobStateRunning
	require.NoError(t, s.UpdateJob(j))
	got, err = s.GetJob(1001)
	require.NoError(t, err)
	require.Equal(t, types.JobStateRunning, got.State)

	list, err := s.ListJobs()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteJob(1001))
	_, err = s.GetJob(1001)
	require.Error(t, err)
}

func TestStepCRUDAndListByJob(t *testing.T) {
	s := newTestStore(t)

	s1 := &types.Step{JobID: 1001, StepID: 0, State: types.JobStateRunning}
	s2 := &types.Step{JobID: 1001, StepID: 1, State: types.JobStatePending}
	other := &types.Step{JobID: 1002, StepID: 0, State: types.JobStateRunning}
	require.NoError(t, s.CreateStep(s1))
	require.NoError(t, s.CreateStep(s2))
	require.NoError(t, s.CreateStep(other))

	got, err := s.GetStep(1001, 0)
	require.NoError(t, err)
	require.Equal(t, types.JobStateRunning, got.State)

	list, err := s.ListStepsForJob(1001)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, s.DeleteStep(1001, 0))
	list, err = s.ListStepsForJob(1001)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSigningKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSigningKey()
	require.Error(t, err)

	require.NoError(t, s.SaveSigningKey([]byte("fake-key-bytes")))
	got, err := s.GetSigningKey()
	require.NoError(t, err)
	require.Equal(t, []byte("fake-key-bytes"), got)
}

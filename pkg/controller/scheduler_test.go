package controller

import (
	"testing"
	"time"

	"github.com/quartzsched/quartz/pkg/bitmap"
	"github.com/quartzsched/quartz/pkg/resource"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/stretchr/testify/require"
)

// TestScenarioS4_ContiguousSelectionPicksLowestIndices exercises the
// exact placement scenario: 10 nodes x 4 CPUs IDLE, a job asking for 8
// CPUs with --contiguous should land on nodes {0,1}, the lowest
// contiguous run satisfying both the node count implied by MinCPUs/4
// and the CPU total.
func TestScenarioS4_ContiguousSelectionPicksLowestIndices(t *testing.T) {
	idle := bitmap.New(10)
	idle.SetAll()
	cpusPerNode := make([]int, 10)
	for i := range cpusPerNode {
		cpusPerNode[i] = 4
	}

	sel := selectContiguous(idle, 2, cpusPerNode, 8)
	require.NotNil(t, sel)
	require.Equal(t, 2, sel.SetCount())
	require.True(t, sel.Test(0))
	require.True(t, sel.Test(1))
	for i := 2; i < 10; i++ {
		require.False(t, sel.Test(i))
	}
}

func TestSelectContiguousSkipsNonIdleRun(t *testing.T) {
	idle := bitmap.New(6)
	idle.SetAll()
	idle.Clear(1) // breaks the run starting at 0
	cpusPerNode := []int{4, 4, 4, 4, 4, 4}

	sel := selectContiguous(idle, 2, cpusPerNode, 8)
	require.NotNil(t, sel)
	require.True(t, sel.Test(2))
	require.True(t, sel.Test(3))
	require.False(t, sel.Test(0))
	require.False(t, sel.Test(1))
}

func TestSelectContiguousReturnsNilWhenNoRunFits(t *testing.T) {
	idle := bitmap.New(4)
	idle.Set(0)
	idle.Set(3)
	cpusPerNode := []int{4, 4, 4, 4}

	sel := selectContiguous(idle, 2, cpusPerNode, 8)
	require.Nil(t, sel)
}

func TestSelectBySmallestIndexSkipsNonIdle(t *testing.T) {
	idle := bitmap.New(5)
	idle.Set(1)
	idle.Set(2)
	idle.Set(4)
	cpusPerNode := []int{4, 4, 4, 4, 4}

	sel := selectBySmallestIndex(idle, 2, cpusPerNode, 4)
	require.NotNil(t, sel)
	require.True(t, sel.Test(1))
	require.True(t, sel.Test(2))
	require.False(t, sel.Test(4))
}

func TestSelectBySmallestIndexReturnsNilOnInsufficientCapacity(t *testing.T) {
	idle := bitmap.New(3)
	idle.Set(0)
	cpusPerNode := []int{4, 4, 4}

	sel := selectBySmallestIndex(idle, 2, cpusPerNode, 4)
	require.Nil(t, sel)
}

func TestSortByPriorityOrdersByAgeThenID(t *testing.T) {
	now := time.Now()
	jobs := []*types.Job{
		{ID: 3, SubmitTime: now},
		{ID: 1, SubmitTime: now.Add(-time.Minute)},
		{ID: 2, SubmitTime: now},
	}
	sortByPriority(jobs)
	require.Equal(t, []types.JobID{1, 2, 3}, []types.JobID{jobs[0].ID, jobs[1].ID, jobs[2].ID})
}

func newTestSchedulerResources(t *testing.T) *resource.Table {
	t.Helper()
	tbl := resource.New()
	require.NoError(t, tbl.AddPartition(&types.Partition{Name: "batch", MaxTime: 2 * time.Hour}))
	return tbl
}

func TestEstimatedDurationUsesPartitionMaxTime(t *testing.T) {
	sm := &StateMachine{resources: newTestSchedulerResources(t)}
	s := &Scheduler{sm: sm}

	job := &types.Job{Request: types.ResourceRequest{Partition: "batch"}}
	require.Equal(t, 2*time.Hour, s.estimatedDuration(job))

	unset := &types.Job{Request: types.ResourceRequest{}}
	require.Equal(t, time.Duration(0), s.estimatedDuration(unset))
}

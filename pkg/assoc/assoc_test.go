package assoc

import (
	"testing"

	"github.com/quartzsched/quartz/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestScenarioS3_AddBulkDefaultAccountAndLineage(t *testing.T) {
	tree := New("cluster1", false)

	sci, err := tree.Add(RootID, &types.Association{Account: "sci", MaxJobs: 50})
	require.NoError(t, err)
	require.Equal(t, "/root/sci/", sci.Lineage)

	res, err := tree.AddBulk("cluster1", nil, []string{"alice", "bob"}, nil, AddBulkPolicy{
		ParentAccountID: sci.ID,
		DefaultForUser:  "alice",
	})
	require.NoError(t, err)
	require.Len(t, res.Added, 2)

	aliceID := res.Added[0].ID
	alice, err := tree.Get(aliceID)
	require.NoError(t, err)
	require.Equal(t, "/root/sci/0-alice/", alice.Lineage)
	require.True(t, alice.IsDefaultAccount)

	limit, err := tree.EffectiveLimit(alice.ID, func(a *types.Association) int { return a.MaxJobs })
	require.NoError(t, err)
	require.Equal(t, 50, limit)
}

func TestAddRejectsMissingParent(t *testing.T) {
	tree := New("c1", false)
	_, err := tree.Add(999, &types.Association{Account: "x"})
	require.Error(t, err)
}

func TestSecondDefaultAccountRejected(t *testing.T) {
	tree := New("c1", false)
	a1, _ := tree.Add(RootID, &types.Association{Account: "a1"})
	a2, _ := tree.Add(RootID, &types.Association{Account: "a2"})

	_, err := tree.Add(a1.ID, &types.Association{User: "alice", IsDefaultAccount: true})
	require.NoError(t, err)

	_, err = tree.Add(a2.ID, &types.Association{User: "alice", IsDefaultAccount: true})
	require.Error(t, err)
}

func TestMoveParentRewritesLineage(t *testing.T) {
	tree := New("c1", false)
	a1, _ := tree.Add(RootID, &types.Association{Account: "a1"})
	a2, _ := tree.Add(RootID, &types.Association{Account: "a2"})
	child, _ := tree.Add(a1.ID, &types.Association{Account: "child"})
	grandchild, _ := tree.Add(child.ID, &types.Association{User: "bob"})

	require.NoError(t, tree.MoveParent(child.ID, a2.ID))

	movedChild, _ := tree.Get(child.ID)
	require.Equal(t, "/root/a2/child/", movedChild.Lineage)

	movedGrandchild, _ := tree.Get(grandchild.ID)
	require.Equal(t, "/root/a2/child/0-bob/", movedGrandchild.Lineage)

	require.NoError(t, tree.CheckInvariants())
}

func TestMoveParentRejectsMovingUnderOwnDescendant(t *testing.T) {
	tree := New("c1", false)
	a1, _ := tree.Add(RootID, &types.Association{Account: "a1"})
	child, _ := tree.Add(a1.ID, &types.Association{Account: "child"})

	err := tree.MoveParent(a1.ID, child.ID)
	require.Error(t, err)
}

func TestRemoveCondRejectsNodeWithLivingChildren(t *testing.T) {
	tree := New("c1", false)
	a1, _ := tree.Add(RootID, &types.Association{Account: "a1"})
	tree.Add(a1.ID, &types.Association{User: "alice"})

	_, err := tree.RemoveCond(func(a *types.Association) bool { return a.ID == a1.ID })
	require.Error(t, err)
}

func TestRemoveThenPurgeAfterLastJobCompletes(t *testing.T) {
	tree := New("c1", false)
	a1, _ := tree.Add(RootID, &types.Association{Account: "a1"})
	leaf, _ := tree.Add(a1.ID, &types.Association{User: "alice"})

	_, err := tree.RemoveCond(func(a *types.Association) bool { return a.ID == leaf.ID })
	require.NoError(t, err)

	hasJobs := true
	err = tree.Purge(leaf.ID, func(uint32) bool { return hasJobs })
	require.Error(t, err)

	hasJobs = false
	err = tree.Purge(leaf.ID, func(uint32) bool { return hasJobs })
	require.NoError(t, err)

	_, err = tree.Get(leaf.ID)
	require.Error(t, err)
}

func TestQoSDeltaResolutionAdditiveSubtractive(t *testing.T) {
	tree := New("c1", false)
	a1, _ := tree.Add(RootID, &types.Association{Account: "a1", QoSDelta: []string{"+standard", "+gpu"}})
	leaf, _ := tree.Add(a1.ID, &types.Association{User: "alice", QoSDelta: []string{"-gpu", "+preempt"}})

	resolved, err := tree.ResolveQoS(leaf.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"standard", "preempt"}, resolved)
}

func TestDefaultQoSMustBeInResolvedSet(t *testing.T) {
	tree := New("c1", false)
	a1, _ := tree.Add(RootID, &types.Association{Account: "a1", QoSDelta: []string{"+standard"}})

	_, err := tree.Add(a1.ID, &types.Association{User: "alice", DefaultQoSName: "gpu"})
	require.Error(t, err)

	leaf, err := tree.Add(a1.ID, &types.Association{User: "bob", DefaultQoSName: "standard"})
	require.NoError(t, err)
	require.Equal(t, "standard", leaf.DefaultQoSName)
}

func TestCoordinatorAuthorization(t *testing.T) {
	tree := New("c1", false)
	a1, _ := tree.Add(RootID, &types.Association{Account: "a1", QoSDelta: []string{"+standard"}})
	child, _ := tree.Add(a1.ID, &types.Association{Account: "child"})
	coordAssoc, _ := tree.Add(a1.ID, &types.Association{User: "alice", QoSDelta: []string{"+standard"}})

	require.NoError(t, tree.AddCoordinator(a1.ID, "alice"))

	err := tree.AuthorizeCoordinator("alice", child.ID, coordAssoc.ID, []string{"standard"})
	require.NoError(t, err)

	err = tree.AuthorizeCoordinator("alice", child.ID, coordAssoc.ID, []string{"gpu"})
	require.Error(t, err)

	err = tree.AuthorizeCoordinator("mallory", child.ID, coordAssoc.ID, []string{"standard"})
	require.Error(t, err)
}

func TestCheckInvariantsOnFreshTree(t *testing.T) {
	tree := New("c1", false)
	tree.Add(RootID, &types.Association{Account: "a1"})
	require.NoError(t, tree.CheckInvariants())
}

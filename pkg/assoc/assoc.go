// Package assoc implements the accounting association tree (spec
// module C): cluster -> account -> user[/partition] records, limit
// inheritance, QoS delta resolution, and coordinator authorization.
package assoc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/types"
)

// RootID is the synthetic root association's id, the only association
// with no parent.
const RootID uint32 = 1

// Tree is the in-memory association tree. It holds only the current
// materialized state plus the invariants: its mutations carry no
// timestamp and write no transaction row to any store.
type Tree struct {
	mu         sync.RWMutex
	byID       map[uint32]*types.Association
	children   map[uint32][]uint32 // parent id -> child ids, insertion order
	coords     map[uint32]map[string]bool // account id -> set of coordinator usernames
	nextID     uint32
	allowNoDef bool // configuration flag: allow a user with zero default accounts
}

// New returns a tree containing only the synthetic root account.
func New(cluster string, allowNoDefault bool) *Tree {
	t := &Tree{
		byID:       make(map[uint32]*types.Association),
		children:   make(map[uint32][]uint32),
		coords:     make(map[uint32]map[string]bool),
		nextID:     RootID,
		allowNoDef: allowNoDefault,
	}
	t.byID[RootID] = &types.Association{
		ID:      RootID,
		Cluster: cluster,
		Account: "root",
		Lineage: "/root/",
	}
	t.nextID++
	return t
}

func (t *Tree) isLeaf(a *types.Association) bool {
	return a.User != ""
}

// computeLineage derives a child's lineage string from its parent.
func computeLineage(parent *types.Association, child *types.Association) string {
	if child.User == "" {
		return parent.Lineage + child.Account + "/"
	}
	l := parent.Lineage + "0-" + child.User + "/"
	if child.Partition != "" {
		l += child.Partition + "/"
	}
	return l
}

// Add inserts a new association under parentID. Returns NotFound if the
// parent is missing/deleted, and ConstraintViolation if the user already
// has a default account on the parent's cluster or if default_qos_name
// is not in the resolved QoS set.
func (t *Tree) Add(parentID uint32, a *types.Association) (*types.Association, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(parentID, a)
}

func (t *Tree) addLocked(parentID uint32, a *types.Association) (*types.Association, error) {
	parent, ok := t.byID[parentID]
	if !ok || parent.Deleted {
		return nil, errs.New(errs.NotFound, "assoc.Add", fmt.Sprintf("no such living parent %d", parentID))
	}
	if a.IsDefaultAccount && t.isLeaf(a) {
		if existing := t.findDefault(parent.Cluster, a.User); existing != nil && existing.ID != a.ID {
			return nil, errs.New(errs.ConstraintViolation, "assoc.Add",
				fmt.Sprintf("user %s already has a default account on cluster %s", a.User, parent.Cluster))
		}
	}
	a.ID = t.nextID
	t.nextID++
	a.ParentID = parentID
	a.Cluster = parent.Cluster
	a.Lineage = computeLineage(parent, a)

	if a.DefaultQoSName != "" {
		resolved := t.resolveQoSLocked(a)
		if !containsQoS(resolved, a.DefaultQoSName) {
			return nil, errs.New(errs.ConstraintViolation, "assoc.Add",
				"default_qos_name is not in the association's resolved QoS set")
		}
	}

	t.byID[a.ID] = a
	t.children[parentID] = append(t.children[parentID], a.ID)
	return a, nil
}

// findDefault returns the user's current default association on
// cluster, or nil.
func (t *Tree) findDefault(cluster, user string) *types.Association {
	for _, a := range t.byID {
		if !a.Deleted && a.User == user && a.Cluster == cluster && a.IsDefaultAccount {
			return a
		}
	}
	return nil
}

// AddBulkPolicy describes how AddBulk materializes a cross-product of
// accounts x users x partitions on one cluster.
type AddBulkPolicy struct {
	ParentAccountID  uint32
	DefaultForUser   string // if non-empty, the added leaf becomes this user's default
	MaxJobs          int
	MaxSubmitJobs    int
}

// AddBulkResult separates what AddBulk actually created from what
// already existed, per the add_cond contract: callers need both the
// successfully-added rows and an invalidation list for the association
// cache.
type AddBulkResult struct {
	Added      []*types.Association
	Skipped    []string // account names and "account/user/partition" keys that already existed
	Invalidate []uint32
}

// AddBulk adds accounts × users × partitions under one parent,
// skipping rows that already exist.
func (t *Tree) AddBulk(cluster string, accounts, users, partitions []string, policy AddBulkPolicy) (*AddBulkResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := &AddBulkResult{}
	if len(partitions) == 0 {
		partitions = []string{""}
	}

	for _, acct := range accounts {
		acctAssoc := t.findChildLocked(policy.ParentAccountID, acct, "")
		if acctAssoc == nil {
			created, err := t.addLocked(policy.ParentAccountID, &types.Association{Account: acct})
			if err != nil {
				return nil, err
			}
			acctAssoc = created
			res.Added = append(res.Added, created)
			res.Invalidate = append(res.Invalidate, created.ID)
		} else {
			res.Skipped = append(res.Skipped, acct)
		}

		for _, user := range users {
			for _, part := range partitions {
				exists := false
				for _, cid := range t.children[acctAssoc.ID] {
					c := t.byID[cid]
					if !c.Deleted && c.User == user && c.Partition == part {
						exists = true
						break
					}
				}
				if exists {
					res.Skipped = append(res.Skipped, fmt.Sprintf("%s/%s/%s", acct, user, part))
					continue
				}
				leaf := &types.Association{
					User:             user,
					Partition:        part,
					MaxJobs:          policy.MaxJobs,
					MaxSubmitJobs:    policy.MaxSubmitJobs,
					IsDefaultAccount: user == policy.DefaultForUser,
				}
				leaf.Cluster = cluster
				created, err := t.addLocked(acctAssoc.ID, leaf)
				if err != nil {
					return nil, err
				}
				res.Added = append(res.Added, created)
				res.Invalidate = append(res.Invalidate, created.ID)
			}
		}
	}
	return res, nil
}

func (t *Tree) findChildLocked(parentID uint32, account, user string) *types.Association {
	for _, cid := range t.children[parentID] {
		c := t.byID[cid]
		if c.Deleted {
			continue
		}
		if account != "" && c.Account == account {
			return c
		}
		if user != "" && c.User == user {
			return c
		}
	}
	return nil
}

// Get returns the association with the given id.
func (t *Tree) Get(id uint32) (*types.Association, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.byID[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "assoc.Get", fmt.Sprintf("no such association %d", id))
	}
	return a, nil
}

// Modify applies fn to the association's mutable fields, then
// re-validates the default-QoS invariant.
func (t *Tree) Modify(id uint32, fn func(*types.Association)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.byID[id]
	if !ok || a.Deleted {
		return errs.New(errs.NotFound, "assoc.Modify", fmt.Sprintf("no such living association %d", id))
	}
	fn(a)
	if a.DefaultQoSName != "" {
		resolved := t.resolveQoSLocked(a)
		if !containsQoS(resolved, a.DefaultQoSName) {
			return errs.New(errs.ConstraintViolation, "assoc.Modify",
				"default_qos_name is not in the association's resolved QoS set")
		}
	}
	return nil
}

// ModifyCond applies fn to every living association matching pred.
func (t *Tree) ModifyCond(pred func(*types.Association) bool, fn func(*types.Association)) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var touched []uint32
	for id, a := range t.byID {
		if a.Deleted || !pred(a) {
			continue
		}
		fn(a)
		touched = append(touched, id)
	}
	return touched
}

// RemoveCond soft-deletes every living non-root association matching
// pred. If a matching association has living children it returns
// ConstraintViolation (invariant 1: every non-root record has a living
// parent); matches soft-deleted before that one stay deleted.
func (t *Tree) RemoveCond(pred func(*types.Association) bool) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []uint32
	for id, a := range t.byID {
		if a.Deleted || id == RootID || !pred(a) {
			continue
		}
		for _, cid := range t.children[id] {
			if !t.byID[cid].Deleted {
				return nil, errs.New(errs.ConstraintViolation, "assoc.RemoveCond",
					fmt.Sprintf("association %d has living children", id))
			}
		}
		a.Deleted = true
		removed = append(removed, id)
	}
	return removed, nil
}

// Purge permanently removes associations that are deleted and hold no
// jobs (hasActiveJobs reports whether any job still references id).
// Called once a deleted association's last job completes.
func (t *Tree) Purge(id uint32, hasActiveJobs func(uint32) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.byID[id]
	if !ok {
		return errs.New(errs.NotFound, "assoc.Purge", fmt.Sprintf("no such association %d", id))
	}
	if !a.Deleted {
		return errs.New(errs.ConstraintViolation, "assoc.Purge", "association is not marked deleted")
	}
	if hasActiveJobs(id) {
		return errs.New(errs.ConstraintViolation, "assoc.Purge", "association still has active jobs")
	}
	delete(t.byID, id)
	if siblings, ok := t.children[a.ParentID]; ok {
		t.children[a.ParentID] = removeID(siblings, id)
	}
	delete(t.children, id)
	return nil
}

func removeID(ids []uint32, target uint32) []uint32 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// MoveParent retargets a subtree under newParentID, rewriting the
// lineage of the moved association and every descendant.
func (t *Tree) MoveParent(id, newParentID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.byID[id]
	if !ok || a.Deleted {
		return errs.New(errs.NotFound, "assoc.MoveParent", fmt.Sprintf("no such living association %d", id))
	}
	newParent, ok := t.byID[newParentID]
	if !ok || newParent.Deleted {
		return errs.New(errs.NotFound, "assoc.MoveParent", fmt.Sprintf("no such living parent %d", newParentID))
	}
	if isDescendant(t, newParentID, id) {
		return errs.New(errs.ConstraintViolation, "assoc.MoveParent", "cannot move a subtree under its own descendant")
	}

	oldParentID := a.ParentID
	t.children[oldParentID] = removeID(t.children[oldParentID], id)
	a.ParentID = newParentID
	oldLineage := a.Lineage
	a.Lineage = computeLineage(newParent, a)
	t.children[newParentID] = append(t.children[newParentID], id)

	t.rewriteDescendantLineage(id, oldLineage, a.Lineage)
	return nil
}

func isDescendant(t *Tree, candidate, ancestor uint32) bool {
	for id := candidate; id != 0; {
		a, ok := t.byID[id]
		if !ok {
			return false
		}
		if id == ancestor {
			return true
		}
		id = a.ParentID
	}
	return false
}

// rewriteDescendantLineage updates every descendant of id whose
// lineage had the old prefix, replacing it with the new one — the
// in-memory equivalent of the LIKE-prefix SQL UPDATE the accounting
// store performs.
func (t *Tree) rewriteDescendantLineage(id uint32, oldPrefix, newPrefix string) {
	for _, cid := range t.children[id] {
		c := t.byID[cid]
		if strings.HasPrefix(c.Lineage, oldPrefix) {
			c.Lineage = newPrefix + strings.TrimPrefix(c.Lineage, oldPrefix)
		}
		t.rewriteDescendantLineage(cid, oldPrefix, newPrefix)
	}
}

// EffectiveLimit returns the coalesced value of a numeric limit: the
// association's own value if set (non-zero), else the nearest
// ancestor's.
func (t *Tree) EffectiveLimit(id uint32, get func(*types.Association) int) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for cur := id; cur != 0; {
		a, ok := t.byID[cur]
		if !ok {
			break
		}
		if v := get(a); v != 0 {
			return v, nil
		}
		cur = a.ParentID
	}
	return 0, nil
}

// ResolveQoS walks id's ancestors from root to leaf, concatenating QoS
// delta tokens and applying +/- against the accumulated set.
func (t *Tree) ResolveQoS(id uint32) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.byID[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "assoc.ResolveQoS", fmt.Sprintf("no such association %d", id))
	}
	return t.resolveQoSLocked(a), nil
}

func (t *Tree) resolveQoSLocked(a *types.Association) []string {
	var chain []*types.Association
	for cur := a; cur != nil; {
		chain = append(chain, cur)
		if cur.ParentID == 0 {
			break
		}
		cur = t.byID[cur.ParentID]
	}
	// reverse into root-to-leaf order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	set := map[string]bool{}
	for _, assoc := range chain {
		for _, tok := range assoc.QoSDelta {
			if strings.HasPrefix(tok, "+") {
				set[strings.TrimPrefix(tok, "+")] = true
			} else if strings.HasPrefix(tok, "-") {
				delete(set, strings.TrimPrefix(tok, "-"))
			} else if tok != "" {
				set[tok] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for q := range set {
		out = append(out, q)
	}
	return out
}

func containsQoS(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// AuthorizeCoordinator walks up targetAccountID's lineage and requires
// that callerUser be a coordinator at some ancestor. A coordinator may
// not grant a QoS they do not themselves have in their own resolved set
// (callerOwnAssocID identifies the coordinator's own association).
func (t *Tree) AuthorizeCoordinator(callerUser string, targetAccountID uint32, callerOwnAssocID uint32, requestedQoS []string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	authorized := false
	for cur := targetAccountID; cur != 0; {
		a, ok := t.byID[cur]
		if !ok {
			break
		}
		if t.coords[cur][callerUser] {
			authorized = true
			break
		}
		cur = a.ParentID
	}
	if !authorized {
		return errs.New(errs.AccessDenied, "assoc.AuthorizeCoordinator",
			fmt.Sprintf("%s is not a coordinator of account %d or any ancestor", callerUser, targetAccountID))
	}

	ownAssoc, ok := t.byID[callerOwnAssocID]
	if !ok {
		return errs.New(errs.NotFound, "assoc.AuthorizeCoordinator", "coordinator's own association not found")
	}
	have := map[string]bool{}
	for _, q := range t.resolveQoSLocked(ownAssoc) {
		have[q] = true
	}
	for _, q := range requestedQoS {
		if !have[q] {
			return errs.New(errs.AccessDenied, "assoc.AuthorizeCoordinator",
				fmt.Sprintf("coordinator %s lacks QoS %q themselves", callerUser, q))
		}
	}
	return nil
}

// AddCoordinator marks username as a coordinator of accountID.
func (t *Tree) AddCoordinator(accountID uint32, username string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[accountID]; !ok {
		return errs.New(errs.NotFound, "assoc.AddCoordinator", fmt.Sprintf("no such account %d", accountID))
	}
	if t.coords[accountID] == nil {
		t.coords[accountID] = make(map[string]bool)
	}
	t.coords[accountID][username] = true
	return nil
}

// CheckInvariants verifies the six §4.C invariants against the current
// tree state, for use by tests and by a property-based fuzz harness.
func (t *Tree) CheckInvariants() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for id, a := range t.byID {
		if id == RootID {
			continue
		}
		parent, ok := t.byID[a.ParentID]
		if !ok || (parent.Deleted && !a.Deleted) {
			return fmt.Errorf("invariant 1 violated: association %d has no living parent", id)
		}
		if !strings.HasPrefix(a.Lineage, parent.Lineage) {
			return fmt.Errorf("invariant 2 violated: association %d lineage %q does not start with parent lineage %q", id, a.Lineage, parent.Lineage)
		}
		if !a.Deleted {
			for _, cid := range t.children[id] {
				c := t.byID[cid]
				if !c.Deleted && c.ParentID != id {
					return fmt.Errorf("invariant 3 violated: child %d parent_id mismatch", cid)
				}
			}
		}
	}

	defaults := map[string]int{}
	for _, a := range t.byID {
		if a.Deleted || a.User == "" || !a.IsDefaultAccount {
			continue
		}
		defaults[a.Cluster+"\x00"+a.User]++
	}
	if !t.allowNoDef {
		for key, n := range defaults {
			if n > 1 {
				return fmt.Errorf("invariant 4 violated: %q has %d default accounts", key, n)
			}
		}
	}

	for id, a := range t.byID {
		if a.Deleted {
			continue
		}
		for _, cid := range t.children[id] {
			if t.byID[cid].Deleted {
				for _, grandchild := range t.children[cid] {
					if !t.byID[grandchild].Deleted {
						return fmt.Errorf("invariant 6 violated: non-deleted association %d references deleted parent %d", grandchild, cid)
					}
				}
			}
		}
	}

	for id, a := range t.byID {
		if a.Deleted || a.DefaultQoSName == "" {
			continue
		}
		if !containsQoS(t.resolveQoSLocked(a), a.DefaultQoSName) {
			return fmt.Errorf("invariant 5 violated: association %d default QoS %q not in resolved set", id, a.DefaultQoSName)
		}
	}
	return nil
}

// timestamp returns the current wall-clock time in UTC. No Tree method
// calls it.
func timestamp() time.Time {
	return time.Now().UTC()
}

// Package resource implements the node/partition table (spec module B):
// a globally visible, RW-locked structure addressed by stable index,
// with a name→index hash and shared config records.
package resource

import (
	"sync"
	"time"

	"github.com/quartzsched/quartz/pkg/bitmap"
	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/types"
)

// longLocalhostThreshold is the node count above which the name hash
// fast path is worth its overhead; below it, linear scan short-circuits
// for the common "localhost"-only single-node config.
const longLocalhostThreshold = 1

// Table is the RW-locked node/partition table. Read paths hold a read
// lock across iteration; any write (state change, registration) holds a
// write lock.
type Table struct {
	mu         sync.RWMutex
	nodes      []*types.Node    // indexed by Node.Index
	byName     map[string]int   // name -> index
	partitions map[string]*types.Partition
	features   map[string]*bitmap.Bitmap // feature name -> node-index bitmap
	configs    map[string]*types.ConfigRecord
	nextConfig uint32
}

// New returns an empty table.
func New() *Table {
	return &Table{
		byName:     make(map[string]int),
		partitions: make(map[string]*types.Partition),
		features:   make(map[string]*bitmap.Bitmap),
		configs:    make(map[string]*types.ConfigRecord),
	}
}

// configKey derives the sharing key for a config record: nodes with
// identical CPU/memory/feature lines share one *ConfigRecord.
func configKey(c *types.ConfigRecord) string {
	return c.Features + "\x00" + c.Gres
}

// shareConfig returns the canonical, possibly pre-existing, config
// record matching c's CPU/memory/feature line, registering c if this is
// the first node to declare it. Caller must hold the write lock.
func (t *Table) shareConfig(c *types.ConfigRecord) *types.ConfigRecord {
	key := configKey(c)
	if existing, ok := t.configs[key]; ok &&
		existing.CPUs == c.CPUs && existing.RealMemMB == c.RealMemMB &&
		existing.TmpDiskMB == c.TmpDiskMB {
		return existing
	}
	t.nextConfig++
	c.ID = t.nextConfig
	t.configs[key] = c
	return c
}

// RegisterNode adds a new node to the table, assigning it the next
// stable index. Returns ConstraintViolation if the name already exists.
func (t *Table) RegisterNode(n *types.Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byName[n.Name]; exists {
		return errs.New(errs.ConstraintViolation, "resource.RegisterNode", "node name already registered: "+n.Name)
	}
	if n.Config != nil {
		n.Config = t.shareConfig(n.Config)
	}
	n.Index = len(t.nodes)
	t.nodes = append(t.nodes, n)
	t.byName[n.Name] = n.Index
	return nil
}

// lookupIndex resolves a name to an index, using the hash when the
// table is large and falling back to linear scan for small/degenerate
// configurations (the "long localhost" single-node case).
func (t *Table) lookupIndex(name string) (int, bool) {
	if len(t.nodes) <= longLocalhostThreshold {
		for i, n := range t.nodes {
			if n.Name == name {
				return i, true
			}
		}
		return 0, false
	}
	idx, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	if idx < 0 || idx >= len(t.nodes) || t.nodes[idx].Name != name {
		// hash fell out of sync with the table; fall back rather than
		// return a stale index.
		for i, n := range t.nodes {
			if n.Name == name {
				return i, true
			}
		}
		return 0, false
	}
	return idx, true
}

// GetByName returns the node with the given name.
func (t *Table) GetByName(name string) (*types.Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.lookupIndex(name)
	if !ok {
		return nil, errs.New(errs.NotFound, "resource.GetByName", "no such node: "+name)
	}
	return t.nodes[idx], nil
}

// GetByIndex returns the node at the given stable table index.
func (t *Table) GetByIndex(idx int) (*types.Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if idx < 0 || idx >= len(t.nodes) {
		return nil, errs.New(errs.NotFound, "resource.GetByIndex", "index out of range")
	}
	return t.nodes[idx], nil
}

// Len returns the number of registered nodes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Each calls fn for every node under a read lock. fn must not mutate
// the table.
func (t *Table) Each(fn func(*types.Node)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.nodes {
		fn(n)
	}
}

// UpdateState sets a node's primary state and last-response time under
// the write lock. Used by registration, the agent engine's reply
// interpretation, and the node-failure reconciliation loop.
func (t *Table) UpdateState(name string, state types.NodeState, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.lookupIndex(name)
	if !ok {
		return errs.New(errs.NotFound, "resource.UpdateState", "no such node: "+name)
	}
	t.nodes[idx].State = state
	t.nodes[idx].Reason = reason
	t.nodes[idx].LastResponse = time.Now()
	return nil
}

// SetFlag ORs f into the node's flag word.
func (t *Table) SetFlag(name string, f types.NodeFlag) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.lookupIndex(name)
	if !ok {
		return errs.New(errs.NotFound, "resource.SetFlag", "no such node: "+name)
	}
	t.nodes[idx].Flags |= f
	return nil
}

// ClearFlag clears f from the node's flag word.
func (t *Table) ClearFlag(name string, f types.NodeFlag) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.lookupIndex(name)
	if !ok {
		return errs.New(errs.NotFound, "resource.ClearFlag", "no such node: "+name)
	}
	t.nodes[idx].Flags &^= f
	return nil
}

// AddFeature registers nodeName under featureName, OR-ing the node's
// index bit into the shared feature bitmap. The bitmap is grown to
// cover the table size if necessary.
func (t *Table) AddFeature(featureName, nodeName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.lookupIndex(nodeName)
	if !ok {
		return errs.New(errs.NotFound, "resource.AddFeature", "no such node: "+nodeName)
	}
	bm, ok := t.features[featureName]
	if !ok || bm.Size() < len(t.nodes) {
		grown := bitmap.New(len(t.nodes))
		if ok {
			for i := 0; i < bm.Size(); i++ {
				if bm.Test(i) {
					grown.Set(i)
				}
			}
		}
		bm = grown
		t.features[featureName] = bm
	}
	bm.Set(idx)
	return nil
}

// FeatureNodes returns the node-index bitmap for featureName, or an
// empty bitmap sized to the current table if the feature is unknown.
func (t *Table) FeatureNodes(featureName string) *bitmap.Bitmap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bm, ok := t.features[featureName]; ok {
		return bm.Copy()
	}
	return bitmap.New(len(t.nodes))
}

// AddPartition registers a partition. ConstraintViolation if the name
// is already taken.
func (t *Table) AddPartition(p *types.Partition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.partitions[p.Name]; exists {
		return errs.New(errs.ConstraintViolation, "resource.AddPartition", "partition already exists: "+p.Name)
	}
	t.partitions[p.Name] = p
	return nil
}

// GetPartition returns a partition by name.
func (t *Table) GetPartition(name string) (*types.Partition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.partitions[name]
	if !ok {
		return nil, errs.New(errs.NotFound, "resource.GetPartition", "no such partition: "+name)
	}
	return p, nil
}

package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/quartzsched/quartz/pkg/storage"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine: it applies committed
// Command log entries to a Store and produces/restores snapshots.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM wraps store as a Raft FSM.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command is one state-change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpCreateNode = "create_node"
	OpUpdateNode = "update_node"
	OpDeleteNode = "delete_node"

	OpCreatePartition = "create_partition"
	OpUpdatePartition = "update_partition"
	OpDeletePartition = "delete_partition"

	OpCreateAssociation = "create_association"
	OpUpdateAssociation = "update_association"
	OpDeleteAssociation = "delete_association"

	OpCreateQoS = "create_qos"
	OpDeleteQoS = "delete_qos"

	OpCreateJob = "create_job"
	OpUpdateJob = "update_job"
	OpDeleteJob = "delete_job"

	OpCreateStep = "create_step"
	OpUpdateStep = "update_step"
	OpDeleteStep = "delete_step"
)

// Apply decodes and applies one committed log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("controller: failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpCreateNode, OpUpdateNode:
		var n types.Node
		if err := json.Unmarshal(cmd.Data, &n); err != nil {
			return err
		}
		return f.store.UpdateNode(&n)

	case OpDeleteNode:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.DeleteNode(name)

	case OpCreatePartition, OpUpdatePartition:
		var p types.Partition
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.UpdatePartition(&p)

	case OpDeletePartition:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.DeletePartition(name)

	case OpCreateAssociation, OpUpdateAssociation:
		var a types.Association
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.store.UpdateAssociation(&a)

	case OpDeleteAssociation:
		var id uint32
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteAssociation(id)

	case OpCreateQoS:
		var q types.QoS
		if err := json.Unmarshal(cmd.Data, &q); err != nil {
			return err
		}
		return f.store.CreateQoS(&q)

	case OpDeleteQoS:
		var id uint32
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteQoS(id)

	case OpCreateJob, OpUpdateJob:
		var j types.Job
		if err := json.Unmarshal(cmd.Data, &j); err != nil {
			return err
		}
		return f.store.UpdateJob(&j)

	case OpDeleteJob:
		var id types.JobID
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteJob(id)

	case OpCreateStep, OpUpdateStep:
		var s types.Step
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return f.store.UpdateStep(&s)

	case OpDeleteStep:
		var key struct {
			JobID  types.JobID  `json:"job_id"`
			StepID types.StepID `json:"step_id"`
		}
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		return f.store.DeleteStep(key.JobID, key.StepID)

	default:
		return fmt.Errorf("controller: unknown command: %s", cmd.Op)
	}
}

// Snapshot captures every entity family into one point-in-time blob.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("controller: failed to list nodes: %w", err)
	}
	partitions, err := f.store.ListPartitions()
	if err != nil {
		return nil, fmt.Errorf("controller: failed to list partitions: %w", err)
	}
	associations, err := f.store.ListAssociations()
	if err != nil {
		return nil, fmt.Errorf("controller: failed to list associations: %w", err)
	}
	qos, err := f.store.ListQoS()
	if err != nil {
		return nil, fmt.Errorf("controller: failed to list qos: %w", err)
	}
	jobs, err := f.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("controller: failed to list jobs: %w", err)
	}

	var steps []*types.Step
	for _, j := range jobs {
		js, err := f.store.ListStepsForJob(j.ID)
		if err != nil {
			return nil, fmt.Errorf("controller: failed to list steps for job %d: %w", j.ID, err)
		}
		steps = append(steps, js...)
	}

	return &Snapshot{
		Nodes:        nodes,
		Partitions:   partitions,
		Associations: associations,
		QoS:          qos,
		Jobs:         jobs,
		Steps:        steps,
	}, nil
}

// Restore writes every record of a previously persisted snapshot over
// the local store, invoked on startup or after a log compaction
// catch-up. Local records absent from the snapshot are not removed.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("controller: failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range snap.Nodes {
		if err := f.store.CreateNode(n); err != nil {
			return fmt.Errorf("controller: failed to restore node: %w", err)
		}
	}
	for _, p := range snap.Partitions {
		if err := f.store.CreatePartition(p); err != nil {
			return fmt.Errorf("controller: failed to restore partition: %w", err)
		}
	}
	for _, a := range snap.Associations {
		if err := f.store.CreateAssociation(a); err != nil {
			return fmt.Errorf("controller: failed to restore association: %w", err)
		}
	}
	for _, q := range snap.QoS {
		if err := f.store.CreateQoS(q); err != nil {
			return fmt.Errorf("controller: failed to restore qos: %w", err)
		}
	}
	for _, j := range snap.Jobs {
		if err := f.store.CreateJob(j); err != nil {
			return fmt.Errorf("controller: failed to restore job: %w", err)
		}
	}
	for _, s := range snap.Steps {
		if err := f.store.CreateStep(s); err != nil {
			return fmt.Errorf("controller: failed to restore step: %w", err)
		}
	}
	return nil
}

// Snapshot is a point-in-time copy of every entity family, persisted by
// Raft's snapshot store and shipped to lagging followers instead of a
// full log replay.
type Snapshot struct {
	Nodes        []*types.Node
	Partitions   []*types.Partition
	Associations []*types.Association
	QoS          []*types.QoS
	Jobs         []*types.Job
	Steps        []*types.Step
}

// Persist writes the snapshot to the Raft-provided sink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op: the snapshot holds no external resources.
func (s *Snapshot) Release() {}

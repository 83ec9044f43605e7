// Package types holds the shared data model for the resource table,
// association tree, and job/step state machine: the plain structs
// passed between pkg/resource, pkg/assoc, pkg/controller, pkg/agent and
// pkg/storage.
package types

import (
	"time"

	"github.com/quartzsched/quartz/pkg/bitmap"
)

// NodeState is the primary node state. OR-able modifier flags live
// separately in NodeFlags.
type NodeState string

const (
	NodeStateUnknown    NodeState = "UNKNOWN"
	NodeStateIdle       NodeState = "IDLE"
	NodeStateAllocated  NodeState = "ALLOCATED"
	NodeStateDown       NodeState = "DOWN"
	NodeStateDrain      NodeState = "DRAIN"
	NodeStateFail       NodeState = "FAIL"
)

// NodeFlag values are OR'd together in Node.Flags.
type NodeFlag uint32

const (
	NodeFlagCloud      NodeFlag = 1 << iota
	NodeFlagPowerSave
	NodeFlagNoRespond
	NodeFlagDrain
)

// Has reports whether flag f is set in flags.
func (flags NodeFlag) Has(f NodeFlag) bool {
	return flags&f != 0
}

// ConfigRecord is shared by reference among every node declaring
// identical CPU/memory/feature lines.
type ConfigRecord struct {
	ID          uint32
	CPUs        int
	Boards      int
	Sockets     int
	CoresPerSoc int
	ThreadsPerC int
	RealMemMB   int64
	TmpDiskMB   int64
	Features    string
	Gres        string
	Weight      int
}

// Node is one entry in the resource table, addressed by a stable index.
type Node struct {
	Index         int
	Name          string // canonical name, unique key
	Address       string
	Hostname      string
	Port          int
	State         NodeState
	Flags         NodeFlag
	LastResponse  time.Time
	Reason        string
	Config        *ConfigRecord
	ReservedCores *bitmap.Bitmap // cores reserved outside scheduler control
}

// Partition is a named, ordered subset of nodes with its own
// constraints.
type Partition struct {
	Name        string
	Nodes       *bitmap.Bitmap // membership bitmap over node indices
	MaxJobSize  int
	MaxTime     time.Duration
	AllowGroups []string
	DenyGroups  []string
	Default     bool
}

// JobState is the primary job state.
type JobState string

const (
	JobStatePending    JobState = "PENDING"
	JobStateRunning    JobState = "RUNNING"
	JobStateSuspended  JobState = "SUSPENDED"
	JobStateCompleting JobState = "COMPLETING"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateCancelled  JobState = "CANCELLED"
	JobStateFailed     JobState = "FAILED"
	JobStateTimeout    JobState = "TIMEOUT"
	JobStateNodeFail   JobState = "NODE_FAIL"
	JobStatePreempted  JobState = "PREEMPTED"
	JobStateOOM        JobState = "OUT_OF_MEMORY"
	JobStateBootFail   JobState = "BOOT_FAIL"
	JobStateDeadline   JobState = "DEADLINE"
)

// terminalJobStates are absorbing: no transition leaves them.
var terminalJobStates = map[JobState]bool{
	JobStateCompleted: true,
	JobStateCancelled: true,
	JobStateFailed:    true,
	JobStateTimeout:   true,
	JobStatePreempted: true,
	JobStateOOM:       true,
	JobStateBootFail:  true,
	JobStateDeadline:  true,
}

// IsTerminal reports whether s is an absorbing state.
func (s JobState) IsTerminal() bool {
	return terminalJobStates[s]
}

// JobFlag values are OR'd into Job.Flags.
type JobFlag uint32

const (
	JobFlagSignaling JobFlag = 1 << iota
	JobFlagRequeue
	JobFlagRequeueHold
	JobFlagSpecialExit
	JobFlagResizing
	JobFlagConfiguring
	JobFlagPowerUpNode
	JobFlagRevoked
	JobFlagUpdateDB
	JobFlagStageOut
	JobFlagResvDelHold
)

func (flags JobFlag) Has(f JobFlag) bool {
	return flags&f != 0
}

// StepID is either a small non-negative integer step number or one of
// the reserved sentinels below.
type StepID int32

const (
	StepBatchScript StepID = -2
	StepInteractive StepID = -3
	StepExtern      StepID = -4
)

// Step is a parallel sub-execution within a job.
type Step struct {
	JobID      JobID
	StepID     StepID
	Nodes      *bitmap.Bitmap // subset of job's allocated nodes
	TasksPer   map[int]int    // node index -> task count
	State      JobState
	StartedAt  time.Time
	FinishedAt time.Time
}

// JobID is the job's 64-bit sortable identifier (see pkg/sluid). It
// carries no array/het-job qualifiers; cmd/scancel parses those into
// its own jobIDSpec.
type JobID uint64

// ResourceRequest captures what a job asked for at submission.
type ResourceRequest struct {
	MinCPUs      int
	MinMemoryMB  int64
	MinTmpDiskMB int64
	MinNodes     int
	Features     string
	NodeList     string // explicit requested node hostlist, if any
	ExcludeList  string
	Contiguous   bool
	Partition    string
}

// Job holds the full per-job record tracked by the controller.
type Job struct {
	ID            JobID
	ArraySiblings []JobID
	HetJobComp    int // -1 if not a het-job component
	AssocID       uint32
	OwnerUID      int
	Partition     string
	State         JobState
	Flags         JobFlag
	ExitCode      int
	Request       ResourceRequest
	AllocNodes    *bitmap.Bitmap // allocated node-index bitmap
	NodeCoreBM    map[int]*bitmap.Bitmap // node index -> allocated core bitmap
	BatchHost     string
	Credential    []byte
	SubmitTime    time.Time
	EligibleTime  time.Time
	StartTime     time.Time
	EndTime       time.Time
}

// AgentRPCType names the RPC carried by an agent request.
type AgentRPCType int

const (
	_ AgentRPCType = iota
	AgentRPCBatchJobLaunch
	AgentRPCLaunchTasks
	AgentRPCSignalTasks
	AgentRPCTerminateTasks
	AgentRPCKillJob
	AgentRPCKillTimelimit
	AgentRPCNodeRegistrationStatus
	AgentRPCPing
	AgentRPCReconfigure
	AgentRPCJobNotify
	AgentRPCShutdown
)

// NodeTarget is one (address, name) destination for an agent request.
type NodeTarget struct {
	Address string
	Name    string
}

// AgentRequest is a fan-out unit: one RPC body addressed to many nodes.
type AgentRequest struct {
	JobID           JobID
	Targets         []NodeTarget
	RPCType         AgentRPCType
	Body            []byte
	ReplyRequired   bool
	RetryOnFailure  bool
	MaxWait         time.Duration
}

// ThreadState is the per-worker-thread state slot in the agent engine.
type ThreadState int

const (
	ThreadNew ThreadState = iota
	ThreadActive
	ThreadDone
	ThreadNoResp
	ThreadFailed
)

// QoS is a quality-of-service record referenced by association records.
type QoS struct {
	ID   uint32
	Name string
}

// Association is one record in the accounting tree rooted at a
// synthetic "root" under a cluster. Interior records are accounts;
// leaves are user[/partition] records.
type Association struct {
	ID           uint32
	ParentID     uint32 // 0 for the root
	Lineage      string // e.g. "/root/sci/0-alice/"
	Cluster      string
	Account      string
	User         string // empty for account (interior) records
	Partition    string // optional, leaf-only

	MaxJobs        int // 0 = unset, inherit
	MaxSubmitJobs  int
	MaxWallPerJob  time.Duration
	Priority       int
	FairShare      int
	MaxTRESPerJob  map[string]int64
	MaxTRESRunMins map[string]int64

	DefaultQoSName string // empty = unset; must be in the resolved QoS set
	QoSDelta       []string // e.g. "+gpu", "-standby"; resolved by walking lineage

	IsDefaultAccount bool // this is the user's default account on Cluster
	Deleted          bool
}

// Credential is the signed job credential verified by node daemons.
type Credential struct {
	JobID        JobID
	StepID       StepID
	UID          int
	GID          int
	NodeList     string
	CoreBitmaps  map[string]*bitmap.Bitmap // node name -> core bitmap
	MemoryPerMB  int64
	Expiration   time.Time
	Signature    []byte
}

package controller

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/quartzsched/quartz/pkg/agent"
	"github.com/quartzsched/quartz/pkg/assoc"
	"github.com/quartzsched/quartz/pkg/credential"
	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/events"
	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/resource"
	"github.com/quartzsched/quartz/pkg/sluid"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/rs/zerolog"
)

// StateMachine owns every job/step transition: submit, schedule,
// signal, suspend/resume, timeout, node-fail, and completion. Every
// mutating method acquires its locks through the Controller's
// LockManager in canonical order (config, jobs, nodes, partitions)
// before touching the resource table or store.
type StateMachine struct {
	ctrl      *Controller
	resources *resource.Table
	assocTree *assoc.Tree
	signer    *credential.Signer
	switches  *credential.Registry
	agents    *agent.Engine
	idgen     *sluid.Generator
	events    *events.Broker
	log       zerolog.Logger
}

// NewStateMachine wires a StateMachine against the controller's
// storage, the shared resource/association tables, the credential
// signer, and the agent fan-out engine. broker may be nil, in which
// case job/node lifecycle transitions are simply not published.
func NewStateMachine(ctrl *Controller, resources *resource.Table, assocTree *assoc.Tree, signer *credential.Signer, switches *credential.Registry, agents *agent.Engine, idgen *sluid.Generator, broker *events.Broker) *StateMachine {
	return &StateMachine{
		ctrl:      ctrl,
		resources: resources,
		assocTree: assocTree,
		signer:    signer,
		switches:  switches,
		agents:    agents,
		idgen:     idgen,
		events:    broker,
		log:       log.WithComponent("statemachine"),
	}
}

// publish emits evt on the event broker, if one is wired. Safe to call
// with a nil broker (no-op) so tests that construct a StateMachine
// literal directly never need one.
func (sm *StateMachine) publish(evt *events.Event) {
	if sm.events == nil {
		return
	}
	sm.events.Publish(evt)
}

func jobIDStr(id types.JobID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// applyJob wraps a job mutation command through Raft and returns any
// application error reported by the FSM.
func (sm *StateMachine) applyJob(op string, j *types.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errs.Wrap(errs.InternalError, "statemachine.applyJob", "marshal job failed", err)
	}
	return sm.ctrl.Apply(Command{Op: op, Data: data})
}

func (sm *StateMachine) applyStep(op string, s *types.Step) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errs.Wrap(errs.InternalError, "statemachine.applyStep", "marshal step failed", err)
	}
	return sm.ctrl.Apply(Command{Op: op, Data: data})
}

// CreateBatchStep records the implicit batch-script step pinned to the
// job's BatchHost once the scheduler has allocated nodes, per the
// job/step model's rule that every batch job carries exactly one
// StepBatchScript entry spanning its full allocation.
func (sm *StateMachine) CreateBatchStep(job *types.Job) error {
	step := &types.Step{
		JobID:     job.ID,
		StepID:    types.StepBatchScript,
		Nodes:     job.AllocNodes,
		State:     types.JobStateRunning,
		StartedAt: job.StartTime,
	}
	if err := sm.applyStep(OpCreateStep, step); err != nil {
		return err
	}
	sm.publish(&events.Event{
		Type:     events.EventJobStarted,
		Message:  "job started",
		Metadata: map[string]string{"job_id": jobIDStr(job.ID), "partition": job.Partition},
	})
	sm.publish(&events.Event{
		Type:     events.EventStepStarted,
		Message:  "batch step started",
		Metadata: map[string]string{"job_id": jobIDStr(job.ID), "step_id": strconv.FormatInt(int64(step.StepID), 10)},
	})
	return nil
}

// SubmitJob validates the request against the association tree's
// limits and the target partition, assigns a new SLUID, and persists
// the job in PENDING. It does not allocate nodes; that happens on the
// next scheduling pass.
func (sm *StateMachine) SubmitJob(req types.ResourceRequest, assocID uint32, ownerUID int) (*types.Job, error) {
	a, err := sm.assocTree.Get(assocID)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "statemachine.SubmitJob", "unknown association", err)
	}
	if a.Deleted {
		return nil, errs.New(errs.InvalidInput, "statemachine.SubmitJob", "association is deleted")
	}

	maxJobs, err := sm.assocTree.EffectiveLimit(assocID, func(a *types.Association) int { return a.MaxJobs })
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "statemachine.SubmitJob", "failed to resolve max job limit", err)
	}
	if maxJobs > 0 {
		held := sm.ctrl.Locks().AcquireRead(LockJobs)
		running := 0
		jobs, err := sm.ctrl.Store().ListJobs()
		held.Release()
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "statemachine.SubmitJob", "failed to list jobs", err)
		}
		for _, j := range jobs {
			if j.AssocID == assocID && !j.State.IsTerminal() {
				running++
			}
		}
		if running >= maxJobs {
			return nil, errs.New(errs.ConstraintViolation, "statemachine.SubmitJob", "association job limit reached")
		}
	}

	if req.Partition != "" {
		if _, err := sm.resources.GetPartition(req.Partition); err != nil {
			return nil, errs.Wrap(errs.InvalidInput, "statemachine.SubmitJob", "unknown partition", err)
		}
	}

	id := sm.idgen.Next()

	now := time.Now()
	job := &types.Job{
		ID:           types.JobID(id),
		HetJobComp:   -1,
		AssocID:      assocID,
		OwnerUID:     ownerUID,
		Partition:    req.Partition,
		State:        types.JobStatePending,
		Request:      req,
		SubmitTime:   now,
		EligibleTime: now,
	}
	held := sm.ctrl.Locks().AcquireWrite(LockJobs)
	defer held.Release()
	if err := sm.applyJob(OpCreateJob, job); err != nil {
		return nil, err
	}
	sm.publish(&events.Event{
		Type:     events.EventJobSubmitted,
		Message:  "job submitted",
		Metadata: map[string]string{"job_id": jobIDStr(job.ID), "partition": job.Partition},
	})
	return job, nil
}

// SignalJob marks a running job as SIGNALING and fans the signal out to
// its allocated nodes. The flag is cleared once every agent thread has
// reported back to the handler SignalJob passes to Dispatch.
func (sm *StateMachine) SignalJob(jobID types.JobID, signal int32) error {
	held := sm.ctrl.Locks().AcquireWrite(LockJobs)
	job, err := sm.ctrl.Store().GetJob(jobID)
	if err != nil {
		held.Release()
		return err
	}
	if job.State != types.JobStateRunning {
		held.Release()
		return errs.New(errs.ConstraintViolation, "statemachine.SignalJob", "job is not running")
	}
	job.Flags |= types.JobFlagSignaling
	err = sm.applyJob(OpUpdateJob, job)
	held.Release()
	if err != nil {
		return err
	}

	body, _ := json.Marshal(struct{ Signal int32 }{signal})
	targets := sm.targetsFor(job)
	remaining := int32(len(targets))
	sm.agents.Dispatch(&types.AgentRequest{
		JobID:          jobID,
		Targets:        targets,
		RPCType:        types.AgentRPCSignalTasks,
		Body:           body,
		ReplyRequired:  true,
		RetryOnFailure: false,
	}, func(agent.ThreadResult) {
		if atomic.AddInt32(&remaining, -1) == 0 {
			sm.clearSignalingFlag(jobID)
		}
	})
	return nil
}

func (sm *StateMachine) clearSignalingFlag(jobID types.JobID) {
	held := sm.ctrl.Locks().AcquireWrite(LockJobs)
	defer held.Release()
	job, err := sm.ctrl.Store().GetJob(jobID)
	if err != nil {
		return
	}
	job.Flags &^= types.JobFlagSignaling
	_ = sm.applyJob(OpUpdateJob, job)
}

// SuspendJob transitions a RUNNING job to SUSPENDED, invoking the
// switch provider's SuspendDo hook before persisting.
func (sm *StateMachine) SuspendJob(jobID types.JobID, pluginID uint32) error {
	held := sm.ctrl.Locks().AcquireWrite(LockJobs)
	defer held.Release()

	job, err := sm.ctrl.Store().GetJob(jobID)
	if err != nil {
		return err
	}
	if job.State != types.JobStateRunning {
		return errs.New(errs.ConstraintViolation, "statemachine.SuspendJob", "job is not running")
	}
	provider, err := sm.switches.Get(pluginID)
	if err != nil {
		return err
	}
	if err := provider.SuspendTest(jobID); err != nil {
		return errs.Wrap(errs.TemporaryFailure, "statemachine.SuspendJob", "switch provider refused suspend", err)
	}
	if err := provider.SuspendDo(jobID); err != nil {
		return errs.Wrap(errs.InternalError, "statemachine.SuspendJob", "switch provider suspend failed", err)
	}
	job.State = types.JobStateSuspended
	return sm.applyJob(OpUpdateJob, job)
}

// ResumeJob transitions a SUSPENDED job back to RUNNING.
func (sm *StateMachine) ResumeJob(jobID types.JobID, pluginID uint32) error {
	held := sm.ctrl.Locks().AcquireWrite(LockJobs)
	defer held.Release()

	job, err := sm.ctrl.Store().GetJob(jobID)
	if err != nil {
		return err
	}
	if job.State != types.JobStateSuspended {
		return errs.New(errs.ConstraintViolation, "statemachine.ResumeJob", "job is not suspended")
	}
	provider, err := sm.switches.Get(pluginID)
	if err != nil {
		return err
	}
	if err := provider.ResumeDo(jobID); err != nil {
		return errs.Wrap(errs.InternalError, "statemachine.ResumeJob", "switch provider resume failed", err)
	}
	job.State = types.JobStateRunning
	return sm.applyJob(OpUpdateJob, job)
}

// TimeoutJob ends a job that exceeded its wall-clock limit: dispatches
// KILL_TIMELIMIT to every allocated node and marks the job TIMEOUT.
// The reply-interpretation table (pkg/agent) idles the nodes once the
// kill is acknowledged.
func (sm *StateMachine) TimeoutJob(jobID types.JobID) error {
	held := sm.ctrl.Locks().AcquireWrite(LockJobs)
	job, err := sm.ctrl.Store().GetJob(jobID)
	if err != nil {
		held.Release()
		return err
	}
	if job.State.IsTerminal() {
		held.Release()
		return nil
	}
	job.State = types.JobStateTimeout
	job.EndTime = time.Now()
	err = sm.applyJob(OpUpdateJob, job)
	held.Release()
	if err != nil {
		return err
	}

	sm.agents.Dispatch(&types.AgentRequest{
		JobID:          jobID,
		Targets:        sm.targetsFor(job),
		RPCType:        types.AgentRPCKillTimelimit,
		ReplyRequired:  true,
		RetryOnFailure: true,
	}, nil)
	sm.publish(&events.Event{
		Type:     events.EventJobTimeout,
		Message:  "job exceeded its time limit",
		Metadata: map[string]string{"job_id": jobIDStr(jobID)},
	})
	return nil
}

// NodeFailJob handles a node going DOWN underneath a running job: the
// job moves to NODE_FAIL and, once requeue is not requested, on to
// COMPLETED to release accounting. Requeue re-enters the job as
// PENDING so the next scheduling pass can place it elsewhere.
func (sm *StateMachine) NodeFailJob(jobID types.JobID) error {
	held := sm.ctrl.Locks().AcquireWrite(LockJobs)
	defer held.Release()

	job, err := sm.ctrl.Store().GetJob(jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return nil
	}

	if job.Flags.Has(types.JobFlagRequeue) {
		job.State = types.JobStatePending
		job.AllocNodes = nil
		job.NodeCoreBM = nil
		job.BatchHost = ""
		job.StartTime = time.Time{}
		return sm.applyJob(OpUpdateJob, job)
	}

	job.State = types.JobStateNodeFail
	job.EndTime = time.Now()
	if err := sm.applyJob(OpUpdateJob, job); err != nil {
		return err
	}
	sm.publish(&events.Event{
		Type:     events.EventJobNodeFail,
		Message:  "job lost an allocated node",
		Metadata: map[string]string{"job_id": jobIDStr(jobID)},
	})
	job.State = types.JobStateCompleted
	return sm.applyJob(OpUpdateJob, job)
}

// CompleteJob records a job's normal exit, absorbing into COMPLETED or
// FAILED depending on exitCode.
func (sm *StateMachine) CompleteJob(jobID types.JobID, exitCode int) error {
	held := sm.ctrl.Locks().AcquireWrite(LockJobs)
	defer held.Release()

	job, err := sm.ctrl.Store().GetJob(jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return nil
	}
	job.ExitCode = exitCode
	job.EndTime = time.Now()
	if exitCode == 0 {
		job.State = types.JobStateCompleted
	} else {
		job.State = types.JobStateFailed
	}
	if err := sm.applyJob(OpUpdateJob, job); err != nil {
		return err
	}
	evtType := events.EventJobCompleted
	msg := "job completed"
	if exitCode != 0 {
		evtType = events.EventJobFailed
		msg = "job failed"
	}
	sm.publish(&events.Event{
		Type:    evtType,
		Message: msg,
		Metadata: map[string]string{
			"job_id":    jobIDStr(jobID),
			"exit_code": strconv.Itoa(exitCode),
		},
	})
	return nil
}

// CancelJob kills a job on operator or user request: dispatches
// KILL_JOB, stops any in-flight agent dispatch for it, and marks it
// CANCELLED.
func (sm *StateMachine) CancelJob(jobID types.JobID) error {
	held := sm.ctrl.Locks().AcquireWrite(LockJobs)
	job, err := sm.ctrl.Store().GetJob(jobID)
	if err != nil {
		held.Release()
		return err
	}
	if job.State.IsTerminal() {
		held.Release()
		return nil
	}
	job.State = types.JobStateCancelled
	job.EndTime = time.Now()
	err = sm.applyJob(OpUpdateJob, job)
	held.Release()
	if err != nil {
		return err
	}

	sm.agents.Cancel(jobID)
	sm.agents.Dispatch(&types.AgentRequest{
		JobID:          jobID,
		Targets:        sm.targetsFor(job),
		RPCType:        types.AgentRPCKillJob,
		ReplyRequired:  true,
		RetryOnFailure: true,
	}, nil)
	sm.publish(&events.Event{
		Type:     events.EventJobCancelled,
		Message:  "job cancelled",
		Metadata: map[string]string{"job_id": jobIDStr(jobID)},
	})
	return nil
}

// targetsFor resolves a job's allocated node-index bitmap into agent
// dispatch targets, reading the resource table under its own lock.
func (sm *StateMachine) targetsFor(job *types.Job) []types.NodeTarget {
	if job.AllocNodes == nil {
		return nil
	}
	var targets []types.NodeTarget
	for i := 0; i < job.AllocNodes.Size(); i++ {
		if !job.AllocNodes.Test(i) {
			continue
		}
		n, err := sm.resources.GetByIndex(i)
		if err != nil {
			continue
		}
		targets = append(targets, types.NodeTarget{Address: n.Address, Name: n.Name})
	}
	return targets
}

// MakeNodeIdle implements agent.NodeActions: called when a KILL_JOB or
// KILL_TIMELIMIT RPC is acknowledged, freeing the node back to IDLE.
func (sm *StateMachine) MakeNodeIdle(nodeName string, jobID types.JobID) error {
	held := sm.ctrl.Locks().AcquireWrite(LockNodes)
	err := sm.resources.UpdateState(nodeName, types.NodeStateIdle, "")
	held.Release()
	if err != nil {
		return err
	}
	sm.publish(&events.Event{
		Type:     events.EventNodeUp,
		Message:  "node returned to service",
		Metadata: map[string]string{"node_name": nodeName},
	})
	return nil
}

// SetNodeDown implements agent.NodeActions: called on PROLOG_FAILED or
// EPILOG_FAILED, or by the reconciler on heartbeat staleness.
func (sm *StateMachine) SetNodeDown(nodeName, reason string) error {
	held := sm.ctrl.Locks().AcquireWrite(LockNodes)
	err := sm.resources.UpdateState(nodeName, types.NodeStateDown, reason)
	held.Release()
	if err != nil {
		return err
	}
	sm.publish(&events.Event{
		Type:     events.EventNodeDown,
		Message:  "node marked down",
		Metadata: map[string]string{"node_name": nodeName, "reason": reason},
	})

	heldJobs := sm.ctrl.Locks().AcquireRead(LockJobs)
	jobs, err := sm.ctrl.Store().ListJobs()
	heldJobs.Release()
	if err != nil {
		return err
	}

	n, err := sm.resources.GetByName(nodeName)
	if err != nil {
		return nil
	}
	for _, j := range jobs {
		if j.State.IsTerminal() || j.AllocNodes == nil {
			continue
		}
		if j.AllocNodes.Test(n.Index) {
			if err := sm.NodeFailJob(j.ID); err != nil {
				sm.log.Error().Err(err).Str("node", nodeName).Str("err_kind", errs.KindOf(err).String()).Msg("failed to fail job after node down")
			}
		}
	}
	return nil
}

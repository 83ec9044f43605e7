package controller

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/quartzsched/quartz/pkg/bitmap"
	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/hostlist"
	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/rs/zerolog"
)

// reservation is the (start_time, duration) a blocked job has claimed:
// lower-priority jobs may only backfill ahead of it if their own
// estimated duration finishes before startTime.
type reservation struct {
	startTime time.Time
	duration  time.Duration
}

// Scheduler runs the periodic priority-ordered scheduling pass, with
// an optional backfill pass that fills idle capacity with lower
// priority jobs that won't delay the head of the queue.
type Scheduler struct {
	sm       *StateMachine
	ctrl     *Controller
	log      zerolog.Logger
	interval time.Duration
	backfill bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewScheduler returns a Scheduler driving sm on a ticker. backfill
// enables the reservation-based second pass.
func NewScheduler(ctrl *Controller, sm *StateMachine, interval time.Duration, backfill bool) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		sm:       sm,
		ctrl:     ctrl,
		log:      log.WithComponent("scheduler"),
		interval: interval,
		backfill: backfill,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the scheduling loop in its own goroutine until Stop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduling loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.ctrl.IsLeader() {
				continue
			}
			if err := s.Pass(); err != nil {
				s.log.Error().Err(err).Str("err_kind", errs.KindOf(err).String()).Msg("scheduling pass failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Pass runs one priority-ordered scheduling attempt over all PENDING
// jobs, placing as many as current capacity allows. If backfill is
// enabled, a second pass computes a reservation for the first job that
// didn't fit (its expected start time, derived from running jobs'
// estimated completion) and then allows lower-priority pending jobs to
// run now only if doing so wouldn't delay that reservation.
func (s *Scheduler) Pass() error {
	held := s.ctrl.Locks().AcquireRead(LockJobs)
	jobs, err := s.ctrl.Store().ListJobs()
	held.Release()
	if err != nil {
		return err
	}

	pending := make([]*types.Job, 0, len(jobs))
	running := make([]*types.Job, 0, len(jobs))
	for _, j := range jobs {
		switch j.State {
		case types.JobStatePending:
			pending = append(pending, j)
		case types.JobStateRunning:
			running = append(running, j)
		}
	}
	sortByPriority(pending)

	var blocked []*types.Job
	for _, job := range pending {
		placed, err := s.tryPlace(job)
		if err != nil {
			s.log.Error().Err(err).Uint64("job_id", uint64(job.ID)).Str("err_kind", errs.KindOf(err).String()).Msg("failed to place job")
			continue
		}
		if !placed {
			blocked = append(blocked, job)
		}
	}

	if s.backfill && len(blocked) > 0 {
		s.backfillPass(blocked[0], blocked[1:], running)
	}
	return nil
}

// backfillPass computes a reservation for head (the highest-priority
// job that couldn't be placed) and then tries to run each lower
// priority blocked job now, provided its own estimated duration
// finishes before head's reserved start time.
func (s *Scheduler) backfillPass(head *types.Job, rest []*types.Job, running []*types.Job) {
	res := s.reserve(head, running)
	for _, job := range rest {
		dur := s.estimatedDuration(job)
		if dur <= 0 || time.Now().Add(dur).After(res.startTime) {
			continue
		}
		if _, err := s.tryPlace(job); err != nil {
			s.log.Error().Err(err).Uint64("job_id", uint64(job.ID)).Str("err_kind", errs.KindOf(err).String()).Msg("backfill placement failed")
		}
	}
}

// sortByPriority orders the pending queue by submit time, oldest first,
// then by lower job id. No priority factor is consulted: the job's own
// snapshot carries no priority field and Association.Priority is not
// looked up.
func sortByPriority(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].SubmitTime.Equal(jobs[j].SubmitTime) {
			return jobs[i].SubmitTime.Before(jobs[j].SubmitTime)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// tryPlace attempts to allocate nodes for job under the nodes lock. It
// returns false (not an error) when insufficient capacity is free right
// now.
func (s *Scheduler) tryPlace(job *types.Job) (bool, error) {
	held := s.ctrl.Locks().AcquireWrite(LockNodes)
	defer held.Release()

	n := s.sm.resources.Len()
	if n == 0 {
		return false, nil
	}

	idle := bitmap.New(n)
	cpusPerNode := make([]int, n)
	s.sm.resources.Each(func(node *types.Node) {
		cpusPerNode[node.Index] = 0
		if node.Config != nil {
			cpusPerNode[node.Index] = node.Config.CPUs
		}
		if node.State == types.NodeStateIdle {
			idle.Set(node.Index)
		}
	})

	minNodes := job.Request.MinNodes
	if minNodes <= 0 {
		minNodes = 1
	}

	var selected *bitmap.Bitmap
	if job.Request.Contiguous {
		selected = selectContiguous(idle, minNodes, cpusPerNode, job.Request.MinCPUs)
	} else {
		selected = selectBySmallestIndex(idle, minNodes, cpusPerNode, job.Request.MinCPUs)
	}
	if selected == nil {
		return false, nil
	}

	job.AllocNodes = selected
	job.NodeCoreBM = make(map[int]*bitmap.Bitmap, selected.SetCount())
	job.State = types.JobStateRunning
	job.StartTime = time.Now()

	var names []string
	nameToIndex := make(map[string]int, selected.SetCount())
	firstIdx := -1
	for i := 0; i < selected.Size(); i++ {
		if !selected.Test(i) {
			continue
		}
		if firstIdx < 0 {
			firstIdx = i
		}
		node, err := s.sm.resources.GetByIndex(i)
		if err != nil {
			continue
		}
		names = append(names, node.Name)
		nameToIndex[node.Name] = i
		cores := bitmap.New(cpusPerNode[i])
		cores.SetAll()
		job.NodeCoreBM[i] = cores
	}
	if firstIdx >= 0 {
		if node, err := s.sm.resources.GetByIndex(firstIdx); err == nil {
			job.BatchHost = node.Name
		}
	}

	if err := s.sm.applyJob(OpUpdateJob, job); err != nil {
		return false, err
	}
	for i := 0; i < selected.Size(); i++ {
		if !selected.Test(i) {
			continue
		}
		node, err := s.sm.resources.GetByIndex(i)
		if err != nil {
			continue
		}
		if err := s.sm.resources.UpdateState(node.Name, types.NodeStateAllocated, ""); err != nil {
			s.log.Error().Err(err).Str("node", node.Name).Str("err_kind", errs.KindOf(err).String()).Msg("failed to mark node allocated")
		}
	}

	if err := s.sm.CreateBatchStep(job); err != nil {
		s.log.Error().Err(err).Uint64("job_id", uint64(job.ID)).Str("err_kind", errs.KindOf(err).String()).Msg("failed to record batch step")
	}

	s.dispatchLaunch(job, names, nameToIndex)
	return true, nil
}

// selectContiguous picks the smallest-min-index contiguous run of idle
// nodes satisfying both the node count and, summed, the requested core
// count. Returns nil if no run qualifies.
func selectContiguous(idle *bitmap.Bitmap, minNodes int, cpusPerNode []int, minCPUs int) *bitmap.Bitmap {
	n := idle.Size()
	for start := 0; start+minNodes <= n; start++ {
		ok := true
		cpus := 0
		for i := start; i < start+minNodes; i++ {
			if !idle.Test(i) {
				ok = false
				break
			}
			cpus += cpusPerNode[i]
		}
		if ok && cpus >= minCPUs {
			sel := bitmap.New(n)
			for i := start; i < start+minNodes; i++ {
				sel.Set(i)
			}
			return sel
		}
	}
	return nil
}

// selectBySmallestIndex picks idle nodes in ascending index order until
// both the node count and core count requirements are satisfied.
func selectBySmallestIndex(idle *bitmap.Bitmap, minNodes int, cpusPerNode []int, minCPUs int) *bitmap.Bitmap {
	n := idle.Size()
	sel := bitmap.New(n)
	count, cpus := 0, 0
	for i := 0; i < n; i++ {
		if !idle.Test(i) {
			continue
		}
		sel.Set(i)
		count++
		cpus += cpusPerNode[i]
		if count >= minNodes && cpus >= minCPUs {
			return sel
		}
	}
	return nil
}

// reserve computes head's expected start time: the earliest point at
// which enough running jobs have finished (by their partition's
// MaxTime) to free the nodes head needs. Running jobs with no
// discoverable time limit are assumed to finish one hour after they
// started; if fewer jobs are running than head needs nodes, the
// reservation falls back to one hour from now.
func (s *Scheduler) reserve(head *types.Job, running []*types.Job) reservation {
	var completions []time.Time
	for _, j := range running {
		completions = append(completions, s.estimatedCompletion(j))
	}
	sort.Slice(completions, func(i, j int) bool { return completions[i].Before(completions[j]) })

	needed := head.Request.MinNodes
	if needed <= 0 {
		needed = 1
	}
	start := time.Now().Add(time.Hour)
	if needed <= len(completions) {
		start = completions[needed-1]
	}
	return reservation{startTime: start, duration: s.estimatedDuration(head)}
}

// estimatedCompletion returns when a running job is expected to finish,
// derived from its partition's wall-clock limit.
func (s *Scheduler) estimatedCompletion(job *types.Job) time.Time {
	limit := s.estimatedDuration(job)
	if limit <= 0 {
		return job.StartTime.Add(time.Hour)
	}
	return job.StartTime.Add(limit)
}

// estimatedDuration resolves a job's wall-clock limit from its target
// partition, or zero if the partition carries none.
func (s *Scheduler) estimatedDuration(job *types.Job) time.Duration {
	if job.Request.Partition == "" {
		return 0
	}
	p, err := s.sm.resources.GetPartition(job.Request.Partition)
	if err != nil {
		return 0
	}
	return p.MaxTime
}

// dispatchLaunch generates a signed credential for the job's
// allocation and fans out BATCH_JOB_LAUNCH to its nodes.
func (s *Scheduler) dispatchLaunch(job *types.Job, names []string, nameToIndex map[string]int) {
	nodeList := hostlist.Compress(names)
	cred := &types.Credential{
		JobID:       job.ID,
		StepID:      types.StepBatchScript,
		UID:         job.OwnerUID,
		NodeList:    nodeList,
		CoreBitmaps: make(map[string]*bitmap.Bitmap, len(names)),
		Expiration:  time.Now().Add(24 * time.Hour),
	}
	for _, name := range names {
		if cores, ok := job.NodeCoreBM[nameToIndex[name]]; ok {
			cred.CoreBitmaps[name] = cores
		}
	}
	if err := s.sm.signer.Sign(cred); err != nil {
		s.log.Error().Err(err).Uint64("job_id", uint64(job.ID)).Str("err_kind", errs.KindOf(err).String()).Msg("failed to sign launch credential")
		return
	}
	job.Credential = cred.Signature

	body, err := json.Marshal(cred)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal launch credential")
		return
	}

	var targets []types.NodeTarget
	for i := 0; i < job.AllocNodes.Size(); i++ {
		if !job.AllocNodes.Test(i) {
			continue
		}
		node, err := s.sm.resources.GetByIndex(i)
		if err != nil {
			continue
		}
		targets = append(targets, types.NodeTarget{Address: node.Address, Name: node.Name})
	}

	s.sm.agents.Dispatch(&types.AgentRequest{
		JobID:          job.ID,
		Targets:        targets,
		RPCType:        types.AgentRPCBatchJobLaunch,
		Body:           body,
		ReplyRequired:  true,
		RetryOnFailure: true,
	}, nil)
}

// Package agent implements the controller<->node RPC fan-out engine
// (spec module E): bounded-concurrency dispatch, per-thread state
// tracking, a deadline-based watchdog, a retry queue with exponential
// backoff, and per-job LAUNCH<SIGNAL<KILL ordering.
package agent

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/rs/zerolog"
)

// Transport sends one RPC to one node and returns its reply. Real
// transports dial out over pkg/wire; tests inject a mock.
type Transport func(ctx context.Context, target types.NodeTarget, rpcType types.AgentRPCType, body []byte) ([]byte, error)

// NodeActions is the interface the reply-interpretation table drives:
// the resource table and job/step state machine the engine updates on
// each outcome.
type NodeActions interface {
	MakeNodeIdle(nodeName string, jobID types.JobID) error
	SetNodeDown(nodeName, reason string) error
}

// ThreadResult is the outcome recorded for one (target, rpc) dispatch.
type ThreadResult struct {
	Target    types.NodeTarget
	RPCType   types.AgentRPCType
	State     types.ThreadState
	StartedAt time.Time
	Reply     []byte
	Err       error
}

const defaultAgentThreadCount = 10
const defaultShardCount = 16
const defaultMaxWait = 30 * time.Second

// Engine is the agent fan-out dispatcher.
type Engine struct {
	transport   Transport
	actions     NodeActions
	log         zerolog.Logger
	threadCount int

	sem chan struct{} // global concurrency bound (AGENT_THREAD_COUNT)

	shards   []chan func()
	shardWG  sync.WaitGroup

	watchdog *watchdog

	retryMu    sync.Mutex
	retryQueue []retryEntry
	backoffOf  map[retryKey]int // attempt counter per (node,rpc)

	cancelled sync.Map // types.JobID -> *atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

type retryKey struct {
	node string
	rpc  types.AgentRPCType
}

type retryEntry struct {
	jobID   types.JobID
	target  types.NodeTarget
	rpcType types.AgentRPCType
	body    []byte
	attempt int
	notBefore time.Time
}

// Config configures a new Engine.
type Config struct {
	ThreadCount int
	ShardCount  int
	WatchdogTick time.Duration
}

// New constructs an Engine and starts its dispatch shards, watchdog,
// and retry drainer.
func New(transport Transport, actions NodeActions, cfg Config) *Engine {
	if cfg.ThreadCount <= 0 {
		cfg.ThreadCount = defaultAgentThreadCount
	}
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	if cfg.WatchdogTick <= 0 {
		cfg.WatchdogTick = 2 * time.Second
	}

	e := &Engine{
		transport:   transport,
		actions:     actions,
		log:         log.WithComponent("agent"),
		threadCount: cfg.ThreadCount,
		sem:         make(chan struct{}, cfg.ThreadCount),
		shards:      make([]chan func(), shardCount),
		backoffOf:   make(map[retryKey]int),
		stopCh:      make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = make(chan func(), 256)
		e.shardWG.Add(1)
		go e.runShard(e.shards[i])
	}
	e.watchdog = newWatchdog(cfg.WatchdogTick)
	go e.watchdog.run(e.stopCh)
	go e.retryDrainer()
	return e
}

func (e *Engine) runShard(ch chan func()) {
	defer e.shardWG.Done()
	for {
		select {
		case fn, ok := <-ch:
			if !ok {
				return
			}
			fn()
		case <-e.stopCh:
			return
		}
	}
}

// shardFor hash-partitions a job id onto a dispatch shard so that all
// RPCs for one job are issued to the transport in submission order.
func (e *Engine) shardFor(jobID types.JobID) chan func() {
	return e.shards[uint64(jobID)%uint64(len(e.shards))]
}

// Stop halts all shards, the watchdog and the retry drainer; work still
// queued on a shard when Stop is called may be discarded.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		for _, s := range e.shards {
			close(s)
		}
		e.shardWG.Wait()
	})
}

// Cancel marks jobID cancelled: in-flight and future launches for it are
// dropped before send.
func (e *Engine) Cancel(jobID types.JobID) {
	flag, _ := e.cancelled.LoadOrStore(jobID, new(atomic.Bool))
	flag.(*atomic.Bool).Store(true)
}

func (e *Engine) isCancelled(jobID types.JobID) bool {
	v, ok := e.cancelled.Load(jobID)
	if !ok {
		return false
	}
	return v.(*atomic.Bool).Load()
}

// RetryQueueDepth reports the number of RPCs currently waiting on
// backoff for redelivery, for metrics collection.
func (e *Engine) RetryQueueDepth() int {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	return len(e.retryQueue)
}

// WatchdogDepth reports the number of in-flight RPCs being tracked for
// timeout, for metrics collection.
func (e *Engine) WatchdogDepth() int {
	return e.watchdog.Depth()
}

// Dispatch fans out req to every target, respecting per-job ordering,
// bounded global concurrency, and cancellation. It returns once every
// target has been dispatched (not necessarily replied); results stream
// through the handler.
func (e *Engine) Dispatch(req *types.AgentRequest, handler func(ThreadResult)) {
	maxWait := req.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	for _, target := range req.Targets {
		target := target
		e.shardFor(req.JobID) <- func() {
			e.runOne(req.JobID, target, req.RPCType, req.Body, maxWait, req.RetryOnFailure, handler)
		}
	}
}

func (e *Engine) runOne(jobID types.JobID, target types.NodeTarget, rpcType types.AgentRPCType, body []byte, maxWait time.Duration, retryOnFailure bool, handler func(ThreadResult)) {
	isLaunch := rpcType == types.AgentRPCBatchJobLaunch || rpcType == types.AgentRPCLaunchTasks
	if isLaunch && e.isCancelled(jobID) {
		return
	}

	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	if isLaunch && e.isCancelled(jobID) {
		return
	}

	res := ThreadResult{Target: target, RPCType: rpcType, State: types.ThreadActive, StartedAt: time.Now()}
	id := e.watchdog.register(maxWait)
	defer e.watchdog.unregister(id)

	ctx, cancel := context.WithTimeout(context.Background(), maxWait)
	defer cancel()

	reply, err := e.transport(ctx, target, rpcType, body)
	res.Reply = reply
	res.Err = err

	switch {
	case err == context.DeadlineExceeded:
		res.State = types.ThreadNoResp
	case err != nil:
		res.State = types.ThreadFailed
	default:
		res.State = types.ThreadDone
	}

	e.interpret(jobID, target, rpcType, &res, retryOnFailure, body)
	if handler != nil {
		handler(res)
	}
}

// interpret applies the per-RPC-type reply table and, on NO_RESP with
// retry enabled, enqueues a retry entry.
func (e *Engine) interpret(jobID types.JobID, target types.NodeTarget, rpcType types.AgentRPCType, res *ThreadResult, retryOnFailure bool, body []byte) {
	switch res.State {
	case types.ThreadNoResp:
		e.log.Warn().Str("node", target.Name).Str("job_id", fmt.Sprint(jobID)).Msg("agent RPC timed out")
		if retryOnFailure {
			e.enqueueRetry(jobID, target, rpcType, body)
		}
		return
	case types.ThreadFailed:
		if isInvalidJobID(res.Err) {
			res.State = types.ThreadDone
			return
		}
		if isPrologOrEpilogFailure(res.Err) {
			if err := e.actions.SetNodeDown(target.Name, res.Err.Error()); err != nil {
				e.log.Error().Err(err).Str("node", target.Name).Msg("failed to set node down")
			}
		}
		return
	case types.ThreadDone:
		if rpcType == types.AgentRPCKillJob || rpcType == types.AgentRPCKillTimelimit {
			if err := e.actions.MakeNodeIdle(target.Name, jobID); err != nil {
				e.log.Error().Err(err).Str("node", target.Name).Msg("failed to make node idle")
			}
		}
	}
}

// sentinel markers used by mock/real transports to signal
// domain-specific failure kinds without a richer error taxonomy.
var (
	ErrInvalidJobID     = errs.New(errs.AlreadyDone, "agent", "INVALID_JOB_ID")
	ErrPrologFailed     = errs.New(errs.TemporaryFailure, "agent", "PROLOG_FAILED")
	ErrEpilogFailed     = errs.New(errs.TemporaryFailure, "agent", "EPILOG_FAILED")
)

func isInvalidJobID(err error) bool {
	return err != nil && errs.Is(err, errs.AlreadyDone)
}

func isPrologOrEpilogFailure(err error) bool {
	return err == ErrPrologFailed || err == ErrEpilogFailed
}

func (e *Engine) enqueueRetry(jobID types.JobID, target types.NodeTarget, rpcType types.AgentRPCType, body []byte) {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()

	key := retryKey{node: target.Name, rpc: rpcType}
	attempt := e.backoffOf[key]
	e.backoffOf[key] = attempt + 1

	bo := newBackoff()
	e.retryQueue = append(e.retryQueue, retryEntry{
		jobID: jobID, target: target, rpcType: rpcType, body: body,
		attempt: attempt, notBefore: time.Now().Add(bo.next(attempt)),
	})
}

// retryDrainer periodically redispatches every retry entry whose backoff
// has elapsed, in queue order. An entry can go out before an earlier
// entry for the same node whose backoff has not elapsed yet, and entries
// of different jobs run on different shards.
func (e *Engine) retryDrainer() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.drainDue()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) drainDue() {
	now := time.Now()
	e.retryMu.Lock()
	var due []retryEntry
	var pending []retryEntry
	for _, r := range e.retryQueue {
		if now.After(r.notBefore) || now.Equal(r.notBefore) {
			due = append(due, r)
		} else {
			pending = append(pending, r)
		}
	}
	e.retryQueue = pending
	e.retryMu.Unlock()

	for _, r := range due {
		r := r
		e.shardFor(r.jobID) <- func() {
			e.runOne(r.jobID, r.target, r.rpcType, r.body, defaultMaxWait, true, nil)
		}
	}
}

// watchdog tracks per-dispatch deadlines on a min-heap instead of
// polling every worker every tick and instead of cross-thread signals:
// a timer wheel, not a signal source.
type watchdog struct {
	tick time.Duration

	mu     sync.Mutex
	items  deadlineHeap
	nextID uint64
}

type deadlineItem struct {
	id       uint64
	deadline time.Time
	index    int
}

type deadlineHeap []*deadlineItem

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *deadlineHeap) Push(x interface{}) {
	item := x.(*deadlineItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newWatchdog(tick time.Duration) *watchdog {
	return &watchdog{tick: tick}
}

func (w *watchdog) register(maxWait time.Duration) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	heap.Push(&w.items, &deadlineItem{id: id, deadline: time.Now().Add(maxWait)})
	return id
}

func (w *watchdog) unregister(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, item := range w.items {
		if item.id == id {
			heap.Remove(&w.items, i)
			return
		}
	}
}

// run periodically pops expired deadlines; actual timeout enforcement
// happens via each dispatch's own context deadline, so run here only
// prunes stale entries and reports queue depth for metrics.
func (w *watchdog) run(stop <-chan struct{}) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.pruneExpired()
		case <-stop:
			return
		}
	}
}

func (w *watchdog) pruneExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for w.items.Len() > 0 && w.items[0].deadline.Before(now) {
		heap.Pop(&w.items)
	}
}

// Depth reports how many entries are currently tracked, for
// pkg/metrics gauges.
func (w *watchdog) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.items.Len()
}

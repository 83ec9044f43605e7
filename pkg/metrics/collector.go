package metrics

import (
	"time"

	"github.com/quartzsched/quartz/pkg/agent"
	"github.com/quartzsched/quartz/pkg/controller"
	"github.com/quartzsched/quartz/pkg/types"
)

// Collector periodically samples cluster state into the registered
// Prometheus gauges. It reads from the controller's replicated store
// rather than any single component's in-memory view, so a follower
// reports the same counts as the leader.
type Collector struct {
	ctrl   *controller.Controller
	agents *agent.Engine
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector. agents may be nil on
// a controller that hasn't wired an agent engine yet (e.g. in tests).
func NewCollector(ctrl *controller.Controller, agents *agent.Engine) *Collector {
	return &Collector{
		ctrl:   ctrl,
		agents: agents,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectNodeMetrics()
	c.collectPartitionMetrics()
	c.collectJobMetrics()
	c.collectAssociationMetrics()
	c.collectRaftMetrics()
	c.collectAgentMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.ctrl.Store().ListNodes()
	if err != nil {
		return
	}

	counts := make(map[types.NodeState]int)
	flagged := 0
	for _, n := range nodes {
		counts[n.State]++
		if n.Flags.Has(types.NodeFlagNoRespond) {
			flagged++
		}
	}
	for state, count := range counts {
		NodesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
	NodesFlaggedTotal.Set(float64(flagged))
}

func (c *Collector) collectPartitionMetrics() {
	parts, err := c.ctrl.Store().ListPartitions()
	if err != nil {
		return
	}
	PartitionsTotal.Set(float64(len(parts)))
}

func (c *Collector) collectJobMetrics() {
	jobs, err := c.ctrl.Store().ListJobs()
	if err != nil {
		return
	}

	counts := make(map[types.JobState]int)
	for _, j := range jobs {
		counts[j.State]++
	}
	for state, count := range counts {
		JobsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectAssociationMetrics() {
	assocs, err := c.ctrl.Store().ListAssociations()
	if err != nil {
		return
	}
	AssociationsTotal.Set(float64(len(assocs)))
}

func (c *Collector) collectRaftMetrics() {
	if c.ctrl.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.ctrl.Stats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
}

func (c *Collector) collectAgentMetrics() {
	if c.agents == nil {
		return
	}
	AgentRetryQueueDepth.Set(float64(c.agents.RetryQueueDepth()))
	AgentWatchdogDepth.Set(float64(c.agents.WatchdogDepth()))
}

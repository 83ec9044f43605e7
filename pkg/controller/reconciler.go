package controller

import (
	"context"
	"sync"
	"time"

	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/events"
	"github.com/quartzsched/quartz/pkg/health"
	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/rs/zerolog"
)

// staleAfter is how long a node may go without a response before the
// reconciler marks it NO_RESPOND and, on the next cycle past
// downAfter, DOWN.
const staleAfter = 30 * time.Second
const downAfter = 90 * time.Second

// Reconciler runs the periodic node-failure detection loop: nodes whose
// LastResponse has gone stale are flagged NoRespond, and nodes stale
// past downAfter are marked DOWN, which in turn fails any job
// allocated to them via StateMachine.SetNodeDown.
type Reconciler struct {
	sm       *StateMachine
	ctrl     *Controller
	log      zerolog.Logger
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewReconciler returns a Reconciler driving sm's node-failure handling
// on a ticker.
func NewReconciler(ctrl *Controller, sm *StateMachine, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		sm:       sm,
		ctrl:     ctrl,
		log:      log.WithComponent("reconciler"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the reconciliation loop in its own goroutine until Stop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the reconciliation loop.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !r.ctrl.IsLeader() {
				continue
			}
			r.reconcileNodes()
		case <-r.stopCh:
			return
		}
	}
}

// reconcileNodes scans every node for heartbeat staleness, escalating
// NO_RESPOND -> DOWN as staleness crosses downAfter. A node already
// DOWN or DRAIN is left alone: an operator or the agent engine's
// reply-interpretation table owns its recovery.
func (r *Reconciler) reconcileNodes() {
	now := time.Now()
	var toFlag, toDown []string

	var toProbe []types.Node
	r.sm.resources.Each(func(n *types.Node) {
		if n.State == types.NodeStateDown || n.State == types.NodeStateDrain {
			return
		}
		age := now.Sub(n.LastResponse)
		switch {
		case age > downAfter:
			toProbe = append(toProbe, *n)
		case age > staleAfter:
			toFlag = append(toFlag, n.Name)
		}
	})

	// A heartbeat gap past downAfter gets one active TCP probe before
	// the node is marked DOWN, catching a controller-side network blip
	// that a missing heartbeat alone can't distinguish from a dead node.
	for _, n := range toProbe {
		if n.Address == "" {
			toDown = append(toDown, n.Name)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		result := health.NewTCPChecker(n.Address).Check(ctx)
		cancel()
		if !result.Healthy {
			toDown = append(toDown, n.Name)
		}
	}

	for _, name := range toFlag {
		if err := r.sm.resources.SetFlag(name, types.NodeFlagNoRespond); err != nil {
			r.log.Error().Err(err).Str("node", name).Str("err_kind", errs.KindOf(err).String()).Msg("failed to flag node no-respond")
			continue
		}
		r.sm.publish(&events.Event{
			Type:     events.EventNodeNoRespond,
			Message:  "node heartbeat stale",
			Metadata: map[string]string{"node_name": name},
		})
	}

	for _, name := range toDown {
		// SetNodeDown publishes EventNodeDown itself.
		if err := r.sm.SetNodeDown(name, "heartbeat timeout"); err != nil {
			r.log.Error().Err(err).Str("node", name).Str("err_kind", errs.KindOf(err).String()).Msg("failed to mark node down")
		}
	}
}

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/quartzsched/quartz/pkg/agent"
	"github.com/quartzsched/quartz/pkg/controller"
	"github.com/quartzsched/quartz/pkg/events"
	"github.com/quartzsched/quartz/pkg/metrics"
	"github.com/quartzsched/quartz/pkg/resource"
	"github.com/quartzsched/quartz/pkg/types"
)

// newHTTPRouter builds the observability surface: health, Prometheus
// metrics, and the live event stream. It does not serve any
// cluster-mutating operation; those only exist on the wire RPC
// listener in server.go.
func newHTTPRouter(ctrl *controller.Controller, engine *agent.Engine, resources *resource.Table, broker *events.Broker) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler(ctrl)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/events", events.NewWebSocketHandler(broker))
	return r
}

func healthzHandler(ctrl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "follower"
		if ctrl.IsLeader() {
			status = "leader"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"stats":  ctrl.Stats(),
		})
	}
}

// reportMetrics periodically copies live counters into the Prometheus
// gauges registered in pkg/metrics. It runs until stop is closed.
func reportMetrics(ctrl *controller.Controller, engine *agent.Engine, resources *resource.Table, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if ctrl.IsLeader() {
				metrics.RaftLeader.Set(1)
			} else {
				metrics.RaftLeader.Set(0)
			}
			if stats := ctrl.Stats(); stats != nil {
				if v, ok := stats["last_log_index"].(uint64); ok {
					metrics.RaftLogIndex.Set(float64(v))
				}
				if v, ok := stats["applied_index"].(uint64); ok {
					metrics.RaftAppliedIndex.Set(float64(v))
				}
			}
			metrics.AgentRetryQueueDepth.Set(float64(engine.RetryQueueDepth()))
			metrics.AgentWatchdogDepth.Set(float64(engine.WatchdogDepth()))

			byState := make(map[types.NodeState]int)
			resources.Each(func(n *types.Node) { byState[n.State]++ })
			for _, st := range []types.NodeState{
				types.NodeStateUnknown, types.NodeStateIdle, types.NodeStateAllocated,
				types.NodeStateDown, types.NodeStateDrain, types.NodeStateFail,
			} {
				metrics.NodesTotal.WithLabelValues(string(st)).Set(float64(byState[st]))
			}
		case <-stop:
			return
		}
	}
}

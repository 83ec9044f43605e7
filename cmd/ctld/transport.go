package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/quartzsched/quartz/pkg/metrics"
	"github.com/quartzsched/quartz/pkg/security"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/quartzsched/quartz/pkg/wire"
)

// agentRPCToMsgType maps the agent engine's RPC enum onto the wire
// message types cmd/agentd's server understands.
var agentRPCToMsgType = map[types.AgentRPCType]wire.MsgType{
	types.AgentRPCBatchJobLaunch:         wire.RequestBatchJobLaunch,
	types.AgentRPCLaunchTasks:            wire.RequestLaunchTasks,
	types.AgentRPCSignalTasks:            wire.RequestSignalTasks,
	types.AgentRPCTerminateTasks:         wire.RequestTerminateTasks,
	types.AgentRPCKillJob:                wire.RequestKillJob,
	types.AgentRPCKillTimelimit:          wire.RequestKillTimelimit,
	types.AgentRPCNodeRegistrationStatus: wire.RequestNodeRegistrationStatus,
	types.AgentRPCPing:                   wire.RequestPing,
	types.AgentRPCReconfigure:            wire.RequestReconfigure,
	types.AgentRPCJobNotify:              wire.RequestJobNotify,
	types.AgentRPCShutdown:               wire.RequestShutdown,
}

// nodeTransport dials target.Address fresh for every call. Real
// deployments pay a per-RPC handshake cost for this; the agent
// engine's bounded concurrency and retry queue already assume
// individual RPCs can be slow, so a pooled connection is future work
// rather than a correctness requirement.
func nodeTransport(certDir string) func(ctx context.Context, target types.NodeTarget, rpcType types.AgentRPCType, body []byte) ([]byte, error) {
	return func(ctx context.Context, target types.NodeTarget, rpcType types.AgentRPCType, body []byte) ([]byte, error) {
		msgType, ok := agentRPCToMsgType[rpcType]
		if !ok {
			return nil, fmt.Errorf("ctld: no wire mapping for agent rpc type %d", rpcType)
		}

		timer := metrics.NewTimer()
		deadline := 10 * time.Second
		if dl, ok := ctx.Deadline(); ok {
			if d := time.Until(dl); d > 0 {
				deadline = d
			}
		}

		conn, err := dialNode(target.Address, certDir, deadline)
		if err != nil {
			metrics.AgentRPCTotal.WithLabelValues(rpcTypeLabel(rpcType), "dial_error").Inc()
			return nil, fmt.Errorf("ctld: dial %s: %w", target.Address, err)
		}
		defer conn.Close()

		conn.SetDeadline(time.Now().Add(deadline))
		if err := wire.Encode(conn, &wire.Envelope{
			ProtocolVersion: wire.CurrentVersion,
			MsgType:         msgType,
			Body:            body,
		}); err != nil {
			metrics.AgentRPCTotal.WithLabelValues(rpcTypeLabel(rpcType), "send_error").Inc()
			return nil, fmt.Errorf("ctld: send to %s: %w", target.Address, err)
		}

		resp, err := wire.Decode(conn)
		if err != nil {
			metrics.AgentRPCTotal.WithLabelValues(rpcTypeLabel(rpcType), "recv_error").Inc()
			return nil, fmt.Errorf("ctld: read reply from %s: %w", target.Address, err)
		}
		timer.ObserveDurationVec(metrics.AgentDispatchDuration, rpcTypeLabel(rpcType))
		metrics.AgentRPCTotal.WithLabelValues(rpcTypeLabel(rpcType), "ok").Inc()
		return resp.Body, nil
	}
}

func dialNode(addr, certDir string, timeout time.Duration) (net.Conn, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load controller cert: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	dialer := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	})
}

func rpcTypeLabel(t types.AgentRPCType) string {
	switch t {
	case types.AgentRPCBatchJobLaunch:
		return "batch_job_launch"
	case types.AgentRPCLaunchTasks:
		return "launch_tasks"
	case types.AgentRPCSignalTasks:
		return "signal_tasks"
	case types.AgentRPCTerminateTasks:
		return "terminate_tasks"
	case types.AgentRPCKillJob:
		return "kill_job"
	case types.AgentRPCKillTimelimit:
		return "kill_timelimit"
	case types.AgentRPCNodeRegistrationStatus:
		return "node_registration_status"
	case types.AgentRPCPing:
		return "ping"
	case types.AgentRPCReconfigure:
		return "reconfigure"
	case types.AgentRPCJobNotify:
		return "job_notify"
	case types.AgentRPCShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

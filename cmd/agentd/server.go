package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"time"

	"github.com/quartzsched/quartz/pkg/credential"
	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/metrics"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/quartzsched/quartz/pkg/wire"
	"github.com/rs/zerolog"
)

// rpcServer is cmd/agentd's inbound listener, serving the half of the
// controller<->agent protocol the controller drives: launch, signal,
// kill, ping, reconfigure, job-notify, shutdown. Any peer holding a
// client certificate signed by the cluster CA may connect.
type rpcServer struct {
	launcher Launcher
	verifier *credential.Verifier
	log      zerolog.Logger

	shutdown chan struct{}
}

func newRPCServer(launcher Launcher, verifier *credential.Verifier) *rpcServer {
	return &rpcServer{
		launcher: launcher,
		verifier: verifier,
		log:      log.WithComponent("agentd"),
		shutdown: make(chan struct{}, 1),
	}
}

func (s *rpcServer) listenAndServe(addr string, tlsCert tls.Certificate, caCert *x509.Certificate) error {
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	ln, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		return errs.Wrap(errs.InternalError, "agentd.listenAndServe", "failed to listen", err)
	}
	s.log.Info().Str("addr", addr).Msg("agent rpc listener started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *rpcServer) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		conn.SetDeadline(time.Now().Add(60 * time.Second))
		req, err := wire.Decode(conn)
		if err != nil {
			return
		}
		if err := wire.CheckVersion(req.ProtocolVersion); err != nil {
			s.log.Warn().Err(err).Msg("rejecting envelope")
			return
		}

		resp := s.dispatch(req)
		resp.ProtocolVersion = wire.CurrentVersion
		if err := wire.Encode(conn, resp); err != nil {
			return
		}
		if req.MsgType == wire.RequestShutdown {
			return
		}
	}
}

func (s *rpcServer) dispatch(req *wire.Envelope) *wire.Envelope {
	switch req.MsgType {
	case wire.RequestPing:
		return &wire.Envelope{MsgType: wire.ResponsePong}
	case wire.RequestBatchJobLaunch:
		return s.handleLaunch(req.Body)
	case wire.RequestSignalTasks:
		return s.handleSignal(req.Body)
	case wire.RequestTerminateTasks, wire.RequestKillJob, wire.RequestKillTimelimit:
		return s.handleKill(req.Body)
	case wire.RequestReconfigure:
		s.log.Info().Msg("reconfigure requested")
		return rcEnvelope(nil)
	case wire.RequestJobNotify:
		return rcEnvelope(nil)
	case wire.RequestShutdown:
		select {
		case s.shutdown <- struct{}{}:
		default:
		}
		return rcEnvelope(nil)
	default:
		return rcEnvelope(errs.New(errs.InvalidInput, "agentd.dispatch", "unsupported request type"))
	}
}

// handleLaunch verifies the job credential carried in body and starts
// the batch step through the configured Launcher. A credential that
// fails verification is never executed.
func (s *rpcServer) handleLaunch(body []byte) *wire.Envelope {
	var c types.Credential
	if err := json.Unmarshal(body, &c); err != nil {
		return rcEnvelope(errs.Wrap(errs.InvalidInput, "agentd.handleLaunch", "malformed credential", err))
	}
	if err := s.verifier.Verify(&c, time.Now()); err != nil {
		metrics.CredentialVerifyFailuresTotal.Inc()
		return rcEnvelope(errs.Wrap(errs.AccessDenied, "agentd.handleLaunch", "credential verification failed", err))
	}

	spec := LaunchSpec{JobID: c.JobID, UID: c.UID, NodeList: c.NodeList}
	if err := s.launcher.Launch(spec); err != nil {
		return rcEnvelope(errs.Wrap(errs.TemporaryFailure, "agentd.handleLaunch", "failed to launch job", err))
	}
	s.log.Info().Uint64("job_id", uint64(c.JobID)).Msg("job launched")
	return rcEnvelope(nil)
}

func (s *rpcServer) handleSignal(body []byte) *wire.Envelope {
	var req struct {
		JobID  uint64
		Signal int32
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return rcEnvelope(errs.Wrap(errs.InvalidInput, "agentd.handleSignal", "malformed request", err))
	}
	if err := s.launcher.Signal(types.JobID(req.JobID), req.Signal); err != nil {
		return rcEnvelope(errs.Wrap(errs.TemporaryFailure, "agentd.handleSignal", "failed to signal job", err))
	}
	return rcEnvelope(nil)
}

func (s *rpcServer) handleKill(body []byte) *wire.Envelope {
	var req struct{ JobID uint64 }
	if err := json.Unmarshal(body, &req); err != nil {
		return rcEnvelope(errs.Wrap(errs.InvalidInput, "agentd.handleKill", "malformed request", err))
	}
	if err := s.launcher.Kill(types.JobID(req.JobID)); err != nil {
		return rcEnvelope(errs.Wrap(errs.TemporaryFailure, "agentd.handleKill", "failed to kill job", err))
	}
	return rcEnvelope(nil)
}

func rcEnvelope(err error) *wire.Envelope {
	if err == nil {
		return &wire.Envelope{MsgType: wire.ResponseSlurmRC, Body: wire.EncodeRC(wire.RCBody{ReturnCode: 0})}
	}
	var code int32
	if e, ok := err.(*errs.Error); ok {
		code = e.WireCode()
	} else {
		code = errs.New(errs.KindOf(err), "", "").WireCode()
	}
	return &wire.Envelope{
		MsgType: wire.ResponseSlurmRC,
		Body: wire.EncodeRC(wire.RCBody{
			ReturnCode: code,
			Message:    err.Error(),
		}),
	}
}

package main

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/quartzsched/quartz/pkg/assoc"
	"github.com/quartzsched/quartz/pkg/controller"
	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/metrics"
	"github.com/quartzsched/quartz/pkg/resource"
	"github.com/quartzsched/quartz/pkg/security"
	"github.com/quartzsched/quartz/pkg/storage"
	"github.com/quartzsched/quartz/pkg/types"
	"github.com/quartzsched/quartz/pkg/wire"
	"github.com/rs/zerolog"
)

// rpcServer is cmd/ctld's wire-protocol listener. It serves both the
// client-facing surface (cmd/scancel, pkg/client: ping, cancel, query,
// cert issuance) and the inbound half of the controller<->agent
// protocol (node registration/heartbeat); the outbound half is driven
// by pkg/agent.Engine through nodeTransport.
type rpcServer struct {
	ctrl       *controller.Controller
	sm         *controller.StateMachine
	resources  *resource.Table
	assocTree  *assoc.Tree
	store      storage.Store
	ca         *security.CertAuthority
	signingPub ed25519.PublicKey
	joinToken  string
	log        zerolog.Logger
}

func newRPCServer(ctrl *controller.Controller, sm *controller.StateMachine, resources *resource.Table, assocTree *assoc.Tree, store storage.Store, ca *security.CertAuthority, signingPub ed25519.PublicKey, joinToken string) *rpcServer {
	return &rpcServer{
		ctrl:       ctrl,
		sm:         sm,
		resources:  resources,
		assocTree:  assocTree,
		store:      store,
		ca:         ca,
		signingPub: signingPub,
		joinToken:  joinToken,
		log:        log.WithComponent("rpcserver"),
	}
}

// listenAndServe accepts connections on addr. Clients without a
// certificate may still connect (VerifyClientCertIfGiven) to run the
// cert-issuance bootstrap leg; every other request type requires one.
func (s *rpcServer) listenAndServe(addr string, tlsCert tls.Certificate, caCert *x509.Certificate) error {
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	ln, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		return errs.Wrap(errs.InternalError, "rpcServer.listenAndServe", "failed to listen", err)
	}
	s.log.Info().Str("addr", addr).Msg("rpc listener started")

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

		authenticated := isAuthenticated(conn)
		resp := s.dispatch(req, authenticated)
		resp.ProtocolVersion = wire.CurrentVersion
		if err := wire.Encode(conn, resp); err != nil {
			return
		}
	}
}

// isAuthenticated reports whether the peer presented a client
// certificate verified against our CA; only RequestCertIssue and
// RequestPing are served to unauthenticated peers.
func isAuthenticated(conn net.Conn) bool {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return false
	}
	state := tlsConn.ConnectionState()
	return len(state.VerifiedChains) > 0
}

func (s *rpcServer) dispatch(req *wire.Envelope, authenticated bool) *wire.Envelope {
	timer := metrics.NewTimer()
	label := reqTypeLabel(req.MsgType)
	defer timer.ObserveDurationVec(metrics.RPCRequestDuration, label)

	if !authenticated && req.MsgType != wire.RequestCertIssue && req.MsgType != wire.RequestPing {
		metrics.RPCRequestsTotal.WithLabelValues(label, "unauthenticated").Inc()
		return rcEnvelope(errs.New(errs.AccessDenied, "rpcServer.dispatch", "client certificate required"))
	}

	var resp *wire.Envelope
	switch req.MsgType {
	case wire.RequestPing:
		resp = &wire.Envelope{MsgType: wire.ResponsePong}
	case wire.RequestCancelJob:
		resp = s.handleCancelJob(req.Body)
	case wire.RequestQueryJobs:
		resp = s.handleQueryJobs(req.Body)
	case wire.RequestCertIssue:
		resp = s.handleCertIssue(req.Body)
	case wire.RequestNodeRegistrationStatus:
		resp = s.handleNodeRegistration(req.Body)
	default:
		resp = rcEnvelope(errs.New(errs.InvalidInput, "rpcServer.dispatch", fmt.Sprintf("unsupported request type %d", req.MsgType)))
	}

	status := "ok"
	if resp.MsgType == wire.ResponseSlurmRC {
		if rc, err := wire.DecodeRC(resp.Body); err == nil && rc.ReturnCode != 0 {
			status = "error"
		}
	}
	metrics.RPCRequestsTotal.WithLabelValues(label, status).Inc()
	return resp
}

func (s *rpcServer) handleCancelJob(body []byte) *wire.Envelope {
	req, err := wire.GetCancelJob(body)
	if err != nil {
		return rcEnvelope(errs.Wrap(errs.InvalidInput, "rpcServer.handleCancelJob", "malformed request", err))
	}
	ids := req.Filter.JobIDs
	if len(ids) == 0 {
		ids = s.matchFilter(req.Filter)
	}
	if len(ids) == 0 {
		return rcEnvelope(errs.New(errs.NotFound, "rpcServer.handleCancelJob", "no jobs matched"))
	}
	for _, id := range ids {
		jobID := types.JobID(id)
		if req.Signal != 0 {
			if err := s.sm.SignalJob(jobID, req.Signal); err != nil {
				return rcEnvelope(err)
			}
			continue
		}
		if err := s.sm.CancelJob(jobID); err != nil {
			return rcEnvelope(err)
		}
	}
	return rcEnvelope(nil)
}

func (s *rpcServer) handleQueryJobs(body []byte) *wire.Envelope {
	filter, _, err := wire.GetJobFilter(body)
	if err != nil {
		return rcEnvelope(errs.Wrap(errs.InvalidInput, "rpcServer.handleQueryJobs", "malformed request", err))
	}
	ids := filter.JobIDs
	if len(ids) == 0 {
		ids = s.matchFilter(filter)
	}
	var out []wire.JobSummary
	for _, id := range ids {
		job, err := s.store.GetJob(types.JobID(id))
		if err != nil {
			continue
		}
		out = append(out, wire.JobSummary{
			JobID:     uint64(job.ID),
			Partition: job.Partition,
			State:     string(job.State),
			User:      ownerName(job.OwnerUID),
		})
	}
	return &wire.Envelope{MsgType: wire.ResponseJobList, Body: wire.PutJobList(out)}
}

// ownerName resolves a job's numeric owner uid to a username for
// display, falling back to the bare uid if the local passwd database
// has no entry (containers and test environments often don't).
func ownerName(uid int) string {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return strconv.Itoa(uid)
	}
	return u.Username
}

// matchFilter resolves a JobFilter with no explicit ids against the
// live job table. It is a linear scan: the job table is not indexed by
// account/partition/user, and a controller's live job count is small
// enough that this is not a hot path worth indexing for. Account
// matching goes through the association tree, since the job record
// itself only carries an AssocID; job name and QoS/reservation
// selection have no backing field in this job model and are ignored.
func (s *rpcServer) matchFilter(f wire.JobFilter) []uint64 {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return nil
	}
	stateSet := make(map[string]bool, len(f.States))
	for _, st := range f.States {
		stateSet[strings.ToUpper(st)] = true
	}
	var ids []uint64
	for _, job := range jobs {
		if f.Partition != "" && job.Partition != f.Partition {
			continue
		}
		if f.User != "" && ownerName(job.OwnerUID) != f.User {
			continue
		}
		if f.Account != "" {
			a, err := s.assocTree.Get(job.AssocID)
			if err != nil || a.Account != f.Account {
				continue
			}
		}
		if len(stateSet) > 0 && !stateSet[string(job.State)] {
			continue
		}
		ids = append(ids, uint64(job.ID))
	}
	return ids
}

func (s *rpcServer) handleCertIssue(body []byte) *wire.Envelope {
	req, err := wire.GetCertIssueRequest(body)
	if err != nil {
		return rcEnvelope(errs.Wrap(errs.InvalidInput, "rpcServer.handleCertIssue", "malformed request", err))
	}
	if req.Token == "" || req.Token != s.joinToken {
		return rcEnvelope(errs.New(errs.AccessDenied, "rpcServer.handleCertIssue", "invalid join token"))
	}
	tlsCert, err := s.ca.IssueNodeCertificate(req.NodeID, "member", nil, nil)
	if err != nil {
		return rcEnvelope(errs.Wrap(errs.InternalError, "rpcServer.handleCertIssue", "failed to issue certificate", err))
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(tlsCert.PrivateKey)
	if err != nil {
		return rcEnvelope(errs.Wrap(errs.InternalError, "rpcServer.handleCertIssue", "failed to marshal key", err))
	}
	resp := wire.CertIssueResponse{
		Certificate:      pemEncode("CERTIFICATE", tlsCert.Certificate[0]),
		PrivateKey:       pemEncode("PRIVATE KEY", keyDER),
		CACert:           pemEncode("CERTIFICATE", s.ca.GetRootCACert()),
		SigningPublicKey: s.signingPub,
	}
	return &wire.Envelope{MsgType: wire.ResponseCertIssue, Body: wire.PutCertIssueResponse(resp)}
}

func (s *rpcServer) handleNodeRegistration(body []byte) *wire.Envelope {
	reg, err := wire.GetNodeRegistration(body)
	if err != nil {
		return rcEnvelope(errs.Wrap(errs.InvalidInput, "rpcServer.handleNodeRegistration", "malformed request", err))
	}
	if _, err := s.resources.GetByName(reg.Name); err != nil {
		node := &types.Node{
			Name:         reg.Name,
			Address:      reg.Address,
			State:        types.NodeStateIdle,
			LastResponse: time.Now(),
			Config: &types.ConfigRecord{
				CPUs:      int(reg.CPUCores),
				RealMemMB: int64(reg.MemoryMB),
			},
		}
		if err := s.resources.RegisterNode(node); err != nil {
			return rcEnvelope(err)
		}
		if err := s.store.CreateNode(node); err != nil {
			return rcEnvelope(err)
		}
		s.log.Info().Str("node", reg.Name).Msg("node registered")
		return rcEnvelope(nil)
	}
	if err := s.resources.UpdateState(reg.Name, types.NodeStateIdle, "heartbeat"); err != nil {
		return rcEnvelope(err)
	}
	return rcEnvelope(nil)
}

func rcEnvelope(err error) *wire.Envelope {
	if err == nil {
		return &wire.Envelope{MsgType: wire.ResponseSlurmRC, Body: wire.EncodeRC(wire.RCBody{ReturnCode: 0})}
	}
	code := errs.New(errs.KindOf(err), "", "").WireCode()
	return &wire.Envelope{
		MsgType: wire.ResponseSlurmRC,
		Body: wire.EncodeRC(wire.RCBody{
			ReturnCode: code,
			Message:    err.Error(),
		}),
	}
}

func reqTypeLabel(t wire.MsgType) string {
	switch t {
	case wire.RequestPing:
		return "ping"
	case wire.RequestCancelJob:
		return "cancel_job"
	case wire.RequestQueryJobs:
		return "query_jobs"
	case wire.RequestCertIssue:
		return "cert_issue"
	case wire.RequestNodeRegistrationStatus:
		return "node_registration"
	default:
		return "other"
	}
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

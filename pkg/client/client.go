// Package client is the wire-protocol RPC client shared by cmd/scancel
// and any future CLI surface. It dials cmd/ctld over TLS, frames
// requests/replies with pkg/wire, and turns RESPONSE_SLURM_RC replies
// back into *errs.Error so callers can branch on Kind.
package client

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/security"
	"github.com/quartzsched/quartz/pkg/wire"
)

const defaultTimeout = 10 * time.Second

// Client is a single connection to the controller's RPC surface.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewClient dials addr using the CLI's existing certificate. It fails
// with a helpful message if no certificate has been provisioned yet;
// use NewClientWithToken to bootstrap one.
func NewClient(addr string) (*Client, error) {
	certDir, err := security.GetCLICertDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get cert directory: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("CLI certificate not found at %s; obtain one with a join token first", certDir)
	}
	conn, err := connectWithMTLS(addr, certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to connect with mTLS: %w", err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// NewClientWithToken requests a certificate from addr using a join
// token if the CLI doesn't already have one, then connects with mTLS.
func NewClientWithToken(addr, token string) (*Client, error) {
	certDir, err := security.GetCLICertDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get cert directory: %w", err)
	}

	if !security.CertExists(certDir) {
		if err := requestCertificate(addr, token, certDir); err != nil {
			return nil, fmt.Errorf("failed to request certificate: %w", err)
		}
	}

	conn, err := connectWithMTLS(addr, certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller: %w", err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// call sends req and returns the decoded reply envelope.
func (c *Client) call(req *wire.Envelope) (*wire.Envelope, error) {
	req.ProtocolVersion = wire.CurrentVersion
	c.conn.SetDeadline(time.Now().Add(defaultTimeout))
	if err := wire.Encode(c.conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	resp, err := wire.Decode(c.r)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if err := wire.CheckVersion(resp.ProtocolVersion); err != nil {
		return nil, err
	}
	return resp, nil
}

// rcError reads a RESPONSE_SLURM_RC body and returns nil on return code
// 0, or a *errs.Error reconstructed from the wire code otherwise.
func rcError(op string, body []byte) error {
	rc, err := wire.DecodeRC(body)
	if err != nil {
		return fmt.Errorf("%s: malformed reply: %w", op, err)
	}
	if rc.ReturnCode == 0 {
		return nil
	}
	return errs.New(errs.KindFromWireCode(rc.ReturnCode), op, rc.Message)
}

// Ping round-trips a liveness check against the controller.
func (c *Client) Ping() error {
	resp, err := c.call(&wire.Envelope{MsgType: wire.RequestPing})
	if err != nil {
		return err
	}
	if resp.MsgType != wire.ResponsePong {
		return fmt.Errorf("client.Ping: unexpected reply type %d", resp.MsgType)
	}
	return nil
}

// CancelJob cancels every job matching filter, delivering signal (0 for
// the default full-termination chain). It returns the RC error if the
// controller rejects the request outright; it does not report
// per-job results, matching scancel's one-RC-per-request RPC shape.
func (c *Client) CancelJob(filter wire.JobFilter, signal int32) error {
	body := wire.PutCancelJob(wire.CancelJobBody{Filter: filter, Signal: signal})
	resp, err := c.call(&wire.Envelope{MsgType: wire.RequestCancelJob, Body: body})
	if err != nil {
		return err
	}
	if resp.MsgType != wire.ResponseSlurmRC {
		return fmt.Errorf("client.CancelJob: unexpected reply type %d", resp.MsgType)
	}
	return rcError("client.CancelJob", resp.Body)
}

// QueryJobs resolves filter against the controller's live job table,
// used by scancel to turn -n/-p/-u/... filters into concrete job ids
// before confirming (-i) or reporting what it acted on.
func (c *Client) QueryJobs(filter wire.JobFilter) ([]wire.JobSummary, error) {
	body := wire.PutJobFilter(nil, filter)
	resp, err := c.call(&wire.Envelope{MsgType: wire.RequestQueryJobs, Body: body})
	if err != nil {
		return nil, err
	}
	if resp.MsgType == wire.ResponseSlurmRC {
		return nil, rcError("client.QueryJobs", resp.Body)
	}
	if resp.MsgType != wire.ResponseJobList {
		return nil, fmt.Errorf("client.QueryJobs: unexpected reply type %d", resp.MsgType)
	}
	return wire.GetJobList(resp.Body)
}

// requestCertificate requests a certificate from the controller,
// authenticated by token instead of a client certificate (the caller
// has none yet), and saves it under certDir using the same
// node.crt/node.key/ca.crt layout security.LoadCertFromFile expects.
// The connection is still TLS so the token travels encrypted, but the
// controller's root CA can't be verified before it's been fetched, so
// server identity is unchecked on this one bootstrap leg.
func requestCertificate(addr, token, certDir string) error {
	dialer := &net.Dialer{Timeout: defaultTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(defaultTimeout))
	reqBody := wire.PutCertIssueRequest(wire.CertIssueRequest{NodeID: "cli", Token: token})
	if err := wire.Encode(conn, &wire.Envelope{
		ProtocolVersion: wire.CurrentVersion,
		MsgType:         wire.RequestCertIssue,
		Body:            reqBody,
	}); err != nil {
		return fmt.Errorf("send cert request: %w", err)
	}

	resp, err := wire.Decode(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("read cert reply: %w", err)
	}
	if resp.MsgType == wire.ResponseSlurmRC {
		return rcError("client.requestCertificate", resp.Body)
	}
	if resp.MsgType != wire.ResponseCertIssue {
		return fmt.Errorf("unexpected reply type %d", resp.MsgType)
	}
	cert, err := wire.GetCertIssueResponse(resp.Body)
	if err != nil {
		return fmt.Errorf("malformed cert reply: %w", err)
	}

	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := os.WriteFile(certDir+"/node.crt", cert.Certificate, 0600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(certDir+"/node.key", cert.PrivateKey, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(certDir+"/ca.crt", cert.CACert, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}
	return nil
}

// connectWithMTLS establishes a TLS connection authenticated by the
// certificate in certDir.
func connectWithMTLS(addr, certDir string) (net.Conn, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load CLI certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(caCert)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      certPool,
		MinVersion:   tls.VersionTLS13,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial controller: %w", err)
	}
	return conn, nil
}

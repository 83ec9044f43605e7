package main

import (
	"bufio"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/quartzsched/quartz/pkg/security"
	"github.com/quartzsched/quartz/pkg/wire"
)

const bootstrapTimeout = 10 * time.Second

// signingPubFile is where agentd caches the controller's credential
// signing public key delivered with the node certificate, since
// agentd carries no storage.Store of its own to persist it in.
const signingPubFile = "signing.pub"

// bootstrapIdentity ensures nodeID has an mTLS certificate and the
// controller's credential signing public key cached under certDir,
// fetching both from addr with token if either is missing. It returns
// the loaded certificate, CA certificate, and signing public key ready
// for immediate use.
func bootstrapIdentity(addr, token, nodeID, certDir string) (*tls.Certificate, *x509.Certificate, ed25519.PublicKey, error) {
	if !security.CertExists(certDir) || !signingPubExists(certDir) {
		if err := requestNodeCertificate(addr, token, nodeID, certDir); err != nil {
			return nil, nil, nil, fmt.Errorf("request node certificate: %w", err)
		}
	}
	tlsCert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load node certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load ca certificate: %w", err)
	}
	pub, err := os.ReadFile(certDir + "/" + signingPubFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load signing public key: %w", err)
	}
	return tlsCert, caCert, ed25519.PublicKey(pub), nil
}

func signingPubExists(certDir string) bool {
	_, err := os.Stat(certDir + "/" + signingPubFile)
	return err == nil
}

// requestNodeCertificate mirrors pkg/client's CLI cert bootstrap: a
// short TLS leg authenticated by join token rather than a client
// certificate, since the agent has none yet. The controller's identity
// is unverified on this one leg; every later connection verifies it via
// the CA certificate just fetched.
func requestNodeCertificate(addr, token, nodeID, certDir string) error {
	dialer := &net.Dialer{Timeout: bootstrapTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	})
	if err != nil {
		return fmt.Errorf("connect to controller: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(bootstrapTimeout))
	reqBody := wire.PutCertIssueRequest(wire.CertIssueRequest{NodeID: nodeID, Token: token})
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
		rc, decErr := wire.DecodeRC(resp.Body)
		if decErr == nil {
			return fmt.Errorf("controller rejected cert request: %s", rc.Message)
		}
		return fmt.Errorf("controller rejected cert request")
	}
	if resp.MsgType != wire.ResponseCertIssue {
		return fmt.Errorf("unexpected reply type %d", resp.MsgType)
	}
	cert, err := wire.GetCertIssueResponse(resp.Body)
	if err != nil {
		return fmt.Errorf("malformed cert reply: %w", err)
	}

	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}
	if err := os.WriteFile(certDir+"/node.crt", cert.Certificate, 0600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(certDir+"/node.key", cert.PrivateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(certDir+"/ca.crt", cert.CACert, 0644); err != nil {
		return fmt.Errorf("write ca certificate: %w", err)
	}
	if err := os.WriteFile(certDir+"/"+signingPubFile, cert.SigningPublicKey, 0600); err != nil {
		return fmt.Errorf("write signing public key: %w", err)
	}
	return nil
}

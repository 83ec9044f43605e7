package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/security"
	"github.com/quartzsched/quartz/pkg/wire"
)

// registerAndHeartbeat sends an initial registration to the controller,
// then repeats the same message on interval until stop is closed. The
// controller's handleNodeRegistration treats both the first and every
// later delivery identically: create the node if unknown, otherwise
// mark it idle and refresh LastResponse.
func registerAndHeartbeat(controllerAddr, certDir string, reg wire.NodeRegistration, interval time.Duration, stop <-chan struct{}) {
	l := log.WithComponent("agentd.heartbeat")
	send := func() {
		if err := sendRegistration(controllerAddr, certDir, reg); err != nil {
			l.Warn().Err(err).Msg("heartbeat failed")
		}
	}

	send()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			send()
		case <-stop:
			return
		}
	}
}

func sendRegistration(controllerAddr, certDir string, reg wire.NodeRegistration) error {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return fmt.Errorf("load node certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return fmt.Errorf("load ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	dialer := &net.Dialer{Timeout: bootstrapTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", controllerAddr, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(bootstrapTimeout))
	if err := wire.Encode(conn, &wire.Envelope{
		ProtocolVersion: wire.CurrentVersion,
		MsgType:         wire.RequestNodeRegistrationStatus,
		Body:            wire.PutNodeRegistration(reg),
	}); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}
	resp, err := wire.Decode(conn)
	if err != nil {
		return fmt.Errorf("read registration reply: %w", err)
	}
	rc, err := wire.DecodeRC(resp.Body)
	if err != nil {
		return fmt.Errorf("malformed registration reply: %w", err)
	}
	if rc.ReturnCode != 0 {
		return fmt.Errorf("controller rejected registration: %s", rc.Message)
	}
	return nil
}

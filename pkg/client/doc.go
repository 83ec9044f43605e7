/*
Package client is a small wire-protocol RPC client for talking to
cmd/ctld.

# Architecture

	┌──────────────── cmd/scancel ────────────────┐
	│  client.NewClient("ctld:7002")                │
	│  client.CancelJob(filter, signal)             │
	└──────────────────┬────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ───────────┐
	│  Client{conn net.Conn, r *bufio.Reader}        │
	│  - call(): wire.Encode request, wire.Decode   │
	│    reply, wire.CheckVersion                   │
	│  - rcError(): RESPONSE_SLURM_RC -> *errs.Error │
	└──────────────────┬────────────────────────────┘
	                   │ TLS (mTLS once provisioned)
	                   ▼
	              cmd/ctld's RPC listener

# Certificate bootstrap

NewClient expects a certificate already saved under
security.GetCLICertDir() (node.crt/node.key/ca.crt). NewClientWithToken
bootstraps one: it opens a TLS connection without verifying the
server's certificate, sends a
REQUEST_CERT_ISSUE envelope carrying a join token in place of mTLS, and
saves the PEM-encoded certificate, key, and CA cert it gets back before
reconnecting with mTLS for everything else.

# Usage

	c, err := client.NewClient("ctld.cluster.internal:7002")
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	jobs, err := c.QueryJobs(wire.JobFilter{User: "alice", Partition: "gpu"})
	if err != nil {
		log.Fatal(err)
	}
	for _, j := range jobs {
		fmt.Printf("%d %s %s\n", j.JobID, j.Name, j.State)
	}

	err = c.CancelJob(wire.JobFilter{JobIDs: []uint64{jobs[0].JobID}}, 0)

# Error handling

rcError reconstructs a *errs.Error from the numeric RESPONSE_SLURM_RC
code via errs.KindFromWireCode, so callers can branch with errs.Is/
errs.KindOf exactly as server-side code does.

# See Also

  - pkg/wire for the envelope and payload encodings
  - pkg/security for certificate storage and mTLS setup
  - cmd/scancel for the primary consumer
*/
package client

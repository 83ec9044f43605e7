package client

import (
	"bufio"
	"net"
	"testing"

	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/wire"
	"github.com/stretchr/testify/require"
)

// serverPipe wires a Client directly to one end of an in-memory
// connection so tests can exercise the wire framing without a real
// TLS listener or certificate fixtures.
func serverPipe(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	c := &Client{conn: clientSide, r: bufio.NewReader(clientSide)}
	t.Cleanup(func() { clientSide.Close(); serverSide.Close() })
	return c, serverSide
}

func serve(t *testing.T, srv net.Conn, reply *wire.Envelope) {
	t.Helper()
	go func() {
		req, err := wire.Decode(bufio.NewReader(srv))
		if err != nil {
			return
		}
		_ = req
		wire.Encode(srv, reply)
	}()
}

func TestPingRoundTrip(t *testing.T) {
	c, srv := serverPipe(t)
	serve(t, srv, &wire.Envelope{ProtocolVersion: wire.CurrentVersion, MsgType: wire.ResponsePong})

	require.NoError(t, c.Ping())
}

func TestPingUnexpectedReply(t *testing.T) {
	c, srv := serverPipe(t)
	serve(t, srv, &wire.Envelope{ProtocolVersion: wire.CurrentVersion, MsgType: wire.ResponseJobInfo})

	require.Error(t, c.Ping())
}

func TestCancelJobSuccess(t *testing.T) {
	c, srv := serverPipe(t)
	serve(t, srv, &wire.Envelope{
		ProtocolVersion: wire.CurrentVersion,
		MsgType:         wire.ResponseSlurmRC,
		Body:            wire.EncodeRC(wire.RCBody{ReturnCode: 0}),
	})

	err := c.CancelJob(wire.JobFilter{JobIDs: []uint64{42}}, 0)
	require.NoError(t, err)
}

func TestCancelJobFailureMapsErrKind(t *testing.T) {
	c, srv := serverPipe(t)
	serve(t, srv, &wire.Envelope{
		ProtocolVersion: wire.CurrentVersion,
		MsgType:         wire.ResponseSlurmRC,
		Body:            wire.EncodeRC(wire.RCBody{ReturnCode: 2, Message: "job not found"}),
	})

	err := c.CancelJob(wire.JobFilter{JobIDs: []uint64{999}}, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "job not found")
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestQueryJobsReturnsList(t *testing.T) {
	c, srv := serverPipe(t)
	jobs := []wire.JobSummary{
		{JobID: 1, Name: "train", Partition: "gpu", State: "RUNNING", User: "alice"},
		{JobID: 2, Name: "eval", Partition: "cpu", State: "PENDING", User: "bob"},
	}
	serve(t, srv, &wire.Envelope{
		ProtocolVersion: wire.CurrentVersion,
		MsgType:         wire.ResponseJobList,
		Body:            wire.PutJobList(jobs),
	})

	got, err := c.QueryJobs(wire.JobFilter{Partition: "gpu"})
	require.NoError(t, err)
	require.Equal(t, jobs, got)
}

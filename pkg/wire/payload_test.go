package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint32RoundTrip(t *testing.T) {
	buf := PutUint32(nil, 0xdeadbeef)
	got, rest, err := GetUint32(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), got)
	require.Empty(t, rest)
}

func TestUint64RoundTrip(t *testing.T) {
	buf := PutUint64(nil, 0x0102030405060708)
	got, rest, err := GetUint64(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), got)
	require.Empty(t, rest)
}

func TestJobFilterRoundTrip(t *testing.T) {
	f := JobFilter{
		JobIDs:      []uint64{1, 2, 3},
		Account:     "acct1",
		Name:        "train",
		Partition:   "gpu",
		QoS:         "standby",
		Reservation: "maint",
		User:        "alice",
		NodeList:    "node[1-3]",
		States:      []string{"RUNNING", "PENDING"},
		BatchOnly:   true,
		Full:        false,
		Hurry:       true,
	}
	buf := PutJobFilter(nil, f)
	got, rest, err := GetJobFilter(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, f, got)
}

func TestJobFilterRoundTripEmpty(t *testing.T) {
	var f JobFilter
	buf := PutJobFilter(nil, f)
	got, rest, err := GetJobFilter(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, f, got)
}

func TestCancelJobBodyRoundTrip(t *testing.T) {
	b := CancelJobBody{
		Filter: JobFilter{JobIDs: []uint64{42}},
		Signal: 9,
	}
	got, err := GetCancelJob(PutCancelJob(b))
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestJobListRoundTrip(t *testing.T) {
	jobs := []JobSummary{
		{JobID: 1, Name: "train", Partition: "gpu", State: "RUNNING", User: "alice"},
		{JobID: 2, Name: "eval", Partition: "cpu", State: "PENDING", User: "bob"},
	}
	got, err := GetJobList(PutJobList(jobs))
	require.NoError(t, err)
	require.Equal(t, jobs, got)
}

func TestJobListRoundTripEmpty(t *testing.T) {
	got, err := GetJobList(PutJobList(nil))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCertIssueRequestRoundTrip(t *testing.T) {
	r := CertIssueRequest{NodeID: "cli", Token: "worker-join-xyz"}
	got, err := GetCertIssueRequest(PutCertIssueRequest(r))
	require.NoError(t, err)
	require.Equal(t, r, got)
}

func TestCertIssueResponseRoundTrip(t *testing.T) {
	r := CertIssueResponse{
		Certificate: []byte("cert-bytes"),
		PrivateKey:  []byte("key-bytes"),
		CACert:      []byte("ca-bytes"),
	}
	got, err := GetCertIssueResponse(PutCertIssueResponse(r))
	require.NoError(t, err)
	require.Equal(t, r, got)
}

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasDefaultOptTrueWithNoFilters(t *testing.T) {
	o := &options{}
	require.True(t, o.hasDefaultOpt())
}

func TestHasDefaultOptFalseWithAnyFilter(t *testing.T) {
	cases := []func(*options){
		func(o *options) { o.Account = "sci" },
		func(o *options) { o.BatchOnly = true },
		func(o *options) { o.Interactive = true },
		func(o *options) { o.Name = "train" },
		func(o *options) { o.Partition = "gpu" },
		func(o *options) { o.QoS = "standby" },
		func(o *options) { o.Reservation = "maint" },
		func(o *options) { o.Signal = "9" },
		func(o *options) { o.States = "RUNNING" },
		func(o *options) { o.User = "alice" },
		func(o *options) { o.NodeList = "node01" },
		func(o *options) { o.WCKey = "grant42" },
		func(o *options) { o.Me = true },
	}
	for i, mutate := range cases {
		o := &options{}
		mutate(o)
		require.False(t, o.hasDefaultOpt(), "case %d", i)
	}
}

func TestHasDefaultOptIgnoresFull(t *testing.T) {
	o := &options{Full: true, Quiet: true}
	require.True(t, o.hasDefaultOpt())
}

func TestParseJobIDSpecSimple(t *testing.T) {
	s, err := parseJobIDSpec("123")
	require.NoError(t, err)
	require.Equal(t, uint64(123), s.JobID)
	require.Empty(t, s.ArrayTask)
	require.Empty(t, s.Step)
	require.Equal(t, -1, s.HetComp)
}

func TestParseJobIDSpecArrayTask(t *testing.T) {
	s, err := parseJobIDSpec("123_5")
	require.NoError(t, err)
	require.Equal(t, uint64(123), s.JobID)
	require.Equal(t, "5", s.ArrayTask)
}

func TestParseJobIDSpecArrayAll(t *testing.T) {
	s, err := parseJobIDSpec("123_*")
	require.NoError(t, err)
	require.Equal(t, uint64(123), s.JobID)
	require.Equal(t, "*", s.ArrayTask)
}

func TestParseJobIDSpecArrayRange(t *testing.T) {
	s, err := parseJobIDSpec("123_[1-10:2]")
	require.NoError(t, err)
	require.Equal(t, uint64(123), s.JobID)
	require.Equal(t, "[1-10:2]", s.ArrayTask)
}

func TestParseJobIDSpecHetComponent(t *testing.T) {
	s, err := parseJobIDSpec("123+1")
	require.NoError(t, err)
	require.Equal(t, uint64(123), s.JobID)
	require.Equal(t, 1, s.HetComp)
}

func TestParseJobIDSpecStep(t *testing.T) {
	s, err := parseJobIDSpec("123.0")
	require.NoError(t, err)
	require.Equal(t, uint64(123), s.JobID)
	require.Equal(t, "0", s.Step)
}

func TestParseJobIDSpecBatchStep(t *testing.T) {
	s, err := parseJobIDSpec("123.batch")
	require.NoError(t, err)
	require.Equal(t, uint64(123), s.JobID)
	require.Equal(t, "batch", s.Step)
}

func TestParseJobIDSpecInvalid(t *testing.T) {
	_, err := parseJobIDSpec("not-a-job-id")
	require.Error(t, err)
}

func TestParseSignalDefault(t *testing.T) {
	sig, err := parseSignal("")
	require.NoError(t, err)
	require.Equal(t, int32(0), sig)
}

func TestParseSignalNumeric(t *testing.T) {
	sig, err := parseSignal("9")
	require.NoError(t, err)
	require.Equal(t, int32(9), sig)
}

func TestParseSignalName(t *testing.T) {
	sig, err := parseSignal("SIGKILL")
	require.NoError(t, err)
	require.Equal(t, int32(9), sig)

	sig, err = parseSignal("term")
	require.NoError(t, err)
	require.Equal(t, int32(15), sig)
}

func TestParseSignalUnknown(t *testing.T) {
	_, err := parseSignal("BOGUS")
	require.Error(t, err)
}

func TestBuildFilterCollectsJobIDs(t *testing.T) {
	o := &options{Partition: "gpu", States: "running,pending"}
	specs := []jobIDSpec{{JobID: 1}, {JobID: 2}}
	f := buildFilter(o, specs)
	require.Equal(t, []uint64{1, 2}, f.JobIDs)
	require.Equal(t, "gpu", f.Partition)
	require.Equal(t, []string{"RUNNING", "PENDING"}, f.States)
}

func TestBuildFilterMeOverridesUser(t *testing.T) {
	o := &options{User: "bob", Me: true}
	f := buildFilter(o, nil)
	require.Equal(t, currentUsername(), f.User)
}

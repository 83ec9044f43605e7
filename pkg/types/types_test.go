package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStateIsTerminal(t *testing.T) {
	require.True(t, JobStateCompleted.IsTerminal())
	require.True(t, JobStateCancelled.IsTerminal())
	require.False(t, JobStatePending.IsTerminal())
	require.False(t, JobStateRunning.IsTerminal())
}

func TestNodeFlagHas(t *testing.T) {
	flags := NodeFlagCloud | NodeFlagNoRespond
	require.True(t, flags.Has(NodeFlagCloud))
	require.True(t, flags.Has(NodeFlagNoRespond))
	require.False(t, flags.Has(NodeFlagDrain))
}

func TestJobFlagHas(t *testing.T) {
	flags := JobFlagSignaling | JobFlagRequeue
	require.True(t, flags.Has(JobFlagSignaling))
	require.False(t, flags.Has(JobFlagResizing))
}

func TestStepSentinels(t *testing.T) {
	require.NotEqual(t, StepBatchScript, StepInteractive)
	require.NotEqual(t, StepInteractive, StepExtern)
	require.True(t, StepBatchScript < 0)
}

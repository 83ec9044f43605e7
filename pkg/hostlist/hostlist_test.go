package hostlist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScenarioS2_ExpandBasic(t *testing.T) {
	got, err := Expand("node[1-3,5,7-9]")
	require.NoError(t, err)
	require.Equal(t, []string{
		"node1", "node2", "node3", "node5", "node7", "node8", "node9",
	}, got)
}

func TestExpandZeroPadded(t *testing.T) {
	got, err := Expand("gpu[01-03]")
	require.NoError(t, err)
	require.Equal(t, []string{"gpu01", "gpu02", "gpu03"}, got)
}

func TestExpandPlainAndMixed(t *testing.T) {
	got, err := Expand("head,node[1-2],tail")
	require.NoError(t, err)
	require.Equal(t, []string{"head", "node1", "node2", "tail"}, got)
}

func TestExpandMultipleBracketedGroups(t *testing.T) {
	got, err := Expand("node[1-2],gpu[01-02]")
	require.NoError(t, err)
	require.Equal(t, []string{"node1", "node2", "gpu01", "gpu02"}, got)
}

func TestExpandMalformed(t *testing.T) {
	_, err := Expand("node[1-2")
	require.Error(t, err)

	_, err = Expand("node1-2]")
	require.Error(t, err)

	_, err = Expand("node[5-2]")
	require.Error(t, err)
}

func TestCompressRoundTrip(t *testing.T) {
	names := []string{"node1", "node2", "node3", "node5", "node7", "node8", "node9"}
	compressed := Compress(names)
	require.Equal(t, "node[1-3,5,7-9]", compressed)

	expanded, err := Expand(compressed)
	require.NoError(t, err)
	require.Equal(t, names, expanded)
}

func TestCompressZeroPadded(t *testing.T) {
	names := []string{"gpu01", "gpu02", "gpu03"}
	require.Equal(t, "gpu[01-03]", Compress(names))
}

func TestCompressMixedGroups(t *testing.T) {
	names := []string{"node1", "node2", "gpu01", "gpu02"}
	compressed := Compress(names)
	expanded, err := Expand(compressed)
	require.NoError(t, err)
	require.Equal(t, names, expanded)
}

func TestCompressLiteralNoNumber(t *testing.T) {
	names := []string{"headnode", "loginnode"}
	require.Equal(t, "headnode,loginnode", Compress(names))
}

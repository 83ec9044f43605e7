package statefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job_state")

	records := [][]byte{
		[]byte(`{"id":1,"state":"RUNNING"}`),
		[]byte(`{"id":2,"state":"PENDING"}`),
	}
	require.NoError(t, Write(path, FamilyJob, records))

	snap, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, FamilyJob, snap.Family)
	require.Equal(t, CurrentVersion, snap.Version)
	require.False(t, snap.Timestamp.IsZero())
	require.Equal(t, records, snap.Records)
}

func TestReadUnrecognizedTag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bogus_state")
	require.NoError(t, Write(path, FamilyNode, nil))

	// Corrupt the tag in place.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] = 'X'
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = Read(path)
	require.Error(t, err)
}

func TestUpgradeAppliesRegisteredSteps(t *testing.T) {
	RegisterUpgrader(FamilyReservation, 0, func(records [][]byte) ([][]byte, error) {
		upgraded := make([][]byte, len(records))
		for i, r := range records {
			upgraded[i] = append(append([]byte{}, r...), []byte(",\"migrated\":true}")...)
		}
		return upgraded, nil
	})

	snap := &Snapshot{Family: FamilyReservation, Version: 0, Records: [][]byte{[]byte(`{"id":1`)}}
	got, err := Upgrade(snap)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, got.Version)
	require.Equal(t, `{"id":1,"migrated":true}`, string(got.Records[0]))
}

func TestUpgradeNoOpAtCurrentVersion(t *testing.T) {
	snap := &Snapshot{Family: FamilyJob, Version: CurrentVersion, Records: [][]byte{[]byte("x")}}
	got, err := Upgrade(snap)
	require.NoError(t, err)
	require.Same(t, snap, got)
}

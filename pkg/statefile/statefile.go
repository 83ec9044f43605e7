// Package statefile implements the on-disk snapshot format the
// controller uses for each persisted entity family (job_state,
// node_state, part_state, resv_state, assoc_mgr_state,
// priority_last_decay_ran, fed_mgr_state). This exists alongside the
// BoltDB-backed pkg/storage rather than replacing it: storage is the
// live, Raft-replicated source of truth, while statefile snapshots are
// the portable, version-tagged dump a new controller reads once at
// startup and cmd/statetool can upgrade offline.
//
// Each file starts with an 8-byte format tag, a 2-byte protocol
// version, an 8-byte Unix timestamp, and a sequence of records. Every
// record is a big-endian u32 length prefix followed by a JSON-encoded
// body, matching the length-prefixing convention pkg/wire uses on the
// network.
package statefile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// Family identifies which entity family a snapshot file holds.
type Family string

const (
	FamilyJob           Family = "job_state"
	FamilyNode          Family = "node_state"
	FamilyPartition     Family = "part_state"
	FamilyReservation   Family = "resv_state"
	FamilyAssociation   Family = "assoc_mgr_state"
	FamilyPriorityDecay Family = "priority_last_decay_ran"
	FamilyFederation    Family = "fed_mgr_state"
)

// formatTags maps each family to its fixed 8-byte on-disk tag. Padded
// with trailing zero bytes when the name is shorter than 8 characters.
var formatTags = map[Family][8]byte{
	FamilyJob:           tag("QZJOBST1"),
	FamilyNode:          tag("QZNODEST"),
	FamilyPartition:     tag("QZPARTST"),
	FamilyReservation:   tag("QZRESVST"),
	FamilyAssociation:   tag("QZASSOST"),
	FamilyPriorityDecay: tag("QZPRIODC"),
	FamilyFederation:    tag("QZFEDMST"),
}

func tag(s string) [8]byte {
	var out [8]byte
	copy(out[:], s)
	return out
}

// CurrentVersion is the protocol version this build writes. Readers
// accept older versions on a best-effort basis per the statefile
// compatibility policy (distinct from the wire envelope's hard-fail
// policy: a stale snapshot merely means fewer fields were captured,
// not a misread word size).
const CurrentVersion uint16 = 1

// Snapshot is one decoded statefile: its family, the protocol version
// it was written with, the time it was written, and its raw records.
type Snapshot struct {
	Family    Family
	Version   uint16
	Timestamp time.Time
	Records   [][]byte
}

// Write serializes a Snapshot to path, overwriting any existing file.
// The written timestamp is always time.Now().
func Write(path string, family Family, records [][]byte) error {
	tagBytes, ok := formatTags[family]
	if !ok {
		return fmt.Errorf("statefile: unknown family %q", family)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("statefile: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(tagBytes[:]); err != nil {
		return fmt.Errorf("statefile: write format tag: %w", err)
	}

	var versionBuf [2]byte
	binary.BigEndian.PutUint16(versionBuf[:], CurrentVersion)
	if _, err := w.Write(versionBuf[:]); err != nil {
		return fmt.Errorf("statefile: write version: %w", err)
	}

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(time.Now().Unix()))
	if _, err := w.Write(tsBuf[:]); err != nil {
		return fmt.Errorf("statefile: write timestamp: %w", err)
	}

	for _, rec := range records {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("statefile: write record length: %w", err)
		}
		if _, err := w.Write(rec); err != nil {
			return fmt.Errorf("statefile: write record body: %w", err)
		}
	}

	return w.Flush()
}

// Read parses a snapshot file. It does not itself upgrade old
// versions; callers that need the latest schema should pass the
// result through Upgrade.
func Read(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("statefile: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var tagBuf [8]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return nil, fmt.Errorf("statefile: read format tag: %w", err)
	}
	family, err := familyForTag(tagBuf)
	if err != nil {
		return nil, err
	}

	var versionBuf [2]byte
	if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
		return nil, fmt.Errorf("statefile: read version: %w", err)
	}
	version := binary.BigEndian.Uint16(versionBuf[:])

	var tsBuf [8]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return nil, fmt.Errorf("statefile: read timestamp: %w", err)
	}
	ts := time.Unix(int64(binary.BigEndian.Uint64(tsBuf[:])), 0).UTC()

	var records [][]byte
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("statefile: read record length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		rec := make([]byte, n)
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, fmt.Errorf("statefile: read record body: %w", err)
		}
		records = append(records, rec)
	}

	return &Snapshot{Family: family, Version: version, Timestamp: ts, Records: records}, nil
}

func familyForTag(tagBuf [8]byte) (Family, error) {
	for fam, t := range formatTags {
		if t == tagBuf {
			return fam, nil
		}
	}
	return "", fmt.Errorf("statefile: unrecognized format tag %q", tagBuf[:])
}

// Upgrader transforms a snapshot's raw records from one protocol
// version to the next. Each registered upgrader handles exactly one
// step (fromVersion -> fromVersion+1); Upgrade chains them.
type Upgrader func(records [][]byte) ([][]byte, error)

var upgraders = map[Family]map[uint16]Upgrader{}

// RegisterUpgrader installs the step that upgrades family's records
// from fromVersion to fromVersion+1. cmd/statetool and any future
// schema change call this during init to extend the chain.
func RegisterUpgrader(family Family, fromVersion uint16, fn Upgrader) {
	if upgraders[family] == nil {
		upgraders[family] = make(map[uint16]Upgrader)
	}
	upgraders[family][fromVersion] = fn
}

// Upgrade best-effort-upgrades snap to CurrentVersion, applying
// registered upgraders one step at a time. A version with no
// registered step is left as-is: per the statefile compatibility
// policy, an unreadable older record is dropped by the record decoder
// itself (it simply won't parse into the newer struct), not a hard
// failure of the whole file.
func Upgrade(snap *Snapshot) (*Snapshot, error) {
	if snap.Version >= CurrentVersion {
		return snap, nil
	}
	records := snap.Records
	version := snap.Version
	for version < CurrentVersion {
		step, ok := upgraders[snap.Family][version]
		if !ok {
			break
		}
		upgraded, err := step(records)
		if err != nil {
			return nil, fmt.Errorf("statefile: upgrade %s from v%d: %w", snap.Family, version, err)
		}
		records = upgraded
		version++
	}
	return &Snapshot{Family: snap.Family, Version: version, Timestamp: snap.Timestamp, Records: records}, nil
}

/*
Package storage provides BoltDB-backed state persistence for the
controller's cluster data: nodes, partitions, the association tree,
quality-of-service records, jobs, and steps.

# Architecture

BoltDB (bbolt) gives embedded, transactional storage with no external
dependencies:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│  BoltStore                                                │
	│   - File: <dataDir>/quartz.db                             │
	│   - Format: B+tree with MVCC                              │
	│   - Transactions: ACID, fsync on commit                   │
	│                                                            │
	│  Buckets                                                  │
	│   nodes          (keyed by node name)                     │
	│   partitions     (keyed by partition name)                │
	│   associations   (keyed by zero-padded association id)    │
	│   qos            (keyed by zero-padded qos id)             │
	│   jobs           (keyed by zero-padded job id)             │
	│   steps          (keyed by "<job id>:<step id>")           │
	│   signing_key    (single entry, controller Ed25519 key)   │
	└────────────────────────────────────────────────────────┘

All records are JSON-encoded; embedded *bitmap.Bitmap fields round-trip
through their own MarshalJSON/UnmarshalJSON (range-string form), since
Bitmap's fields are unexported.

# Core Components

BoltStore implements the Store interface. One database file per
controller replica; each replica's FSM (pkg/controller) applies
committed Raft log entries against its own local store, so the
BoltDB file itself is never replicated directly — Raft snapshot/restore
is.

# CRUD Operations

Every entity follows the same shape: Create/Update both upsert via
db.Update, Get does a direct key lookup via db.View, List does a full
bucket ForEach scan (or, for steps, a prefix-seek cursor scan keyed by
job id so all of a job's steps can be listed without a full scan), and
Delete is idempotent.

# Usage

	store, err := storage.NewBoltStore("/var/lib/quartzd")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	node := &types.Node{Name: "node01", State: types.NodeStateIdle}
	err = store.CreateNode(node)

	job := &types.Job{ID: sluidID, State: types.JobStatePending}
	err = store.CreateJob(job)

	steps, err := store.ListStepsForJob(job.ID)

# Integration Points

  - pkg/controller: Raft FSM applies committed commands against a Store
  - pkg/resource: seeds the in-memory node/partition table from Store at startup
  - pkg/assoc: seeds the association tree from Store at startup
  - pkg/credential: persists/loads the controller's Ed25519 signing key

# Design Patterns

Upsert pattern (Create and Update share one db.Put-based method),
idempotent deletes, prefix-seek cursor scans for one-to-many lookups
(steps by job), and errs.Kind-typed not-found errors instead of raw
fmt.Errorf so callers can branch without string matching.
*/
package storage

package controller

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/log"
	"github.com/quartzsched/quartz/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Config configures a new Controller.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Controller is one replica of the Raft-replicated controller: the FSM,
// its Store, and the Raft instance driving them. Only the Raft leader
// accepts Apply calls that mutate state; followers redirect via
// LeaderAddr.
type Controller struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store storage.Store
	locks *LockManager
	log   zerolog.Logger
}

// New constructs a Controller backed by a fresh or existing BoltDB
// store under cfg.DataDir. Call Bootstrap or Join next to start Raft.
func New(cfg Config) (*Controller, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errs.Wrap(errs.InternalError, "controller.New", "failed to create data directory", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "controller.New", "failed to open store", err)
	}

	return &Controller{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
		locks:    NewLockManager(),
		log:      log.WithComponent("controller"),
	}, nil
}

// raftConfig builds the shared tuning applied by both Bootstrap and
// Join: faster heartbeat/election timeouts than hashicorp/raft's WAN
// defaults, since this runs on a single LAN/datacenter fabric.
func (c *Controller) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(c.nodeID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (c *Controller) newRaft() (*raft.Raft, raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, "", errs.Wrap(errs.ConfigurationError, "controller.newRaft", "failed to resolve bind address", err)
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", errs.Wrap(errs.InternalError, "controller.newRaft", "failed to create transport", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", errs.Wrap(errs.InternalError, "controller.newRaft", "failed to create snapshot store", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, "", errs.Wrap(errs.InternalError, "controller.newRaft", "failed to create log store", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, "", errs.Wrap(errs.InternalError, "controller.newRaft", "failed to create stable store", err)
	}

	r, err := raft.NewRaft(c.raftConfig(), c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", errs.Wrap(errs.InternalError, "controller.newRaft", "failed to create raft", err)
	}
	return r, transport.LocalAddr(), nil
}

// Bootstrap starts a brand new single-node Raft cluster with this
// controller as its only member.
func (c *Controller) Bootstrap() error {
	r, localAddr, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(c.nodeID), Address: localAddr}},
	}
	if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
		return errs.Wrap(errs.InternalError, "controller.Bootstrap", "failed to bootstrap cluster", err)
	}
	return nil
}

// Join starts Raft without bootstrapping a cluster; it does not contact
// the leader. The leader must call AddVoter for this node's ID/address.
func (c *Controller) Join() error {
	r, _, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r
	return nil
}

// AddVoter adds a new controller replica to the Raft configuration.
// Only the leader may do this.
func (c *Controller) AddVoter(nodeID, address string) error {
	if c.raft == nil {
		return errs.New(errs.ConfigurationError, "controller.AddVoter", "raft not initialized")
	}
	if !c.IsLeader() {
		return errs.New(errs.AccessDenied, "controller.AddVoter", fmt.Sprintf("not the leader, current leader: %s", c.LeaderAddr()))
	}
	if err := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return errs.Wrap(errs.TemporaryFailure, "controller.AddVoter", "failed to add voter", err)
	}
	return nil
}

// RemoveServer removes a replica from the Raft configuration.
func (c *Controller) RemoveServer(nodeID string) error {
	if c.raft == nil {
		return errs.New(errs.ConfigurationError, "controller.RemoveServer", "raft not initialized")
	}
	if !c.IsLeader() {
		return errs.New(errs.AccessDenied, "controller.RemoveServer", "not the leader")
	}
	if err := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return errs.Wrap(errs.TemporaryFailure, "controller.RemoveServer", "failed to remove server", err)
	}
	return nil
}

// IsLeader reports whether this replica currently holds Raft
// leadership.
func (c *Controller) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderAddr returns the current Raft leader's transport address.
func (c *Controller) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// Stats returns a snapshot of Raft's internal counters for /metrics.
func (c *Controller) Stats() map[string]interface{} {
	if c.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":          c.raft.State().String(),
		"last_log_index": c.raft.LastIndex(),
		"applied_index":  c.raft.AppliedIndex(),
		"leader":         string(c.raft.Leader()),
	}
	if cfg := c.raft.GetConfiguration(); cfg.Error() == nil {
		stats["peers"] = uint64(len(cfg.Configuration().Servers))
	}
	return stats
}

// Apply submits cmd to the Raft log and blocks until committed. Only
// the leader should call Apply directly; followers forward via the
// wire RPC layer to LeaderAddr().
func (c *Controller) Apply(cmd Command) error {
	if c.raft == nil {
		return errs.New(errs.ConfigurationError, "controller.Apply", "raft not initialized")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return errs.Wrap(errs.InternalError, "controller.Apply", "failed to marshal command", err)
	}
	future := c.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return errs.Wrap(errs.TemporaryFailure, "controller.Apply", "failed to apply command", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// Store exposes the underlying Store for read-heavy components
// (scheduler, reconciler) that don't need to go through Raft.
func (c *Controller) Store() storage.Store {
	return c.store
}

// Locks exposes the lock manager so handlers can declare their
// required locks up front.
func (c *Controller) Locks() *LockManager {
	return c.locks
}

// Shutdown stops Raft and closes the store.
func (c *Controller) Shutdown() error {
	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			c.log.Error().Err(err).Msg("raft shutdown returned error")
		}
	}
	return c.store.Close()
}

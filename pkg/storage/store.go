package storage

import (
	"github.com/quartzsched/quartz/pkg/types"
)

// Store defines the interface for cluster state persistence: nodes,
// partitions, the association tree, quality-of-service records, jobs,
// and steps. Implemented by BoltDB-backed storage.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(name string) error

	// Partitions
	CreatePartition(p *types.Partition) error
	GetPartition(name string) (*types.Partition, error)
	ListPartitions() ([]*types.Partition, error)
	UpdatePartition(p *types.Partition) error
	DeletePartition(name string) error

	// Associations
	CreateAssociation(a *types.Association) error
	GetAssociation(id uint32) (*types.Association, error)
	ListAssociations() ([]*types.Association, error)
	UpdateAssociation(a *types.Association) error
	DeleteAssociation(id uint32) error

	// Quality of service
	CreateQoS(q *types.QoS) error
	GetQoS(id uint32) (*types.QoS, error)
	ListQoS() ([]*types.QoS, error)
	DeleteQoS(id uint32) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id types.JobID) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id types.JobID) error

	// Steps
	CreateStep(step *types.Step) error
	GetStep(jobID types.JobID, stepID types.StepID) (*types.Step, error)
	ListStepsForJob(jobID types.JobID) ([]*types.Step, error)
	UpdateStep(step *types.Step) error
	DeleteStep(jobID types.JobID, stepID types.StepID) error

	// Signing key material for pkg/credential's controller keypair.
	SaveSigningKey(data []byte) error
	GetSigningKey() ([]byte, error)

	// Cluster certificate authority, for pkg/security.CertAuthority.
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	// Utility
	Close() error
}

package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/quartzsched/quartz/pkg/errs"
	"github.com/quartzsched/quartz/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes        = []byte("nodes")
	bucketPartitions   = []byte("partitions")
	bucketAssociations = []byte("associations")
	bucketQoS          = []byte("qos")
	bucketJobs         = []byte("jobs")
	bucketSteps        = []byte("steps")
	bucketSigningKey   = []byte("signing_key")
	bucketCA           = []byte("cluster_ca")
)

const signingKeyKey = "controller"
const caKey = "root"

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB file under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "quartz.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "storage.NewBoltStore", "failed to open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes, bucketPartitions, bucketAssociations,
			bucketQoS, bucketJobs, bucketSteps, bucketSigningKey, bucketCA,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.InternalError, "storage.NewBoltStore", "failed to initialize buckets", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Nodes

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.Name), data)
	})
}

func (s *BoltStore) GetNode(name string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(name))
		if data == nil {
			return errs.New(errs.NotFound, "storage.GetNode", fmt.Sprintf("node not found: %s", name))
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.CreateNode(node)
}

func (s *BoltStore) DeleteNode(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(name))
	})
}

// Partitions

func (s *BoltStore) CreatePartition(p *types.Partition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPartitions).Put([]byte(p.Name), data)
	})
}

func (s *BoltStore) GetPartition(name string) (*types.Partition, error) {
	var p types.Partition
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPartitions).Get([]byte(name))
		if data == nil {
			return errs.New(errs.NotFound, "storage.GetPartition", fmt.Sprintf("partition not found: %s", name))
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPartitions() ([]*types.Partition, error) {
	var out []*types.Partition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).ForEach(func(k, v []byte) error {
			var p types.Partition
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdatePartition(p *types.Partition) error {
	return s.CreatePartition(p)
}

func (s *BoltStore) DeletePartition(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).Delete([]byte(name))
	})
}

// Associations

func assocKey(id uint32) []byte {
	return []byte(fmt.Sprintf("%010d", id))
}

func (s *BoltStore) CreateAssociation(a *types.Association) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAssociations).Put(assocKey(a.ID), data)
	})
}

func (s *BoltStore) GetAssociation(id uint32) (*types.Association, error) {
	var a types.Association
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAssociations).Get(assocKey(id))
		if data == nil {
			return errs.New(errs.NotFound, "storage.GetAssociation", fmt.Sprintf("association not found: %d", id))
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAssociations() ([]*types.Association, error) {
	var out []*types.Association
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssociations).ForEach(func(k, v []byte) error {
			var a types.Association
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateAssociation(a *types.Association) error {
	return s.CreateAssociation(a)
}

func (s *BoltStore) DeleteAssociation(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssociations).Delete(assocKey(id))
	})
}

// Quality of service

func qosKey(id uint32) []byte {
	return []byte(fmt.Sprintf("%010d", id))
}

func (s *BoltStore) CreateQoS(q *types.QoS) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQoS).Put(qosKey(q.ID), data)
	})
}

func (s *BoltStore) GetQoS(id uint32) (*types.QoS, error) {
	var q types.QoS
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQoS).Get(qosKey(id))
		if data == nil {
			return errs.New(errs.NotFound, "storage.GetQoS", fmt.Sprintf("qos not found: %d", id))
		}
		return json.Unmarshal(data, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *BoltStore) ListQoS() ([]*types.QoS, error) {
	var out []*types.QoS
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQoS).ForEach(func(k, v []byte) error {
			var q types.QoS
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			out = append(out, &q)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteQoS(id uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQoS).Delete(qosKey(id))
	})
}

// Jobs

func jobKey(id types.JobID) []byte {
	return []byte(fmt.Sprintf("%020d", uint64(id)))
}

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put(jobKey(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id types.JobID) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(jobKey(id))
		if data == nil {
			return errs.New(errs.NotFound, "storage.GetJob", fmt.Sprintf("job not found: %d", id))
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var out []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			out = append(out, &job)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job)
}

func (s *BoltStore) DeleteJob(id types.JobID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(jobKey(id))
	})
}

// Steps

func stepKey(jobID types.JobID, stepID types.StepID) []byte {
	return []byte(fmt.Sprintf("%020d:%d", uint64(jobID), int32(stepID)))
}

func (s *BoltStore) CreateStep(step *types.Step) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(step)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSteps).Put(stepKey(step.JobID, step.StepID), data)
	})
}

func (s *BoltStore) GetStep(jobID types.JobID, stepID types.StepID) (*types.Step, error) {
	var step types.Step
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSteps).Get(stepKey(jobID, stepID))
		if data == nil {
			return errs.New(errs.NotFound, "storage.GetStep", fmt.Sprintf("step not found: %d.%d", jobID, stepID))
		}
		return json.Unmarshal(data, &step)
	})
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *BoltStore) ListStepsForJob(jobID types.JobID) ([]*types.Step, error) {
	prefix := []byte(fmt.Sprintf("%020d:", uint64(jobID)))
	var out []*types.Step
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSteps).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var step types.Step
			if err := json.Unmarshal(v, &step); err != nil {
				return err
			}
			out = append(out, &step)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) UpdateStep(step *types.Step) error {
	return s.CreateStep(step)
}

func (s *BoltStore) DeleteStep(jobID types.JobID, stepID types.StepID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSteps).Delete(stepKey(jobID, stepID))
	})
}

// Signing key

func (s *BoltStore) SaveSigningKey(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSigningKey).Put([]byte(signingKeyKey), data)
	})
}

func (s *BoltStore) GetSigningKey() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSigningKey).Get([]byte(signingKeyKey))
		if v == nil {
			return errs.New(errs.NotFound, "storage.GetSigningKey", "no signing key stored")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Cluster CA

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte(caKey), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get([]byte(caKey))
		if v == nil {
			return errs.New(errs.NotFound, "storage.GetCA", "no CA stored")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

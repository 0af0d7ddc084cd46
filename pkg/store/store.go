// Package store provides the bbolt-backed persistence this registry
// needs: published configuration items and a snapshot of non-ephemeral
// instances, so a restarted node can recover both without replaying
// the full Raft log from index zero.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConfig              = []byte("config")
	bucketPersistentInstances = []byte("persistent_instances")
)

// ConfigRecord is the persisted form of one published config item,
// keyed by "tenant/group/dataId".
type ConfigRecord struct {
	DataID  string `json:"data_id"`
	Group   string `json:"group"`
	Tenant  string `json:"tenant"`
	Content string `json:"content"`
	Type    string `json:"type"`
	Desc    string `json:"desc"`
}

func configRecordKey(tenant, group, dataID string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", tenant, group, dataID))
}

// InstanceRecord is the persisted form of one non-ephemeral instance,
// keyed by "namespace/group/service/instanceID".
type InstanceRecord struct {
	NamespaceID string            `json:"namespace_id"`
	GroupName   string            `json:"group_name"`
	ServiceName string            `json:"service_name"`
	InstanceID  string            `json:"instance_id"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	ClusterName string            `json:"cluster_name"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
	Metadata    map[string]string `json:"metadata"`
}

func instanceRecordKey(namespaceID, groupName, serviceName, instanceID string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s/%s", namespaceID, groupName, serviceName, instanceID))
}

// Store is the bbolt-backed persistence layer, narrowed from the
// teacher's cluster-wide Store interface to the two buckets this
// registry actually persists across restarts.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bbolt database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "registry.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketConfig, bucketPersistentInstances} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutConfig upserts a config record.
func (s *Store) PutConfig(rec ConfigRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfig).Put(configRecordKey(rec.Tenant, rec.Group, rec.DataID), data)
	})
}

// GetConfig returns the config record for the given key, or
// (ConfigRecord{}, false, nil) if absent.
func (s *Store) GetConfig(tenant, group, dataID string) (ConfigRecord, bool, error) {
	var rec ConfigRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get(configRecordKey(tenant, group, dataID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// ListConfig returns every persisted config record.
func (s *Store) ListConfig() ([]ConfigRecord, error) {
	var out []ConfigRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).ForEach(func(_, v []byte) error {
			var rec ConfigRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// PutInstance upserts a persistent (non-ephemeral) instance record.
func (s *Store) PutInstance(rec InstanceRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := instanceRecordKey(rec.NamespaceID, rec.GroupName, rec.ServiceName, rec.InstanceID)
		return tx.Bucket(bucketPersistentInstances).Put(key, data)
	})
}

// DeleteInstance removes a persistent instance record.
func (s *Store) DeleteInstance(namespaceID, groupName, serviceName, instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := instanceRecordKey(namespaceID, groupName, serviceName, instanceID)
		return tx.Bucket(bucketPersistentInstances).Delete(key)
	})
}

// ListInstances returns every persisted non-ephemeral instance, used
// to repopulate C1 on startup.
func (s *Store) ListInstances() ([]InstanceRecord, error) {
	var out []InstanceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPersistentInstances).ForEach(func(_, v []byte) error {
			var rec InstanceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

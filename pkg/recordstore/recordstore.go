// Package recordstore implements the durable append-only record store of
// spec §6.3 (component G): a crash-safe keyed store of applied client
// requests, keyed by the 8-byte little-endian {view_id, req_id} pair.
// pkg/node writes every applied entry's payload into it; the recovery path
// (pkg/snapshot) and the interceptor's replay do not read from it.
package recordstore

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/dare-rsm/dare-core/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketCA      = []byte("ca")
	caKey         = []byte("ca")
)

// Store is a bbolt-backed implementation of the record store contract,
// following the teacher's BoltStore bucket-per-concern layout (two buckets
// here: the records themselves, and the CA slot behind SaveCA/GetCA).
type Store struct {
	db *bolt.DB
}

// Open creates or reopens the record store database under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "records.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("recordstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketCA)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("recordstore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// StoreRecord durably persists payload under key (§6.3 store_record). Safe
// to call for a key that already exists; the new payload overwrites the old
// one, matching an idempotent re-application of the same client request.
func (s *Store) StoreRecord(key types.MsgVS, payload []byte) error {
	k := key.Key()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(k[:], payload)
	})
}

// RetrieveRecord looks up the payload stored for key, returning ok=false if
// it was never stored or has since been pruned (§6.3 retrieve_record).
func (s *Store) RetrieveRecord(key types.MsgVS) ([]byte, bool, error) {
	k := key.Key()
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get(k[:])
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// DeleteRecord removes a previously stored record, used once its entry has
// been pruned from the log (§4.7).
func (s *Store) DeleteRecord(key types.MsgVS) error {
	k := key.Key()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete(k[:])
	})
}

// Record is one key/payload pair as produced by DumpRecords and consumed by
// LoadRecords.
type Record struct {
	Key     types.MsgVS
	Payload []byte
}

// DumpRecords returns every currently stored record in key order, the
// snapshot-transfer source for a new joiner catching up (§4.7, §6.3
// dump_records).
func (s *Store) DumpRecords() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			key, ok := decodeKey(k)
			if !ok {
				continue
			}
			out = append(out, Record{Key: key, Payload: append([]byte(nil), v...)})
		}
		return nil
	})
	return out, err
}

// LoadRecords bulk-installs records received from a snapshot transfer,
// replacing this store's contents for those keys (§6.3 load_records).
func (s *Store) LoadRecords(records []Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, r := range records {
			k := r.Key.Key()
			if err := b.Put(k[:], r.Payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveCA persists the cluster's serialized certificate authority, satisfying
// security.CAStore.
func (s *Store) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put(caKey, data)
	})
}

// GetCA retrieves the previously saved certificate authority, satisfying
// security.CAStore.
func (s *Store) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get(caKey)
		if v == nil {
			return fmt.Errorf("recordstore: CA not found")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func decodeKey(k []byte) (types.MsgVS, bool) {
	if len(k) != 8 {
		return types.MsgVS{}, false
	}
	viewID := binary.LittleEndian.Uint32(k[0:4])
	reqID := binary.LittleEndian.Uint32(k[4:8])
	return types.MsgVS{ViewID: uint8(viewID), ReqID: reqID}, true
}

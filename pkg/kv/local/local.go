// Package local implements the kv.Store contract on a bbolt database, for
// development deployments and tests that should not touch DynamoDB. To
// preserve the callback discipline the controllers rely on, operations are
// executed and their callbacks invoked on a single store goroutine, in
// submission order.
package local

import (
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/fusionfoto/kivaloo/pkg/kv"
)

var bucketItems = []byte("items")

// Store is a bbolt-backed kv.Store.
type Store struct {
	db *bolt.DB

	mu     sync.Mutex
	closed bool
	ops    chan func()
	wg     sync.WaitGroup
}

// New opens (or creates) the database under dataDir.
func New(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "lbs.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketItems)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	s := &Store{
		db:  db,
		ops: make(chan func(), 64),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// run executes operations in submission order
func (s *Store) run() {
	defer s.wg.Done()
	for op := range s.ops {
		op()
	}
}

// submit hands op to the store goroutine
func (s *Store) submit(op func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("local store is closed")
	}
	s.ops <- op
	return nil
}

// Get fetches the value stored under key.
func (s *Store) Get(key string, cb kv.GetCallback) error {
	return s.submit(func() {
		var value []byte
		err := s.db.View(func(tx *bolt.Tx) error {
			data := tx.Bucket(bucketItems).Get([]byte(key))
			if data != nil {
				// The slice is only valid inside the transaction.
				value = append([]byte(nil), data...)
			}
			return nil
		})
		switch {
		case err != nil:
			cb(kv.Err, nil)
		case value == nil:
			cb(kv.NotFound, nil)
		default:
			cb(kv.OK, value)
		}
	})
}

// Put stores value under key.
func (s *Store) Put(key string, value []byte, cb kv.DoneCallback) error {
	return s.submit(func() {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketItems).Put([]byte(key), value)
		})
		if err != nil {
			cb(kv.Err)
			return
		}
		cb(kv.OK)
	})
}

// Delete removes key. Deleting an absent key succeeds.
func (s *Store) Delete(key string, cb kv.DoneCallback) error {
	return s.submit(func() {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketItems).Delete([]byte(key))
		})
		if err != nil {
			cb(kv.Err)
			return
		}
		cb(kv.OK)
	})
}

// Close drains submitted operations and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

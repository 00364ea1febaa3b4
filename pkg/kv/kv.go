// Package kv defines the contract between the LBS server and its key-value
// backend. Operations are callback-style: the store invokes the callback
// once, from its own completion context, never from inside the submitting
// call. Absence of a key is reported distinctly from failure.
package kv

import "fmt"

// Status is the result of a KV operation.
type Status int

const (
	// OK means the operation succeeded
	OK Status = 0
	// Err means the operation failed
	Err Status = 1
	// NotFound means the key does not exist (GET only)
	NotFound Status = 2
)

// Well-known metadata keys on the backend.
const (
	// KeyDeletedTo holds the 8-byte big-endian deletion watermark
	KeyDeletedTo = "DeletedTo"
	// KeyLastBlk holds the 8-byte big-endian next-block recovery hint
	KeyLastBlk = "LastBlk"
)

// GetCallback receives the result of a Get. buf is only valid when the
// status is OK.
type GetCallback func(status Status, buf []byte)

// DoneCallback receives the result of a Put or Delete.
type DoneCallback func(status Status)

// Store is a key-value backend. Implementations must invoke callbacks
// exactly once and must not invoke them synchronously from the submitting
// goroutine.
type Store interface {
	Get(key string, cb GetCallback) error
	Put(key string, value []byte, cb DoneCallback) error
	Delete(key string, cb DoneCallback) error
	Close() error
}

// GetSync performs a Get and blocks until it completes.
func GetSync(s Store, key string) ([]byte, Status, error) {
	type result struct {
		status Status
		buf    []byte
	}
	ch := make(chan result, 1)
	err := s.Get(key, func(status Status, buf []byte) {
		ch <- result{status, buf}
	})
	if err != nil {
		return nil, Err, fmt.Errorf("kv get %s: %w", key, err)
	}
	r := <-ch
	return r.buf, r.status, nil
}

// PutSync performs a Put and blocks until it completes.
func PutSync(s Store, key string, value []byte) (Status, error) {
	ch := make(chan Status, 1)
	err := s.Put(key, value, func(status Status) {
		ch <- status
	})
	if err != nil {
		return Err, fmt.Errorf("kv put %s: %w", key, err)
	}
	return <-ch, nil
}

// DeleteSync performs a Delete and blocks until it completes.
func DeleteSync(s Store, key string) (Status, error) {
	ch := make(chan Status, 1)
	err := s.Delete(key, func(status Status) {
		ch <- status
	})
	if err != nil {
		return Err, fmt.Errorf("kv delete %s: %w", key, err)
	}
	return <-ch, nil
}

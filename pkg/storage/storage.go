// Package storage tracks the logical block array: the server-wide block
// length, the next block number to assign, and the mapping of appends and
// reads onto KV operations. The LastBlk key is a recovery hint; startup
// reads it and then probes forward so that an append whose hint write was
// lost cannot cause block reuse.
package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fusionfoto/kivaloo/pkg/kv"
	"github.com/fusionfoto/kivaloo/pkg/log"
	"github.com/fusionfoto/kivaloo/pkg/metrics"
	"github.com/fusionfoto/kivaloo/pkg/objmap"
)

// State is the per-server storage state. nextBlk is atomic so that Params
// answers immediately from cached state while an append's KV round-trips
// are still in flight; appends themselves are serialized by the
// dispatcher's single writer worker, never by blocking here.
type State struct {
	store    kv.Store
	blockLen uint32
	nextBlk  atomic.Uint64

	logger zerolog.Logger
}

// New recovers the storage state from the backend.
func New(store kv.Store, blockLen uint32) (*State, error) {
	if blockLen == 0 {
		return nil, fmt.Errorf("storage: block length must be positive")
	}

	s := &State{
		store:    store,
		blockLen: blockLen,
		logger:   log.WithComponent("storage"),
	}

	buf, status, err := kv.GetSync(store, kv.KeyLastBlk)
	if err != nil {
		return nil, err
	}
	var next uint64
	switch status {
	case kv.OK:
		if len(buf) != 8 {
			return nil, fmt.Errorf("storage: LastBlk has incorrect size: %d", len(buf))
		}
		next = binary.BigEndian.Uint64(buf)
	case kv.NotFound:
		next = 0
	default:
		return nil, fmt.Errorf("storage: error reading LastBlk")
	}

	// The hint trails reality if the final LastBlk write of a previous
	// run was lost; probe forward until we find an unwritten block.
	for {
		_, status, err := kv.GetSync(store, objmap.Name(next))
		if err != nil {
			return nil, err
		}
		if status == kv.NotFound {
			break
		}
		if status != kv.OK {
			return nil, fmt.Errorf("storage: error probing block %d", next)
		}
		next++
	}
	s.nextBlk.Store(next)

	metrics.NextBlock.Set(float64(next))
	s.logger.Info().Uint64("nextblk", next).Uint32("blocklen", blockLen).
		Msg("Storage state recovered")
	return s, nil
}

// Params returns the server block length and the next block number. It
// never blocks, even while an append is in flight.
func (s *State) Params() (uint32, uint64) {
	return s.blockLen, s.nextBlk.Load()
}

// BlockLen returns the server block length.
func (s *State) BlockLen() uint32 {
	return s.blockLen
}

// Get reads block blkno. The second return value is false when the block
// has never been written (or has been deleted).
func (s *State) Get(blkno uint64) ([]byte, bool, error) {
	buf, status, err := kv.GetSync(s.store, objmap.Name(blkno))
	if err != nil {
		return nil, false, err
	}
	switch status {
	case kv.OK:
		if uint32(len(buf)) != s.blockLen {
			return nil, false, fmt.Errorf("storage: block %d has length %d, want %d",
				blkno, len(buf), s.blockLen)
		}
		return buf, true, nil
	case kv.NotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("storage: error reading block %d", blkno)
	}
}

// Append stores the given blocks at consecutive numbers starting at the
// current nextblk and returns the new nextblk. Block writes fan out through
// the KV layer; the LastBlk hint is written after they all complete, and
// nextblk only advances once everything is durable. Append must not be
// called concurrently with itself: the dispatcher runs all appends on its
// single writer worker.
func (s *State) Append(blocks [][]byte) (uint64, error) {
	for i, b := range blocks {
		if uint32(len(b)) != s.blockLen {
			return 0, fmt.Errorf("storage: appended block %d has length %d, want %d",
				i, len(b), s.blockLen)
		}
	}

	start := s.nextBlk.Load()
	newNext := start + uint64(len(blocks))

	var wg sync.WaitGroup
	var failed atomic.Bool
	for i, b := range blocks {
		wg.Add(1)
		err := s.store.Put(objmap.Name(start+uint64(i)), b, func(status kv.Status) {
			if status != kv.OK {
				failed.Store(true)
			}
			wg.Done()
		})
		if err != nil {
			wg.Done()
			failed.Store(true)
		}
	}
	wg.Wait()
	if failed.Load() {
		return 0, fmt.Errorf("storage: append of %d blocks at %d failed", len(blocks), start)
	}

	hint := make([]byte, 8)
	binary.BigEndian.PutUint64(hint, newNext)
	status, err := kv.PutSync(s.store, kv.KeyLastBlk, hint)
	if err != nil {
		return 0, err
	}
	if status != kv.OK {
		return 0, fmt.Errorf("storage: error writing LastBlk")
	}

	s.nextBlk.Store(newNext)
	metrics.NextBlock.Set(float64(newNext))
	metrics.BlocksAppended.Add(float64(len(blocks)))
	return newNext, nil
}

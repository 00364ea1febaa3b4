package deleteto

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fusionfoto/kivaloo/pkg/kv"
	"github.com/fusionfoto/kivaloo/pkg/log"
	"github.com/fusionfoto/kivaloo/pkg/metrics"
	"github.com/fusionfoto/kivaloo/pkg/objmap"
)

// batchSize is how many deletes are issued between DeletedTo writes. It
// bounds duplicate work after a crash to one batch of objects while
// amortizing the watermark writes.
const batchSize = 256

// Controller turns the client's free-below watermark into a bounded,
// crash-safe stream of object deletes. DeletedTo is persisted only when no
// operations are pending, so everything below the stored watermark is
// guaranteed deleted.
type Controller struct {
	store kv.Store

	mu              sync.Mutex
	n               uint64 // delete objects below this number
	m               uint64 // deletes have been issued up to this number
	npending        int    // operations in progress
	updateDeletedTo bool   // m has changed since it was last stored
	shuttingdown    bool   // stop issuing deletes
	shutdown        bool   // everything is done
	shutdownCh      chan struct{}

	// onFatal is invoked when a KV operation fails; a failed delete or
	// watermark write threatens the DeletedTo invariant, so the default
	// terminates the process
	onFatal func(error)

	logger zerolog.Logger
}

// Init creates a controller operating through store, reading the current
// DeletedTo watermark synchronously.
func Init(store kv.Store) (*Controller, error) {
	d := &Controller{
		store:      store,
		shutdownCh: make(chan struct{}),
		logger:     log.WithComponent("deleteto"),
	}
	d.onFatal = func(err error) {
		d.logger.Fatal().Err(err).Msg("KV operation failed")
	}

	// Read DeletedTo into m.
	buf, status, err := kv.GetSync(store, kv.KeyDeletedTo)
	if err != nil {
		return nil, err
	}
	switch status {
	case kv.OK:
		if len(buf) != 8 {
			return nil, fmt.Errorf("deleteto: DeletedTo has incorrect size: %d", len(buf))
		}
		d.m = binary.BigEndian.Uint64(buf)
	case kv.NotFound:
		// That's fine; we haven't deleted anything yet.
		d.m = 0
	default:
		return nil, fmt.Errorf("deleteto: error reading DeletedTo")
	}

	metrics.DeletedTo.Set(float64(d.m))
	d.logger.Info().Uint64("deleted_to", d.m).Msg("Deletion controller initialized")
	return d, nil
}

// poke does a round of deletes if appropriate. Callers hold d.mu.
func (d *Controller) poke() {
	// Only one batch of KV work in flight at a time.
	if d.npending > 0 {
		return
	}

	// Store DeletedTo if we want to; with no requests in progress,
	// everything below m is guaranteed deleted.
	if d.updateDeletedTo {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, d.m)
		if err := d.store.Put(kv.KeyDeletedTo, buf, d.opDone); err != nil {
			d.onFatal(fmt.Errorf("deleteto: writing DeletedTo: %w", err))
			return
		}
		d.npending++
		d.updateDeletedTo = false
		metrics.DeletedTo.Set(float64(d.m))
		return
	}

	// Are we waiting to shut down?
	if d.shuttingdown {
		if !d.shutdown {
			d.shutdown = true
			close(d.shutdownCh)
		}
		return
	}

	// Issue more deletes.
	for d.m < d.n {
		if err := d.store.Delete(objmap.Name(d.m), d.opDone); err != nil {
			d.onFatal(fmt.Errorf("deleteto: deleting block %d: %w", d.m, err))
			return
		}
		d.npending++
		d.m++
		metrics.DeletesIssued.Inc()

		// Pause at batch boundaries to persist the watermark.
		if d.m%batchSize == 0 {
			d.updateDeletedTo = true
			break
		}
	}
}

// opDone handles completion of one KV operation kicked off by poke.
func (d *Controller) opDone(status kv.Status) {
	if status != kv.OK {
		d.onFatal(fmt.Errorf("deleteto: KV operation failed with status %d", status))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.npending--
	d.poke()
}

// DeleteTo records that blocks numbered below n are no longer needed and
// schedules deletion work. The watermark only moves up.
func (d *Controller) DeleteTo(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.n < n {
		d.n = n
	}
	d.poke()
}

// Stop drains pending operations, persists the watermark one final time,
// and blocks until everything is done.
func (d *Controller) Stop() {
	d.mu.Lock()
	d.shuttingdown = true
	d.updateDeletedTo = true
	d.poke()
	d.mu.Unlock()

	<-d.shutdownCh
}

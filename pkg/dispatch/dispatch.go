package dispatch

import (
	"bufio"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fusionfoto/kivaloo/pkg/deleteto"
	"github.com/fusionfoto/kivaloo/pkg/log"
	"github.com/fusionfoto/kivaloo/pkg/metrics"
	"github.com/fusionfoto/kivaloo/pkg/storage"
	"github.com/fusionfoto/kivaloo/pkg/wire"
)

// Dispatcher multiplexes one client connection across a pool of N reader
// workers, one writer, and one deleter. The pool persists across
// connections; Serve handles exactly one client at a time and the caller
// re-invokes it after each connection ends.
type Dispatcher struct {
	sstate   *storage.State
	del      *deleteto.Controller
	blockLen uint32
	nreaders int

	workers []*worker
	wakeCh  chan int

	logger zerolog.Logger
}

// New constructs a dispatcher with nreaders reader workers plus the writer
// and the deleter.
func New(sstate *storage.State, del *deleteto.Controller, nreaders int) (*Dispatcher, error) {
	if nreaders < 1 {
		return nil, fmt.Errorf("dispatch: need at least one reader, got %d", nreaders)
	}

	d := &Dispatcher{
		sstate:   sstate,
		del:      del,
		blockLen: sstate.BlockLen(),
		nreaders: nreaders,
		// Buffered so workers never block announcing completion.
		wakeCh: make(chan int, nreaders+2),
		logger: log.WithComponent("dispatch"),
	}

	d.workers = make([]*worker, nreaders+2)
	for i := range d.workers {
		d.workers[i] = newWorker(i, sstate, del, d.wakeCh)
	}
	d.logger.Debug().Int("readers", nreaders).Msg("Worker pool started")
	return d, nil
}

// connState is the per-connection dispatcher state.
type connState struct {
	d  *Dispatcher
	nc net.Conn
	bw *bufio.Writer

	reqCh chan *wire.Request
	done  chan struct{}

	alive    bool
	npending int // responses owed to the client
	jobsOut  int // dispatched worker jobs not yet completed

	readersIdle []int
	readq       []*job
	freeq       []*job
	writerBusy  bool
	deleterBusy bool

	logger zerolog.Logger
}

// Serve handles one client connection to completion: it returns once the
// connection is dead and every dispatched worker job has completed. Worker
// jobs in flight at connection death run to completion; their responses are
// dropped.
func (d *Dispatcher) Serve(nc net.Conn) {
	metrics.ConnectionsTotal.Inc()

	c := &connState{
		d:     d,
		nc:    nc,
		bw:    bufio.NewWriter(nc),
		reqCh: make(chan *wire.Request),
		done:  make(chan struct{}),
		alive: true,
		// All readers are idle when a connection starts.
		readersIdle: make([]int, 0, d.nreaders),
		logger:      log.WithConnID(uuid.New().String()),
	}
	for i := 0; i < d.nreaders; i++ {
		c.readersIdle = append(c.readersIdle, i)
	}

	go c.readRequests()
	c.loop()

	// The connection is fully quiesced; release it.
	close(c.done)
	_ = nc.Close()
	metrics.ReadQueueDepth.Set(0)
}

// readRequests decodes frames off the socket and feeds them to the loop.
// A decode or transport error ends the stream.
func (c *connState) readRequests() {
	br := bufio.NewReader(c.nc)
	for {
		req, err := wire.ReadRequest(br)
		if err != nil {
			select {
			case c.reqCh <- nil:
			case <-c.done:
			}
			return
		}
		select {
		case c.reqCh <- req:
		case <-c.done:
			return
		}
	}
}

// loop is the per-connection event loop. It runs until the connection is
// dead, nothing is owed to the client, and no worker jobs remain
// outstanding.
func (c *connState) loop() {
	reqCh := c.reqCh
	for c.alive || c.npending > 0 || c.jobsOut > 0 {
		select {
		case req := <-reqCh:
			if req == nil {
				// Failed or malformed read: the connection is dead.
				c.drop()
			} else if !c.handleRequest(req) {
				c.drop()
			}
		case idx := <-c.d.wakeCh:
			c.workDone(idx)
		}
		if !c.alive {
			reqCh = nil
		}
	}
}

// handleRequest classifies one request and either answers it synchronously
// or hands it to a worker. It returns false on a protocol violation.
func (c *connState) handleRequest(req *wire.Request) bool {
	c.npending++

	switch req.Type {
	case wire.TypeParams:
		metrics.RequestsTotal.WithLabelValues("params").Inc()
		blocklen, nextblk := c.d.sstate.Params()
		return c.respond(func() error {
			return wire.WriteParamsResponse(c.bw, req.ID, blocklen, nextblk)
		})

	case wire.TypeGet:
		metrics.RequestsTotal.WithLabelValues("get").Inc()
		// No short-circuit for blkno >= nextblk; the reader reports
		// absence in its response.
		j := &job{kind: jobGet, id: req.ID, blkno: req.BlkNo}
		if n := len(c.readersIdle); n > 0 {
			idx := c.readersIdle[n-1]
			c.readersIdle = c.readersIdle[:n-1]
			c.assign(idx, j)
		} else {
			c.readq = append(c.readq, j)
			metrics.ReadQueueDepth.Set(float64(len(c.readq)))
		}
		return true

	case wire.TypeAppend:
		metrics.RequestsTotal.WithLabelValues("append").Inc()
		if req.BlkLen != c.d.blockLen {
			c.logger.Warn().Uint32("blklen", req.BlkLen).
				Msg("Append with wrong block length")
			c.npending--
			return false
		}
		// The protocol pipelines one append at a time; a second
		// concurrent append is a protocol violation.
		if c.writerBusy {
			c.logger.Warn().Msg("Concurrent append")
			c.npending--
			return false
		}
		c.writerBusy = true
		c.assign(c.d.nreaders, &job{kind: jobAppend, id: req.ID, blocks: req.Blocks})
		return true

	case wire.TypeFree:
		metrics.RequestsTotal.WithLabelValues("free").Inc()
		j := &job{kind: jobFree, id: req.ID, blkno: req.BlkNo}
		if c.deleterBusy {
			c.freeq = append(c.freeq, j)
		} else {
			c.deleterBusy = true
			c.assign(c.d.nreaders+1, j)
		}
		return true
	}

	// wire.ReadRequest only yields known types.
	c.npending--
	return false
}

// assign hands a job to an idle worker.
func (c *connState) assign(idx int, j *job) {
	c.jobsOut++
	c.d.workers[idx].jobs <- j
}

// workDone handles a worker wakeup: send the response for whatever work was
// finished, mark the worker available, and reschedule queued work.
func (c *connState) workDone(idx int) {
	w := c.d.workers[idx]
	res := w.res
	w.res = nil
	c.jobsOut--

	// Send a response, unless the connection died while the worker ran.
	if c.alive && !c.sendResult(res) {
		c.drop()
	} else if !c.alive {
		c.npending--
	}

	// Mark the worker as available for more work.
	switch {
	case idx == c.d.nreaders+1:
		c.deleterBusy = false
		if c.alive && len(c.freeq) > 0 {
			j := c.freeq[0]
			c.freeq = c.freeq[1:]
			c.deleterBusy = true
			c.assign(idx, j)
		}
	case idx == c.d.nreaders:
		c.writerBusy = false
	default:
		c.readersIdle = append(c.readersIdle, idx)
		// Check for queued reads which can now be scheduled.
		if c.alive && len(c.readq) > 0 {
			j := c.readq[0]
			c.readq = c.readq[1:]
			metrics.ReadQueueDepth.Set(float64(len(c.readq)))
			n := len(c.readersIdle)
			ridx := c.readersIdle[n-1]
			c.readersIdle = c.readersIdle[:n-1]
			c.assign(ridx, j)
		}
	}
}

// sendResult writes the response for a completed job. It returns false if
// the connection should be dropped.
func (c *connState) sendResult(res *result) bool {
	switch res.job.kind {
	case jobGet:
		if res.err != nil {
			// No way to express a backend error in a GET response.
			c.logger.Error().Err(res.err).Uint64("blkno", res.job.blkno).
				Msg("Read failed")
			c.npending--
			return false
		}
		status := wire.StatusOK
		data := res.data
		if !res.present {
			status = wire.StatusFailed
			data = nil
		}
		return c.respond(func() error {
			return wire.WriteGetResponse(c.bw, res.job.id, status, data)
		})

	case jobAppend:
		if res.err != nil {
			// Report the failure; nextblk did not advance.
			c.logger.Error().Err(res.err).Msg("Append failed")
			return c.respond(func() error {
				return wire.WriteAppendResponse(c.bw, res.job.id, wire.StatusFailed, 0)
			})
		}
		return c.respond(func() error {
			return wire.WriteAppendResponse(c.bw, res.job.id, wire.StatusOK, res.newNext)
		})

	case jobFree:
		return c.respond(func() error {
			return wire.WriteFreeResponse(c.bw, res.job.id)
		})
	}
	return false
}

// respond writes one response and flushes it. The connection dies if the
// write fails; either way the response is no longer owed.
func (c *connState) respond(write func() error) bool {
	c.npending--
	if err := write(); err == nil {
		if err := c.bw.Flush(); err == nil {
			metrics.ResponsesTotal.Inc()
			return true
		}
	}
	c.logger.Warn().Msg("Failed to write response")
	return false
}

// drop kills the connection: queued jobs are discarded, the socket is
// closed so the read side unblocks, and responses for worker jobs already
// dispatched will be dropped as they complete.
func (c *connState) drop() {
	if !c.alive {
		return
	}
	c.alive = false
	metrics.ConnectionsDropped.Inc()

	// Kill any queued requests.
	c.npending -= len(c.readq) + len(c.freeq)
	c.readq = nil
	c.freeq = nil
	metrics.ReadQueueDepth.Set(0)

	_ = c.nc.Close()
}

// Close shuts down the worker pool. No connection may be in progress.
func (d *Dispatcher) Close() {
	for _, w := range d.workers {
		close(w.jobs)
	}
}

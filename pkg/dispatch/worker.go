package dispatch

import (
	"github.com/fusionfoto/kivaloo/pkg/deleteto"
	"github.com/fusionfoto/kivaloo/pkg/storage"
)

type jobKind int

const (
	jobGet jobKind = iota
	jobAppend
	jobFree
)

// job is one unit of blocking work handed to a worker.
type job struct {
	kind   jobKind
	id     uint64
	blkno  uint64   // GET block number or FREE bound
	blocks [][]byte // APPEND payload
}

// result is left in the worker's slot for the dispatcher to read after the
// worker announces completion on the wakeup channel.
type result struct {
	job     *job
	data    []byte
	present bool
	newNext uint64
	err     error
}

// worker owns one OS-thread's worth of blocking KV work. Indices
// 0..nreaders-1 are readers, nreaders is the writer, nreaders+1 is the
// deleter; reads parallelize while writes and deletes are singletons so that
// nextblk and the deletion watermark advance deterministically.
type worker struct {
	idx  int
	jobs chan *job
	res  *result
}

func newWorker(idx int, sstate *storage.State, del *deleteto.Controller, wake chan<- int) *worker {
	w := &worker{
		idx:  idx,
		jobs: make(chan *job, 1),
	}
	go w.run(sstate, del, wake)
	return w
}

// run executes jobs until the jobs channel is closed. The result is stored
// before the index is sent, so the dispatcher's read of w.res after the
// wakeup is ordered by the channel.
func (w *worker) run(sstate *storage.State, del *deleteto.Controller, wake chan<- int) {
	for j := range w.jobs {
		res := &result{job: j}
		switch j.kind {
		case jobGet:
			res.data, res.present, res.err = sstate.Get(j.blkno)
		case jobAppend:
			res.newNext, res.err = sstate.Append(j.blocks)
		case jobFree:
			del.DeleteTo(j.blkno)
		}
		w.res = res
		wake <- w.idx
	}
}

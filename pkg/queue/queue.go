package queue

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	v4 "github.com/aws/aws-sdk-go/aws/signer/v4"
	"github.com/rs/zerolog"

	"github.com/fusionfoto/kivaloo/pkg/log"
	"github.com/fusionfoto/kivaloo/pkg/metrics"
	"github.com/fusionfoto/kivaloo/pkg/serverpool"
)

// throttleSig is the marker DynamoDB places in HTTP 400 bodies when
// provisioned throughput is exceeded. The AWS SDKs extract the "__type"
// field, split it on '#', and look at the last element; a substring scan
// over the whole body catches everything they catch.
const throttleSig = "#ProvisionedThroughputExceededException"

const signingService = "dynamodb"

// Response is the terminal HTTP response delivered to a request's callback.
// Throttle responses and HTTP 5xx never reach callbacks; those are retried
// internally.
type Response struct {
	StatusCode int
	Body       []byte
}

// Callback receives the terminal response for an enqueued request.
type Callback func(resp *Response)

// request is one queued DynamoDB operation.
type request struct {
	op      string
	body    []byte
	maxrlen int64
	logstr  string
	cb      Callback

	prio   int
	reqnum uint64

	inflight bool
	cancel   context.CancelFunc
	addr     string
	start    time.Time
	flushed  bool

	// index is this request's position in the heap, maintained by the
	// heap interface so priority changes run in logarithmic time
	index int
}

// Config configures a Queue.
type Config struct {
	KeyID     string
	KeySecret string
	Region    string
	Pool      *serverpool.Pool

	// OpsPerSec caps the request rate while the queue is rate limited
	OpsPerSec int

	// HTTPClient overrides the transport, for tests
	HTTPClient *http.Client

	// RequestLog, if set, receives one line per completed request attempt
	RequestLog io.Writer
}

// Queue is an event-driven, rate-limited, retrying scheduler of DynamoDB
// requests. Requests are served lowest priority value first, breaking ties
// by arrival order; requests already in flight sort after everything else so
// the heap minimum is always a sendable candidate.
type Queue struct {
	mu sync.Mutex

	keySecret []byte
	signer    *v4.Signer
	region    string
	pool      *serverpool.Pool
	client    *http.Client

	reqs     reqHeap
	reqnum   uint64
	inflight int

	inflightMax      int
	ratelimited      bool
	ratedelay        time.Duration
	timer            *time.Timer
	timerPending     bool
	immediatePending bool

	stopped bool

	reqlog io.Writer
	logger zerolog.Logger
}

// New creates a request queue. Upon encountering a throughput-exceeded
// response the queue limits itself to cfg.OpsPerSec operations per second
// until it drains of sendable work; at most 5 seconds of quota may be in
// flight at once.
func New(cfg Config) (*Queue, error) {
	if cfg.OpsPerSec < 1 {
		return nil, fmt.Errorf("queue: ops per second must be positive, got %d", cfg.OpsPerSec)
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("queue: no server pool")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	secret := []byte(cfg.KeySecret)
	creds := credentials.NewStaticCredentials(cfg.KeyID, cfg.KeySecret, "")

	return &Queue{
		keySecret:   secret,
		signer:      v4.NewSigner(creds),
		region:      cfg.Region,
		pool:        cfg.Pool,
		client:      client,
		inflightMax: cfg.OpsPerSec * 5,
		ratedelay:   time.Second / time.Duration(cfg.OpsPerSec),
		reqlog:      cfg.RequestLog,
		logger:      log.WithComponent("queue"),
	}, nil
}

// Enqueue submits the DynamoDB operation op with the given request body.
// Responses are read up to maxrlen bytes. Requests are served starting with
// the lowest prio, breaking ties by arrival order. HTTP 5xx, transport
// failures, and throughput-exceeded responses are retried indefinitely;
// anything else is passed to cb. If request logging is enabled, logstr is
// included in the log line.
func (q *Queue) Enqueue(prio int, op string, body []byte, maxrlen int64, logstr string, cb Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r := &request{
		op:      op,
		body:    body,
		maxrlen: maxrlen,
		logstr:  logstr,
		cb:      cb,
		prio:    prio,
		reqnum:  q.reqnum,
	}
	q.reqnum++

	heap.Push(&q.reqs, r)
	metrics.QueueDepth.Set(float64(len(q.reqs)))

	q.poke()
}

// poke schedules a runqueue pass: immediately when unthrottled, after the
// rate delay when throttled. At most one of each may be pending. Callers
// hold q.mu.
func (q *Queue) poke() {
	if q.stopped {
		return
	}
	if q.ratelimited {
		if !q.timerPending {
			q.timerPending = true
			q.timer = time.AfterFunc(q.ratedelay, func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				q.timerPending = false
				q.runqueue()
			})
		}
	} else {
		if !q.immediatePending {
			q.immediatePending = true
			go func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				q.immediatePending = false
				q.runqueue()
			}()
		}
	}
}

// runqueue sends the highest-priority sendable request, if any. Callers
// hold q.mu.
func (q *Queue) runqueue() {
	if q.stopped {
		return
	}

	// A pending timer owns the next send slot; don't coalesce.
	if q.timerPending {
		return
	}

	// Rate-limiting ends as soon as there are no requests waiting to be
	// sent when the timer has expired.
	if len(q.reqs) == 0 || q.reqs[0].inflight {
		q.setRateLimited(false)
		return
	}
	r := q.reqs[0]

	// At the in-flight cap, either the network is wedged or we're
	// handling a flood before rate limiting has kicked in. Completions
	// will poke us again.
	if q.inflight == q.inflightMax {
		return
	}

	q.send(r)

	// Schedule a pass for the next request, if any.
	q.poke()
}

// send issues one request. Callers hold q.mu.
func (q *Queue) send(r *request) {
	r.addr = q.pool.Pick()
	r.start = time.Now()

	q.inflight++
	metrics.QueueInflight.Set(float64(q.inflight))
	r.inflight = true
	heap.Fix(&q.reqs, r.index)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go q.perform(ctx, r)
}

// perform runs the HTTP exchange for one send attempt and reports back.
// It runs outside the lock; a nil response reports a transport failure.
func (q *Queue) perform(ctx context.Context, r *request) {
	resp := q.roundtrip(ctx, r)
	q.reqdone(r, resp)
}

func (q *Queue) roundtrip(ctx context.Context, r *request) *Response {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+r.addr+"/", bytes.NewReader(r.body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("X-Amz-Target", "DynamoDB_20120810."+r.op)

	if _, err := q.signer.Sign(req, bytes.NewReader(r.body), signingService, q.region, time.Now()); err != nil {
		q.logger.Error().Err(err).Str("op", r.op).Msg("Failed to sign request")
		return nil
	}

	httpResp, err := q.client.Do(req)
	if err != nil {
		return nil
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, r.maxrlen))
	if err != nil {
		return nil
	}
	return &Response{StatusCode: httpResp.StatusCode, Body: body}
}

// reqdone handles completion of one send attempt.
func (q *Queue) reqdone(r *request, resp *Response) {
	q.mu.Lock()

	// The queue was flushed while this attempt was on the wire.
	if r.flushed {
		q.mu.Unlock()
		return
	}

	if q.reqlog != nil {
		q.logreq(r, resp)
	}
	metrics.QueueRequestDuration.WithLabelValues(r.op).Observe(time.Since(r.start).Seconds())

	// This request is no longer in progress; its heap priority changes.
	r.inflight = false
	r.cancel = nil
	r.addr = ""
	q.inflight--
	metrics.QueueInflight.Set(float64(q.inflight))
	heap.Fix(&q.reqs, r.index)

	var deliver *Response
	switch {
	case resp != nil && resp.StatusCode == 400 && bytes.Contains(resp.Body, []byte(throttleSig)):
		// Throughput exceeded: latch rate limiting and leave the
		// request on the queue to be retried.
		q.setRateLimited(true)
		metrics.QueueRetriesTotal.WithLabelValues("throttle").Inc()
	case resp != nil && resp.StatusCode < 500:
		// Anything which isn't an internal DynamoDB error or a rate
		// limiting response goes back to the caller.
		heap.Remove(&q.reqs, r.index)
		metrics.QueueDepth.Set(float64(len(q.reqs)))
		deliver = resp
	case resp != nil:
		metrics.QueueRetriesTotal.WithLabelValues("5xx").Inc()
	default:
		metrics.QueueRetriesTotal.WithLabelValues("transport").Inc()
	}
	q.mu.Unlock()

	if deliver != nil {
		r.cb(deliver)
	}

	// The failed request may be re-issuable, or dropping below the
	// in-flight cap may let a new request out.
	q.mu.Lock()
	q.poke()
	q.mu.Unlock()
}

// logreq writes one request-log line. Callers hold q.mu.
func (q *Queue) logreq(r *request, resp *Response) {
	elapsed := time.Since(r.start).Microseconds()
	status := 0
	bodylen := 0
	if resp != nil {
		status = resp.StatusCode
		bodylen = len(resp.Body)
	}
	fmt.Fprintf(q.reqlog, "|%s|%s|%d|%s|%d|%d\n",
		r.op, r.logstr, status, r.addr, elapsed, bodylen)
}

func (q *Queue) setRateLimited(v bool) {
	if q.ratelimited == v {
		return
	}
	q.ratelimited = v
	if v {
		metrics.QueueRateLimited.Set(1)
		q.logger.Warn().Msg("Throughput exceeded, rate limiting requests")
	} else {
		metrics.QueueRateLimited.Set(0)
	}
}

// Flush drops every queued request without invoking callbacks. In-flight
// HTTP exchanges are cancelled.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flush()
}

func (q *Queue) flush() {
	for len(q.reqs) > 0 {
		r := q.reqs[0]
		heap.Pop(&q.reqs)
		r.flushed = true
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
			q.inflight--
		}
	}
	metrics.QueueDepth.Set(0)
	metrics.QueueInflight.Set(float64(q.inflight))
}

// Free flushes the queue, stops its timers, and wipes the queue's byte-slice
// copy of the AWS secret key. The secret string held by the signer's static
// credentials is not wiped. The queue must not be used afterwards.
func (q *Queue) Free() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flush()
	q.stopped = true
	if q.timerPending {
		q.timer.Stop()
		q.timerPending = false
	}

	wipe(q.keySecret)
	q.keySecret = nil
}

// wipe zeroes b so that secret material does not linger in memory. The
// KeepAlive prevents the compiler from treating the stores as dead.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

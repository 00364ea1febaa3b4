/*
Package queue implements the prioritized DynamoDB request queue.

The queue orders, throttles, retries, and dispatches KV requests against the
remote store. Requests sit in a min-heap compared by (in-flight, priority,
arrival number): requests whose HTTP exchange is already on the wire sort
after everything else, so the heap minimum is always a sendable candidate,
lower priority values are served first, and ties break FIFO.

# Architecture

	┌────────────────────── REQUEST QUEUE ─────────────────────┐
	│                                                           │
	│  Enqueue(prio, op, body, ...) ──► min-heap                │
	│                                   (inflight, prio, reqnum)│
	│                                        │                  │
	│               poke()                   ▼                  │
	│      unthrottled: immediate      runqueue():              │
	│      throttled:   1s/opps timer    peek min, send,        │
	│                                    reschedule             │
	│                                        │                  │
	│                                        ▼                  │
	│          SigV4-signed HTTP POST to pool address           │
	│                                        │                  │
	│            completion ─── classify response:              │
	│              400 + throttle sig → latch rate limit, keep  │
	│              5xx / transport    → keep for retry          │
	│              anything else      → dequeue, callback       │
	└───────────────────────────────────────────────────────────┘

# Rate limiting

A throughput-exceeded response (HTTP 400 whose body contains the
"#ProvisionedThroughputExceededException" marker anywhere) latches rate
limiting: send attempts are then separated by at least 1/opps seconds. The
latch clears only when a runqueue pass finds nothing sendable, which lets the
queue burst up to its in-flight cap (5 seconds of quota) between throttle
episodes while respecting the configured ceiling during them.

# Request logging

When a request log writer is configured, every completed attempt is recorded
as:

	|<op>|<logstr>|<http_status>|<addr>|<elapsed_micros>|<body_len>

# Integration Points

This package integrates with:

  - pkg/kv/dynamo: the only producer of queue requests
  - pkg/serverpool: target address selection
  - pkg/metrics: depth, in-flight, rate-limited, retry counters
*/
package queue

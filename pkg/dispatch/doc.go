/*
Package dispatch implements the per-connection request dispatcher and its
worker pool.

The dispatcher front-ends exactly one client connection at a time. It decodes
framed requests, classifies them, and hands blocking KV work to a pool of
workers: N readers (block reads pipeline), one writer (appends serialize so
nextblk advances deterministically), and one deleter (watermark advances
serialize the same way). Workers announce completion by sending their index
on a wakeup channel; the connection loop collects the index, writes the
response for that worker's job, re-marks the worker idle, and hands it the
next queued request if one is waiting.

# Architecture

	client ──frames──► read goroutine ──► ┌───────────────┐
	                                      │ connection     │──► responses
	        wakeup (worker index) ──────► │ loop (select)  │
	                                      └──┬────────┬───┘
	                 readers 0..N-1 ◄────────┘        │
	                 writer N, deleter N+1 ◄──────────┘

	GET    → idle reader, else FIFO read queue
	APPEND → writer (a second concurrent append is a protocol violation)
	FREE   → deleter (acknowledged once the watermark is recorded)
	PARAMS → answered synchronously from storage state

# Connection death

A failed read, malformed frame, failed response write, or worker-reported
read error kills the connection: queued requests are discarded, the socket
closes, and workers already running finish their KV operations with their
responses dropped. Serve returns only once every dispatched job has
completed, so the pool is quiescent before the next connection is accepted.

# Ordering

No ordering is promised across request types; responses carry the client's
request ID for correlation. Queued reads dispatch to readers in FIFO order.
*/
package dispatch

/*
Package deleteto implements the deletion controller.

The B+Tree above this server periodically declares that every block below
some number N is garbage. The controller turns that watermark into a
throttled stream of object deletes against the KV backend while keeping a
durable record of progress, so that a crash costs at most one batch of
duplicate deletes.

# Invariant

The controller maintains DeletedTo <= M <= N at all times, where DeletedTo
is the persisted watermark, M is the number up to which deletes have been
issued, and N is the latest client watermark. DeletedTo is written only when
no KV operations are pending; at that moment every delete below M has
completed, so the stored promise — "everything below DeletedTo is gone" —
holds across crashes.

# Batching

Deletes pause at every multiple of 256 to persist the watermark. The batch
size trades a small duplicate-work window after a crash against far fewer
watermark writes. Deletion traffic shares the KV request queue with
foreground reads and writes at a lower priority, which naturally throttles
reclamation under load.

# Failure

A failed delete or watermark write threatens the invariant and is fatal:
the error is logged and the process terminates.
*/
package deleteto

/*
Package wire implements the LBS protocol frame codec.

Every frame is a 32-bit big-endian length (excluding itself), a 64-bit
request ID, and for requests a 32-bit type followed by a typed payload. The
ID is an opaque client cookie: the server echoes it in the response, and
clients rely on it for correlation because the server promises no response
ordering across request types.

Request payloads:

	PARAMS  (empty)            → blocklen (32), nextblk (64)
	GET     blkno (64)         → status (32), blocklen payload bytes if present
	APPEND  nblks (32),        → status (32), new nextblk (64) on success
	        blklen (32),
	        nblks*blklen bytes
	FREE    blkno (64)         → status (32)

Decode errors are protocol violations; callers drop the connection.
*/
package wire

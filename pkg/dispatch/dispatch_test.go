package dispatch

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusionfoto/kivaloo/pkg/deleteto"
	"github.com/fusionfoto/kivaloo/pkg/kv"
	"github.com/fusionfoto/kivaloo/pkg/kv/local"
	"github.com/fusionfoto/kivaloo/pkg/log"
	"github.com/fusionfoto/kivaloo/pkg/objmap"
	"github.com/fusionfoto/kivaloo/pkg/storage"
	"github.com/fusionfoto/kivaloo/pkg/wire"
)

const testBlockLen = 16

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: "error"})
	os.Exit(m.Run())
}

type testServer struct {
	store kv.Store
	addr  string
}

// startServer builds the full stack on a local store and serves connections
// one at a time, the way the daemon does.
func startServer(t *testing.T, nreaders int) *testServer {
	t.Helper()

	store, err := local.New(t.TempDir())
	require.NoError(t, err)

	sstate, err := storage.New(store, testBlockLen)
	require.NoError(t, err)

	del, err := deleteto.Init(store)
	require.NoError(t, err)

	d, err := New(sstate, del, nreaders)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			d.Serve(nc)
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		d.Close()
		del.Stop()
		_ = store.Close()
	})

	return &testServer{store: store, addr: ln.Addr().String()}
}

// client is a minimal LBS protocol client for tests
type client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, srv *testServer) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) read() *wire.Response {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err := wire.ReadResponse(c.br)
	require.NoError(c.t, err)
	return resp
}

func (c *client) params(id uint64) (uint32, uint64) {
	c.t.Helper()
	require.NoError(c.t, wire.WriteParamsRequest(c.conn, id))
	resp := c.read()
	require.Equal(c.t, id, resp.ID)
	require.Len(c.t, resp.Body, 12)
	return binary.BigEndian.Uint32(resp.Body[0:4]), binary.BigEndian.Uint64(resp.Body[4:12])
}

func (c *client) get(id uint64, blkno uint64) ([]byte, bool) {
	c.t.Helper()
	require.NoError(c.t, wire.WriteGetRequest(c.conn, id, blkno))
	return c.getResponse(c.read(), id)
}

func (c *client) getResponse(resp *wire.Response, id uint64) ([]byte, bool) {
	c.t.Helper()
	require.Equal(c.t, id, resp.ID)
	require.GreaterOrEqual(c.t, len(resp.Body), 4)
	if binary.BigEndian.Uint32(resp.Body[0:4]) != wire.StatusOK {
		return nil, false
	}
	return resp.Body[4:], true
}

func (c *client) append(id uint64, blocks [][]byte) uint64 {
	c.t.Helper()
	require.NoError(c.t, wire.WriteAppendRequest(c.conn, id, testBlockLen, blocks))
	resp := c.read()
	require.Equal(c.t, id, resp.ID)
	require.Len(c.t, resp.Body, 12)
	require.Equal(c.t, wire.StatusOK, binary.BigEndian.Uint32(resp.Body[0:4]))
	return binary.BigEndian.Uint64(resp.Body[4:12])
}

func (c *client) free(id uint64, n uint64) {
	c.t.Helper()
	require.NoError(c.t, wire.WriteFreeRequest(c.conn, id, n))
	resp := c.read()
	require.Equal(c.t, id, resp.ID)
	require.Equal(c.t, wire.StatusOK, binary.BigEndian.Uint32(resp.Body[0:4]))
}

func block(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, testBlockLen)
}

// TestParams tests the synchronous parameter query
func TestParams(t *testing.T) {
	srv := startServer(t, 2)
	c := dial(t, srv)

	blocklen, nextblk := c.params(1)
	assert.Equal(t, uint32(testBlockLen), blocklen)
	assert.Equal(t, uint64(0), nextblk)
}

// TestAppendGetRoundTrip tests the append/get law: an appended block reads
// back at the pre-append nextblk
func TestAppendGetRoundTrip(t *testing.T) {
	srv := startServer(t, 2)
	c := dial(t, srv)

	_, before := c.params(1)
	next := c.append(2, [][]byte{block(0x5a)})
	assert.Equal(t, before+1, next)

	data, present := c.get(3, before)
	require.True(t, present)
	assert.Equal(t, block(0x5a), data)

	// Reading past nextblk reports absence, not an error.
	_, present = c.get(4, 999)
	assert.False(t, present)

	_, after := c.params(5)
	assert.Equal(t, next, after)
}

// TestPipelining tests that reads pipeline across the reader pool while an
// append runs on the writer; responses correlate by request ID
func TestPipelining(t *testing.T) {
	srv := startServer(t, 2)
	c := dial(t, srv)

	c.append(1, [][]byte{block(1), block(2), block(3)})

	// Fire three GETs and an APPEND without waiting for responses.
	require.NoError(t, wire.WriteGetRequest(c.conn, 10, 0))
	require.NoError(t, wire.WriteGetRequest(c.conn, 11, 1))
	require.NoError(t, wire.WriteGetRequest(c.conn, 12, 2))
	require.NoError(t, wire.WriteAppendRequest(c.conn, 13, testBlockLen, [][]byte{block(4)}))

	got := make(map[uint64]*wire.Response)
	for i := 0; i < 4; i++ {
		resp := c.read()
		got[resp.ID] = resp
	}

	for id, fill := range map[uint64]byte{10: 1, 11: 2, 12: 3} {
		resp, ok := got[id]
		require.True(t, ok, "missing response %d", id)
		data, present := c.getResponse(resp, id)
		require.True(t, present)
		assert.Equal(t, block(fill), data)
	}
	resp, ok := got[13]
	require.True(t, ok)
	require.Len(t, resp.Body, 12)
	assert.Equal(t, uint64(4), binary.BigEndian.Uint64(resp.Body[4:12]))
}

// TestManyQueuedReads tests FIFO read queueing well past the reader count
func TestManyQueuedReads(t *testing.T) {
	srv := startServer(t, 2)
	c := dial(t, srv)

	blocks := make([][]byte, 8)
	for i := range blocks {
		blocks[i] = block(byte(i))
	}
	c.append(1, blocks)

	for i := 0; i < 8; i++ {
		require.NoError(t, wire.WriteGetRequest(c.conn, uint64(100+i), uint64(i)))
	}
	got := make(map[uint64][]byte)
	for i := 0; i < 8; i++ {
		resp := c.read()
		data, present := c.getResponse(resp, resp.ID)
		require.True(t, present)
		got[resp.ID] = data
	}
	for i := 0; i < 8; i++ {
		assert.Equal(t, block(byte(i)), got[uint64(100+i)])
	}
}

// TestFreeDeletesBlocks tests that FREE acks immediately and blocks below
// the bound are eventually deleted from the backend
func TestFreeDeletesBlocks(t *testing.T) {
	srv := startServer(t, 1)
	c := dial(t, srv)

	c.append(1, [][]byte{block(1), block(2), block(3)})
	c.free(2, 2)

	// Blocks 0 and 1 disappear; block 2 stays.
	require.Eventually(t, func() bool {
		_, status, err := kv.GetSync(srv.store, objmap.Name(0))
		if err != nil || status != kv.NotFound {
			return false
		}
		_, status, err = kv.GetSync(srv.store, objmap.Name(1))
		return err == nil && status == kv.NotFound
	}, 5*time.Second, 5*time.Millisecond)

	_, status, err := kv.GetSync(srv.store, objmap.Name(2))
	require.NoError(t, err)
	assert.Equal(t, kv.OK, status)

	// The freed blocks now read back as absent.
	_, present := c.get(3, 0)
	assert.False(t, present)
}

// TestWrongBlockLenDropsConnection tests that an append with the wrong
// block length is a protocol violation
func TestWrongBlockLenDropsConnection(t *testing.T) {
	srv := startServer(t, 1)
	c := dial(t, srv)

	wrong := [][]byte{bytes.Repeat([]byte{1}, testBlockLen*2)}
	require.NoError(t, wire.WriteAppendRequest(c.conn, 1, testBlockLen*2, wrong))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := wire.ReadResponse(c.br)
	assert.Error(t, err)

	// The server accepts a fresh connection afterwards.
	c2 := dial(t, srv)
	_, nextblk := c2.params(1)
	assert.Equal(t, uint64(0), nextblk)
}

// TestMalformedFrameDropsConnection tests that undecodable input kills the
// connection without a response
func TestMalformedFrameDropsConnection(t *testing.T) {
	srv := startServer(t, 1)
	c := dial(t, srv)

	// A frame claiming an impossible length.
	_, err := c.conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = wire.ReadResponse(c.br)
	assert.Error(t, err)
}

// TestSequentialConnections tests that the dispatcher serves one client
// after another with state carried over
func TestSequentialConnections(t *testing.T) {
	srv := startServer(t, 1)

	c1 := dial(t, srv)
	next := c1.append(1, [][]byte{block(0xee)})
	require.NoError(t, c1.conn.Close())

	c2 := dial(t, srv)
	_, nextblk := c2.params(1)
	assert.Equal(t, next, nextblk)
	data, present := c2.get(2, 0)
	require.True(t, present)
	assert.Equal(t, block(0xee), data)
}

package memd

import (
	"bufio"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipedSession wires a Session to one end of an in-memory pipe and
// starts its read loop, handing the test the other end to act as a
// fake server. net.Pipe writes block until the peer reads, so tests
// must consume the server side before (or concurrently with)
// Dispatch.
func newPipedSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	s := &Session{
		cfg:     Config{},
		state:   StateReady,
		conn:    client,
		coll:    NewCollectionCache(),
		pending: make(map[uint32]Callback),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, server
}

// readRequestFrame consumes one request frame off the server side of
// the pipe and returns its header.
func readRequestFrame(r *bufio.Reader) (Header, error) {
	header := make([]byte, HeaderSize)
	if _, err := readFull(r, header); err != nil {
		return Header{}, err
	}
	h, err := DecodeHeader(header)
	if err != nil {
		return Header{}, err
	}
	body := make([]byte, h.BodyLen)
	if h.BodyLen > 0 {
		if _, err := readFull(r, body); err != nil {
			return Header{}, err
		}
	}
	return h, nil
}

func TestSession_DispatchCorrelatesByOpaque(t *testing.T) {
	s, server := newPipedSession(t)
	defer func() { _ = s.Close() }()

	// Act as the server: read the request frame, then write back a
	// response sharing the same opaque.
	go func() {
		r := bufio.NewReader(server)
		h, err := readRequestFrame(r)
		if err != nil {
			return
		}
		resp := Packet{Magic: MagicRes, Opcode: OpGet, Status: StatusSuccess, Opaque: h.Opaque, Value: []byte(`{"a":1}`)}
		buf, err := resp.Encode()
		if err != nil {
			return
		}
		_, _ = server.Write(buf)
	}()

	req := NewGet(CollectionKey{Key: []byte("foo")}, 0, 55)

	var mu sync.Mutex
	var gotPkt Packet
	var gotErr error
	done := make(chan struct{})

	require.NoError(t, s.Dispatch(req, func(p Packet, err error) {
		mu.Lock()
		gotPkt, gotErr = p, err
		mu.Unlock()
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, gotErr)
	assert.Equal(t, uint32(55), gotPkt.Opaque)
	assert.Equal(t, StatusSuccess, gotPkt.Status)
}

func TestSession_CloseCancelsPending(t *testing.T) {
	s, server := newPipedSession(t)
	defer func() { _ = server.Close() }()

	// Swallow the written frame so Dispatch's write completes; never
	// answer it.
	go func() { _, _ = io.Copy(io.Discard, server) }()

	done := make(chan error, 1)
	req := NewGet(CollectionKey{Key: []byte("foo")}, 0, 1)
	require.NoError(t, s.Dispatch(req, func(_ Packet, err error) {
		done <- err
	}))

	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending callback was not canceled on close")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSession_DrainWithNoPendingCompletesImmediately(t *testing.T) {
	s, server := newPipedSession(t)
	defer func() {
		_ = s.Close()
		_ = server.Close()
	}()

	select {
	case <-s.Drain():
	case <-time.After(time.Second):
		t.Fatal("empty session should drain immediately")
	}
	assert.Equal(t, StateDraining, s.State())
}

func TestSession_DrainWaitsForInFlightThenRejectsNew(t *testing.T) {
	s, server := newPipedSession(t)
	defer func() { _ = s.Close() }()

	// The server reads the frame, then holds its response until
	// released so the drain can be observed mid-flight.
	release := make(chan struct{})
	go func() {
		r := bufio.NewReader(server)
		h, err := readRequestFrame(r)
		if err != nil {
			return
		}
		<-release
		resp := Packet{Magic: MagicRes, Opcode: OpGet, Status: StatusSuccess, Opaque: h.Opaque}
		buf, err := resp.Encode()
		if err != nil {
			return
		}
		_, _ = server.Write(buf)
	}()

	done := make(chan struct{})
	req := NewGet(CollectionKey{Key: []byte("foo")}, 0, 21)
	require.NoError(t, s.Dispatch(req, func(Packet, error) {
		close(done)
	}))

	drained := s.Drain()
	select {
	case <-drained:
		t.Fatal("drain completed with a request still in flight")
	default:
	}
	assert.Equal(t, StateDraining, s.State())

	// New work is rejected while draining.
	err := s.Dispatch(NewGet(CollectionKey{Key: []byte("bar")}, 0, 22), func(Packet, error) {})
	assert.Error(t, err)

	// The in-flight response still completes, and with it the drain.
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight callback never fired")
	}
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete after the last response")
	}
}

func TestSession_CloseCompletesDrain(t *testing.T) {
	s, server := newPipedSession(t)
	defer func() { _ = server.Close() }()

	go func() { _, _ = io.Copy(io.Discard, server) }()

	req := NewGet(CollectionKey{Key: []byte("foo")}, 0, 31)
	require.NoError(t, s.Dispatch(req, func(Packet, error) {}))

	drained := s.Drain()
	require.NoError(t, s.Close())

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("close should complete an outstanding drain")
	}
}

func TestSession_CancelRemovesPending(t *testing.T) {
	s, server := newPipedSession(t)
	defer func() {
		_ = s.Close()
		_ = server.Close()
	}()

	go func() { _, _ = io.Copy(io.Discard, server) }()

	req := NewGet(CollectionKey{Key: []byte("foo")}, 0, 9)
	require.NoError(t, s.Dispatch(req, func(Packet, error) {}))

	cb, ok := s.Cancel(9)
	assert.True(t, ok)
	assert.NotNil(t, cb)

	_, ok = s.Cancel(9)
	assert.False(t, ok)
}

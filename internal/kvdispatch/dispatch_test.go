package kvdispatch

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbclient/gocbcore/internal/memd"
	"github.com/cbclient/gocbcore/internal/retry"
)

// fakeServer reads one request frame off conn and replies with resp,
// rewriting resp's opaque to match. It runs once per call, suitable
// for tests that dispatch exactly one op per attempt round.
func fakeServer(t *testing.T, conn net.Conn, status memd.Status, value []byte) {
	t.Helper()
	r := bufio.NewReader(conn)
	header := make([]byte, memd.HeaderSize)
	_, err := readFullFrame(r, header)
	require.NoError(t, err)
	h, err := memd.DecodeHeader(header)
	require.NoError(t, err)
	body := make([]byte, h.BodyLen)
	_, err = readFullFrame(r, body)
	require.NoError(t, err)

	resp := memd.Packet{Magic: memd.MagicRes, Opcode: h.Opcode, Status: status, Opaque: h.Opaque, Value: value}
	buf, err := resp.Encode()
	require.NoError(t, err)
	_, err = conn.Write(buf)
	require.NoError(t, err)
}

func readFullFrame(r *bufio.Reader, buf []byte) (int, error) {
	// Local copy of the session's readFull helper; unexported across
	// package boundaries, so the test keeps its own.
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func newTestSession(t *testing.T) (*memd.Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	fs := memd.NewFeatureSet([]memd.Feature{memd.FeatureCollections, memd.FeatureSnappy})
	s := memd.NewSessionForTesting(client, memd.StateReady, fs)
	return s, server
}

func TestExecute_SuccessOnFirstAttempt(t *testing.T) {
	session, server := newTestSession(t)
	defer func() { _ = session.Close() }()

	d := New(retry.NewBestEffortStrategy(), time.Second)

	go fakeServer(t, server, memd.StatusSuccess, []byte(`{"a":1}`))

	req := Request{
		Session: session,
		Build: func(collectionID uint32, opaque uint32) memd.Packet {
			return memd.NewGet(memd.CollectionKey{CollectionID: collectionID, Key: []byte("doc1")}, 0, opaque)
		},
		Service:       "kv",
		Bucket:        "default",
		OperationName: "get",
		Idempotent:    true,
		Timeout:       2 * time.Second,
	}

	resp, err := d.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, memd.StatusSuccess, resp.Status)
	assert.Equal(t, `{"a":1}`, string(resp.Value))
}

func TestExecute_RetriesTemporaryFailureThenSucceeds(t *testing.T) {
	session, server := newTestSession(t)
	defer func() { _ = session.Close() }()

	d := New(retry.NewBestEffortStrategy(), 2*time.Second)

	go func() {
		fakeServer(t, server, memd.StatusTemporaryFailure, nil)
		fakeServer(t, server, memd.StatusSuccess, []byte("ok"))
	}()

	req := Request{
		Session: session,
		Build: func(collectionID uint32, opaque uint32) memd.Packet {
			return memd.NewGet(memd.CollectionKey{CollectionID: collectionID, Key: []byte("doc1")}, 0, opaque)
		},
		Service:       "kv",
		Bucket:        "default",
		OperationName: "get",
		Idempotent:    true,
		Timeout:       2 * time.Second,
	}

	resp, err := d.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Value))
}

func TestExecute_FatalStatusSurfacesImmediately(t *testing.T) {
	session, server := newTestSession(t)
	defer func() { _ = session.Close() }()

	d := New(retry.NewBestEffortStrategy(), time.Second)

	go fakeServer(t, server, memd.StatusKeyNotFound, nil)

	req := Request{
		Session: session,
		Build: func(collectionID uint32, opaque uint32) memd.Packet {
			return memd.NewGet(memd.CollectionKey{CollectionID: collectionID, Key: []byte("missing")}, 0, opaque)
		},
		Service:       "kv",
		Bucket:        "default",
		OperationName: "get",
		Idempotent:    true,
		Timeout:       time.Second,
	}

	_, err := d.Execute(context.Background(), req)
	require.Error(t, err)
}

func TestExecute_NotMyVbucketIsRetried(t *testing.T) {
	session, server := newTestSession(t)
	defer func() { _ = session.Close() }()

	d := New(retry.NewBestEffortStrategy(), 2*time.Second)

	go func() {
		fakeServer(t, server, memd.StatusNotMyVbucket, nil)
		fakeServer(t, server, memd.StatusSuccess, []byte("ok"))
	}()

	req := Request{
		Session: session,
		Build: func(collectionID uint32, opaque uint32) memd.Packet {
			return memd.NewGet(memd.CollectionKey{CollectionID: collectionID, Key: []byte("doc1")}, 0, opaque)
		},
		Service:       "kv",
		Bucket:        "default",
		OperationName: "get",
		Idempotent:    true,
		Timeout:       2 * time.Second,
	}

	resp, err := d.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Value))
}

func TestDurabilityTimeoutMillis_FloorsAtMinimum(t *testing.T) {
	assert.Equal(t, uint16(1500), durabilityTimeoutMillis(100*time.Millisecond))
	assert.Equal(t, uint16(1800), durabilityTimeoutMillis(2*time.Second))
}

func TestEffectiveTimeout_FloorsDurableDeadline(t *testing.T) {
	// The deadline timer uses the same floored timeout as the wire
	// frame, so a durable write never runs under a sub-1500ms deadline.
	assert.Equal(t, 1500*time.Millisecond, effectiveTimeout(100*time.Millisecond, memd.DurabilityMajority))
	assert.Equal(t, 1500*time.Millisecond, effectiveTimeout(1500*time.Millisecond, memd.DurabilityMajority))
	assert.Equal(t, 2*time.Second, effectiveTimeout(2*time.Second, memd.DurabilityMajority))
	assert.Equal(t, 100*time.Millisecond, effectiveTimeout(100*time.Millisecond, memd.DurabilityNone))
}

func TestReasonForStatus_LockedRespectsUnlockException(t *testing.T) {
	assert.Equal(t, retry.ReasonKVLocked, reasonForStatus(memd.StatusLocked, nil, memd.OpGet))
	assert.Equal(t, retry.ReasonDoNotRetry, reasonForStatus(memd.StatusLocked, nil, memd.OpUnlock))
}

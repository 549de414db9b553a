package httpsession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbclient/gocbcore/internal/topology"
)

func newTestPool(t *testing.T, handler http.HandlerFunc) (*Pool, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	pool := NewPool(PoolConfig{
		Username:    "user",
		Password:    "pass",
		UserAgent:   "gocbcore-test/1.0",
		IdleTimeout: 50 * time.Millisecond,
		Nodes: func(svc topology.Service) []int {
			return []int{0}
		},
		Address: func(nodeIndex int, svc topology.Service, tls bool) (string, error) {
			return srv.URL, nil
		},
	})
	return pool, srv.Close
}

func TestPool_CheckOutCheckInReusesIdleSession(t *testing.T) {
	pool, stop := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer stop()

	s1, err := pool.CheckOut(topology.ServiceQuery)
	require.NoError(t, err)
	pool.CheckIn(topology.ServiceQuery, s1, true)

	s2, err := pool.CheckOut(topology.ServiceQuery)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestPool_CheckInDiscardsOnFailure(t *testing.T) {
	pool, stop := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer stop()

	s1, err := pool.CheckOut(topology.ServiceQuery)
	require.NoError(t, err)
	pool.CheckIn(topology.ServiceQuery, s1, false)

	s2, err := pool.CheckOut(topology.ServiceQuery)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, StateStopped, s1.State())
}

func TestPool_IdleSessionEvictedAfterTimeout(t *testing.T) {
	pool, stop := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer stop()

	s1, err := pool.CheckOut(topology.ServiceQuery)
	require.NoError(t, err)
	pool.CheckIn(topology.ServiceQuery, s1, true)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateStopped, s1.State())
}

func TestPool_ExecuteRunsRequestAgainstCheckedOutSession(t *testing.T) {
	pool, stop := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gocbcore-test/1.0", r.Header.Get("User-Agent"))
		_, _, ok := r.BasicAuth()
		assert.True(t, ok)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	defer stop()

	resp, err := pool.Execute(context.Background(), topology.ServiceQuery, Request{Method: http.MethodGet, Path: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(resp.Body))
}

func TestPool_PingReportsOkForReachableNode(t *testing.T) {
	pool, stop := newTestPool(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer stop()

	results := pool.Ping(context.Background(), []topology.Service{topology.ServiceQuery}, nil)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].State)
}

func TestPool_NoNodesReturnsServiceNotAvailable(t *testing.T) {
	pool := NewPool(PoolConfig{
		Nodes: func(svc topology.Service) []int { return nil },
	})
	_, err := pool.CheckOut(topology.ServiceSearch)
	require.Error(t, err)
}

//go:build integration

package memd_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cbclient/gocbcore/internal/memd"
)

const (
	integrationUser     = "Administrator"
	integrationPassword = "password"
	integrationBucket   = "default"
)

// serverHelper manages the database container for session integration
// tests, or connects to an externally provided node.
type serverHelper struct {
	container testcontainers.Container
	kvAddr    string
	mgmtAddr  string
}

func newServerHelper(t *testing.T) *serverHelper {
	t.Helper()
	ctx := context.Background()

	// Check if an external node is configured via environment.
	if addr := os.Getenv("GOCBCORE_TEST_KV_ADDR"); addr != "" {
		return &serverHelper{
			kvAddr:   addr,
			mgmtAddr: os.Getenv("GOCBCORE_TEST_MGMT_ADDR"),
		}
	}

	req := testcontainers.ContainerRequest{
		Image:        "couchbase:community-7.2.4",
		ExposedPorts: []string{"8091/tcp", "11210/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("8091/tcp"),
			wait.ForHTTP("/ui/index.html").
				WithPort("8091/tcp").
				WithStartupTimeout(3*time.Minute),
		),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mgmtPort, err := container.MappedPort(ctx, "8091")
	require.NoError(t, err)
	kvPort, err := container.MappedPort(ctx, "11210")
	require.NoError(t, err)

	h := &serverHelper{
		container: container,
		kvAddr:    fmt.Sprintf("%s:%s", host, kvPort.Port()),
		mgmtAddr:  fmt.Sprintf("%s:%s", host, mgmtPort.Port()),
	}
	h.initCluster(t)
	return h
}

// initCluster provisions the single node: services, credentials, and
// the test bucket.
func (h *serverHelper) initCluster(t *testing.T) {
	t.Helper()

	h.post(t, "/node/controller/setupServices", url.Values{
		"services": {"kv"},
	}, false)
	h.post(t, "/pools/default", url.Values{
		"memoryQuota": {"512"},
	}, false)
	h.post(t, "/settings/web", url.Values{
		"username": {integrationUser},
		"password": {integrationPassword},
		"port":     {"SAME"},
	}, false)
	h.post(t, "/pools/default/buckets", url.Values{
		"name":          {integrationBucket},
		"ramQuotaMB":    {"256"},
		"bucketType":    {"couchbase"},
		"replicaNumber": {"0"},
	}, true)

	// Bucket warmup: poll until the KV engine accepts a session.
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		s := memd.NewSession(memd.Config{
			Address:        h.kvAddr,
			ConnectTimeout: 5 * time.Second,
			ClientID:       "warmup-probe",
			Username:       integrationUser,
			Password:       integrationPassword,
			Mechanism:      memd.SASLScramSHA512,
			Bucket:         integrationBucket,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.Connect(ctx)
		cancel()
		_ = s.Close()
		if err == nil {
			return
		}
		time.Sleep(2 * time.Second)
	}
	t.Fatal("bucket never became ready")
}

func (h *serverHelper) post(t *testing.T, path string, form url.Values, authed bool) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost,
		"http://"+h.mgmtAddr+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if authed {
		req.SetBasicAuth(integrationUser, integrationPassword)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	// 200/202 succeed; 400 with "already" means a prior run provisioned it.
	if resp.StatusCode >= 300 && !strings.Contains(string(body), "already") {
		t.Fatalf("POST %s: %d %s", path, resp.StatusCode, body)
	}
}

func newReadySession(t *testing.T, h *serverHelper) *memd.Session {
	t.Helper()
	s := memd.NewSession(memd.Config{
		Address:        h.kvAddr,
		ConnectTimeout: 10 * time.Second,
		ClientID:       "integration-test",
		Username:       integrationUser,
		Password:       integrationPassword,
		Mechanism:      memd.SASLScramSHA512,
		Bucket:         integrationBucket,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func roundTrip(t *testing.T, s *memd.Session, pkt memd.Packet) memd.Packet {
	t.Helper()
	type result struct {
		pkt memd.Packet
		err error
	}
	ch := make(chan result, 1)
	require.NoError(t, s.Dispatch(pkt, func(p memd.Packet, err error) {
		ch <- result{p, err}
	}))
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.pkt
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for response")
		return memd.Packet{}
	}
}

func TestIntegration_SessionStartupAndRoundTrip(t *testing.T) {
	h := newServerHelper(t)
	s := newReadySession(t, h)

	assert.Equal(t, memd.StateReady, s.State())
	assert.True(t, s.Features().Has(memd.FeatureSelectBucket))

	key := memd.CollectionKey{Key: []byte("integration-doc")}
	doc := []byte(`{"kind":"integration"}`)

	up := roundTrip(t, s, memd.NewUpsert(key, doc, 0, 0, 0, 0, s.NextOpaque()))
	require.Equal(t, memd.StatusSuccess, up.Status)
	assert.NotZero(t, up.Cas)

	got := roundTrip(t, s, memd.NewGet(key, 0, s.NextOpaque()))
	require.Equal(t, memd.StatusSuccess, got.Status)
	assert.Equal(t, string(doc), string(got.Value))
	assert.Equal(t, up.Cas, got.Cas)

	rm := roundTrip(t, s, memd.NewRemove(key, 0, 0, s.NextOpaque()))
	require.Equal(t, memd.StatusSuccess, rm.Status)
}

func TestIntegration_ErrorMapDownloaded(t *testing.T) {
	h := newServerHelper(t)
	s := newReadySession(t, h)

	em := s.ErrorMap()
	require.NotNil(t, em)
	_, ok := em.Lookup(memd.StatusTemporaryFailure)
	assert.True(t, ok, "error map should describe temporary_failure")
}

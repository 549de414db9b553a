// Package gocbcore is the connection-management and request-dispatch
// core of a distributed document database client. It owns the cluster
// topology snapshot, one binary KV session per data node, a pool of
// keep-alive HTTP sessions for the query/search/analytics/views/
// management services, the prepared-statement cache, and the orphan
// and threshold reporters. User-facing CRUD and management surfaces
// sit on top of this package; they route every operation through an
// Agent.
package gocbcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cbclient/gocbcore/internal/httpsession"
	"github.com/cbclient/gocbcore/internal/kvdispatch"
	"github.com/cbclient/gocbcore/internal/logger"
	"github.com/cbclient/gocbcore/internal/memd"
	"github.com/cbclient/gocbcore/internal/preparedcache"
	"github.com/cbclient/gocbcore/internal/reporter"
	"github.com/cbclient/gocbcore/internal/retry"
	"github.com/cbclient/gocbcore/internal/sessionregistry"
	"github.com/cbclient/gocbcore/internal/telemetry"
	"github.com/cbclient/gocbcore/internal/topology"
	"github.com/cbclient/gocbcore/pkg/config"
	"github.com/cbclient/gocbcore/pkg/errs"
)

// kvEndpoint is one live KV session plus the registry slot that owns
// it. Endpoints are keyed by node address in Agent.kvSessions so a
// topology change that renumbers nodes does not orphan sessions.
type kvEndpoint struct {
	id      sessionregistry.ID
	gen     uint64
	localID string
	address string
	session *memd.Session

	mu         sync.Mutex
	lastActive time.Time
}

func (e *kvEndpoint) touch() {
	e.mu.Lock()
	e.lastActive = time.Now()
	e.mu.Unlock()
}

func (e *kvEndpoint) lastActiveTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActive
}

// Agent is the cluster facade: it bootstraps from the configured
// seeds, keeps one KV session per data node, routes KV requests by
// vbucket and HTTP requests by service, and adopts newer topology
// snapshots as sessions surface them.
type Agent struct {
	cfg      *config.Config
	clientID string

	dispatcher *kvdispatch.Dispatcher
	prepared   *preparedcache.Cache
	orphans    *reporter.OrphanReporter
	thresholds *reporter.ThresholdReporter
	registry   *sessionregistry.Registry
	httpPool   *httpsession.Pool

	telemetryShutdown func(context.Context) error

	mu            sync.RWMutex
	topo          *topology.Config
	network       string
	bucket        string
	bootstrapHost string
	kvSessions    map[string]*kvEndpoint // keyed by host:port
	bootstrapped  bool
	closed        bool
}

// Open bootstraps an Agent: seeds are tried in order until one KV
// session connects and delivers an initial topology snapshot, then
// sessions are opened to every remaining data node in parallel. Open
// returns once the snapshot is installed and at least one session is
// Ready.
func Open(ctx context.Context, cfg *config.Config) (*Agent, error) {
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:        cfg,
		clientID:   uuid.NewString(),
		prepared:   preparedcache.New(),
		registry:   sessionregistry.New(),
		kvSessions: make(map[string]*kvEndpoint),
		bucket:     cfg.Bucket,
		network:    cfg.Network,
	}
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:        true,
			ServiceName:    "gocbcore",
			ServiceVersion: "dev",
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRate:     cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		a.telemetryShutdown = shutdown
	}

	a.dispatcher = kvdispatch.New(retry.NewBestEffortStrategy(), cfg.Timeouts.KV)
	a.orphans = reporter.NewOrphanReporter(reporter.Options{
		SampleSize:   cfg.Reporting.OrphanSampleSize,
		EmitInterval: cfg.Reporting.OrphanEmitInterval,
	})
	a.thresholds = reporter.NewThresholdReporter(reporter.ThresholdOptions{
		Default: reporter.Options{
			SampleSize:   cfg.Reporting.ThresholdSampleSize,
			EmitInterval: cfg.Reporting.ThresholdEmitInterval,
		},
		Thresholds: cfg.Reporting.Thresholds,
	})

	var lastErr error
	for _, seed := range cfg.Seeds {
		host, _, err := net.SplitHostPort(seed)
		if err != nil {
			lastErr = errs.New(errs.ErrInvalidArgument)
			continue
		}
		a.mu.Lock()
		a.bootstrapHost = host
		a.mu.Unlock()

		ep, err := a.openKVSession(ctx, seed)
		if err != nil {
			logger.Warn("seed bootstrap failed",
				logger.RemoteSocket(seed), logger.Error(err))
			lastErr = err
			continue
		}

		a.mu.Lock()
		installed := a.topo != nil
		if installed {
			a.kvSessions[seed] = ep
		}
		a.mu.Unlock()

		if !installed {
			// Connected but never produced a usable snapshot.
			_ = a.registry.Release(ep.id, ep.gen)
			lastErr = fmt.Errorf("gocbcore: seed %s delivered no configuration", seed)
			continue
		}
		break
	}

	a.mu.RLock()
	ready := a.topo != nil
	a.mu.RUnlock()
	if !ready {
		a.shutdownReporters()
		if lastErr == nil {
			lastErr = errs.New(errs.ErrServiceNotAvailable)
		}
		return nil, fmt.Errorf("gocbcore: bootstrap failed: %w", lastErr)
	}

	a.initHTTPPool()
	if err := a.reconcile(ctx); err != nil {
		logger.Warn("session fan-out incomplete", logger.Error(err))
	}

	a.mu.Lock()
	a.bootstrapped = true
	a.mu.Unlock()
	return a, nil
}

// openKVSession builds, registers, and connects one session to
// address for the currently selected bucket.
func (a *Agent) openKVSession(ctx context.Context, address string) (*kvEndpoint, error) {
	a.mu.RLock()
	bucket := a.bucket
	a.mu.RUnlock()

	var tlsCfg *tls.Config
	if a.cfg.Security.UseTLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s := memd.NewSession(memd.Config{
		Address:        address,
		TLSConfig:      tlsCfg,
		ConnectTimeout: a.cfg.Timeouts.Connect,
		ClientID:       a.clientID,
		Username:       a.cfg.Username,
		Password:       a.cfg.Password,
		Mechanism:      memd.SASLMechanism(a.cfg.Security.SASLMechanism),
		Bucket:         bucket,
		ConfigHandler:  a.onConfig,
	})
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	id, gen := a.registry.Register(s)
	return &kvEndpoint{
		id:      id,
		gen:     gen,
		localID: uuid.NewString(),
		address: address,
		session: s,
	}, nil
}

// onConfig is handed to every session; it fires for the bootstrap
// GET_CLUSTER_CONFIG and for snapshots embedded in not_my_vbucket
// responses.
func (a *Agent) onConfig(raw []byte) {
	a.mu.RLock()
	network := a.network
	a.mu.RUnlock()

	parsed, err := topology.Parse(raw, network)
	if err != nil {
		logger.Warn("discarding unparseable cluster configuration", logger.Error(err))
		return
	}

	a.mu.Lock()
	adopted := false
	switch {
	case a.closed:
	case a.topo == nil:
		if a.network == "" {
			a.network = topology.SelectNetwork(parsed.Nodes, a.bootstrapHost)
		}
		parsed.Network = a.network
		a.topo = &parsed
		adopted = true
	case parsed.Supersedes(*a.topo):
		parsed.Network = a.network
		a.topo = &parsed
		adopted = true
	}
	reconcileNow := adopted && a.bootstrapped
	a.mu.Unlock()

	if !adopted {
		return
	}

	logger.Info("adopted cluster configuration",
		"epoch", parsed.Epoch, "rev", parsed.Revision)
	a.prepared.Clear()
	if reconcileNow {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeouts.Connect)
			defer cancel()
			if err := a.reconcile(ctx); err != nil {
				logger.Warn("session reconciliation incomplete", logger.Error(err))
			}
		}()
	}
}

// kvAddress resolves node's KV address under the snapshot's network.
func (a *Agent) kvAddress(snap *topology.Config, node topology.Node) (string, bool) {
	port := topology.Port(node, snap.Network, topology.ServiceKV, a.cfg.Security.UseTLS)
	if port == 0 {
		return "", false
	}
	return net.JoinHostPort(topology.Hostname(node, snap.Network), strconv.Itoa(int(port))), true
}

// reconcile brings the KV session set in line with the current
// snapshot: a session per node hosting KV, none to nodes that left.
func (a *Agent) reconcile(ctx context.Context) error {
	a.mu.RLock()
	snap := a.topo
	a.mu.RUnlock()
	if snap == nil {
		return nil
	}

	wanted := make(map[string]struct{})
	var missing []string
	for _, node := range snap.Nodes {
		addr, ok := a.kvAddress(snap, node)
		if !ok {
			continue
		}
		wanted[addr] = struct{}{}

		a.mu.RLock()
		ep, have := a.kvSessions[addr]
		a.mu.RUnlock()
		if !have || ep.session.State() == memd.StateDisconnected {
			missing = append(missing, addr)
		}
	}

	// Sessions to nodes no longer in the map stop taking new work
	// immediately but are only closed once their in-flight responses
	// have arrived (or their operations' deadlines have passed).
	a.mu.Lock()
	var stale []*kvEndpoint
	for addr, ep := range a.kvSessions {
		if _, ok := wanted[addr]; !ok {
			stale = append(stale, ep)
			delete(a.kvSessions, addr)
		}
	}
	a.mu.Unlock()
	for _, ep := range stale {
		go a.drainAndRelease(ep)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range missing {
		g.Go(func() error {
			ep, err := a.openKVSession(gctx, addr)
			if err != nil {
				return fmt.Errorf("gocbcore: session to %s: %w", addr, err)
			}
			a.mu.Lock()
			if a.closed {
				a.mu.Unlock()
				_ = a.registry.Release(ep.id, ep.gen)
				return nil
			}
			if prev, ok := a.kvSessions[addr]; ok {
				_ = a.registry.Release(prev.id, prev.gen)
			}
			a.kvSessions[addr] = ep
			a.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// drainAndRelease transitions a removed node's session to Draining
// and releases it once its pending table is empty. Pending entries
// are removed as responses arrive or as each operation's deadline
// cancels them, so the drain normally completes on its own; the
// default KV timeout bounds the wait as a safety net.
func (a *Agent) drainAndRelease(ep *kvEndpoint) {
	select {
	case <-ep.session.Drain():
	case <-time.After(a.cfg.Timeouts.KV):
		logger.Warn("draining session timed out, forcing close",
			logger.RemoteSocket(ep.address))
	}
	_ = a.registry.Release(ep.id, ep.gen)
}

func (a *Agent) initHTTPPool() {
	a.httpPool = httpsession.NewPool(httpsession.PoolConfig{
		Username:    a.cfg.Username,
		Password:    a.cfg.Password,
		UserAgent:   a.userAgent(),
		IdleTimeout: a.cfg.Timeouts.HTTPIdle,
		TLS:         a.cfg.Security.UseTLS,
		Nodes: func(svc topology.Service) []int {
			a.mu.RLock()
			defer a.mu.RUnlock()
			if a.topo == nil {
				return nil
			}
			return a.topo.NodesForService(svc, a.cfg.Security.UseTLS)
		},
		Address: func(nodeIndex int, svc topology.Service, useTLS bool) (string, error) {
			a.mu.RLock()
			defer a.mu.RUnlock()
			if a.topo == nil || nodeIndex < 0 || nodeIndex >= len(a.topo.Nodes) {
				return "", errs.New(errs.ErrServiceNotAvailable)
			}
			node := a.topo.Nodes[nodeIndex]
			port := topology.Port(node, a.topo.Network, svc, useTLS)
			if port == 0 {
				return "", errs.New(errs.ErrServiceNotAvailable)
			}
			scheme := "http"
			if useTLS {
				scheme = "https"
			}
			return fmt.Sprintf("%s://%s", scheme,
				net.JoinHostPort(topology.Hostname(node, a.topo.Network), strconv.Itoa(int(port)))), nil
		},
	})
}

func (a *Agent) userAgent() string {
	return a.cfg.UserAgent + " (client/" + a.clientID + ")"
}

// OpenBucket selects name on every session, re-selecting on sessions
// that were bootstrapped without a bucket. Later sessions opened by
// reconciliation inherit the bucket automatically.
func (a *Agent) OpenBucket(ctx context.Context, name string) error {
	if name == "" {
		return errs.New(errs.ErrInvalidArgument)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errs.New(errs.ErrRequestCanceled)
	}
	a.bucket = name
	eps := make([]*kvEndpoint, 0, len(a.kvSessions))
	for _, ep := range a.kvSessions {
		eps = append(eps, ep)
	}
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range eps {
		g.Go(func() error {
			return ep.session.SelectBucket(gctx, name)
		})
	}
	return g.Wait()
}

// Close tears the agent down: every pending KV callback fires with
// request_canceled, HTTP sessions stop, and both reporters run a
// final flush. Safe to call more than once.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.kvSessions = make(map[string]*kvEndpoint)
	a.mu.Unlock()

	err := a.registry.CloseAll()
	if a.httpPool != nil {
		a.httpPool.Close()
	}
	a.shutdownReporters()
	if a.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.telemetryShutdown(ctx)
	}
	return err
}

func (a *Agent) shutdownReporters() {
	if a.orphans != nil {
		a.orphans.Close()
	}
	if a.thresholds != nil {
		a.thresholds.Close()
	}
}

// snapshot returns the current topology, or an error when the agent
// is closed or not yet bootstrapped.
func (a *Agent) snapshot() (*topology.Config, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, errs.New(errs.ErrRequestCanceled)
	}
	if a.topo == nil {
		return nil, errs.New(errs.ErrServiceNotAvailable)
	}
	return a.topo, nil
}

// endpointForNode resolves the session for a topology node index.
func (a *Agent) endpointForNode(snap *topology.Config, nodeIndex int) (*kvEndpoint, error) {
	if nodeIndex < 0 || nodeIndex >= len(snap.Nodes) {
		return nil, errs.New(errs.ErrServiceNotAvailable)
	}
	addr, ok := a.kvAddress(snap, snap.Nodes[nodeIndex])
	if !ok {
		return nil, errs.New(errs.ErrServiceNotAvailable)
	}
	a.mu.RLock()
	ep, have := a.kvSessions[addr]
	a.mu.RUnlock()
	if !have {
		return nil, errs.New(errs.ErrServiceNotAvailable)
	}
	return ep, nil
}

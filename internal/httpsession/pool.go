package httpsession

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/cbclient/gocbcore/internal/topology"
	"github.com/cbclient/gocbcore/pkg/errs"
)

// AddressResolver returns the base URL (scheme://host:port) for
// reaching nodeIndex for svc, or an error if that node does not offer
// the service. Supplied by the cluster facade, which owns the
// topology snapshot.
type AddressResolver func(nodeIndex int, svc topology.Service, tls bool) (string, error)

// NodeLister returns the topology node indexes currently advertising
// svc. Supplied by the cluster facade.
type NodeLister func(svc topology.Service) []int

// PoolConfig configures a Pool shared across all HTTP services.
type PoolConfig struct {
	Username    string
	Password    string
	UserAgent   string
	IdleTimeout time.Duration
	TLS         bool
	Nodes       NodeLister
	Address     AddressResolver
}

type serviceLists struct {
	idle []*Session
	busy map[string]*Session
}

func newServiceLists() *serviceLists {
	return &serviceLists{busy: make(map[string]*Session)}
}

// Pool is the per-cluster pool of HTTP sessions: one idle/busy list
// per service, sessions checked out round-robin from a randomized
// starting index among nodes offering that service, and returned to
// idle with an idle-timeout eviction timer.
type Pool struct {
	cfg PoolConfig

	mu    sync.Mutex
	lists map[topology.Service]*serviceLists
}

// NewPool builds an empty Pool. Sessions are created lazily on first
// CheckOut for each service.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		cfg:   cfg,
		lists: make(map[topology.Service]*serviceLists),
	}
}

func (p *Pool) listFor(svc topology.Service) *serviceLists {
	lst, ok := p.lists[svc]
	if !ok {
		lst = newServiceLists()
		p.lists[svc] = lst
	}
	return lst
}

// CheckOut returns an idle session for svc if one is available,
// otherwise opens a new one against a node chosen round-robin from a
// randomized starting index among the nodes currently offering svc.
func (p *Pool) CheckOut(svc topology.Service) (*Session, error) {
	p.mu.Lock()
	lst := p.listFor(svc)
	if n := len(lst.idle); n > 0 {
		s := lst.idle[n-1]
		lst.idle = lst.idle[:n-1]
		s.stopIdleTimer()
		lst.busy[s.ID()] = s
		p.mu.Unlock()
		s.setState(StateBusy)
		return s, nil
	}
	p.mu.Unlock()

	nodes := p.cfg.Nodes(svc)
	if len(nodes) == 0 {
		return nil, errs.New(errs.ErrServiceNotAvailable).WithReason(fmt.Sprintf("no nodes offer %s", svc))
	}

	start := rand.IntN(len(nodes))
	var lastErr error
	for i := 0; i < len(nodes); i++ {
		idx := nodes[(start+i)%len(nodes)]
		baseURL, err := p.cfg.Address(idx, svc, p.cfg.TLS)
		if err != nil {
			lastErr = err
			continue
		}
		s := NewSession(Config{
			Service:   svc,
			NodeIndex: idx,
			BaseURL:   baseURL,
			Username:  p.cfg.Username,
			Password:  p.cfg.Password,
			UserAgent: p.cfg.UserAgent,
		})
		p.mu.Lock()
		p.listFor(svc).busy[s.ID()] = s
		p.mu.Unlock()
		return s, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errs.New(errs.ErrServiceNotAvailable)
}

// CheckIn returns s to the idle list for svc, arming its idle-timeout
// eviction timer, unless keepAlive is false or the session has
// already stopped, in which case it is closed immediately.
func (p *Pool) CheckIn(svc topology.Service, s *Session, keepAlive bool) {
	p.mu.Lock()
	lst := p.listFor(svc)
	delete(lst.busy, s.ID())
	p.mu.Unlock()

	if !keepAlive || s.State() == StateStopped {
		s.Stop()
		return
	}

	s.setState(StateIdle)
	p.mu.Lock()
	p.listFor(svc).idle = append(p.listFor(svc).idle, s)
	p.mu.Unlock()
	s.armIdleTimer(p.cfg.IdleTimeout, func() { p.evict(svc, s) })
}

func (p *Pool) evict(svc topology.Service, s *Session) {
	p.mu.Lock()
	lst := p.listFor(svc)
	for i, e := range lst.idle {
		if e == s {
			lst.idle = append(lst.idle[:i], lst.idle[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	s.Stop()
}

// SessionInfo is one pooled session's diagnostic snapshot.
type SessionInfo struct {
	Service   topology.Service
	ID        string
	NodeIndex int
	State     State
	Remote    string
}

// Snapshot reports every session the pool currently holds, for
// diagnostics.
func (p *Pool) Snapshot() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []SessionInfo
	for svc, lst := range p.lists {
		for _, s := range lst.idle {
			out = append(out, SessionInfo{Service: svc, ID: s.ID(), NodeIndex: s.NodeIndex(), State: s.State(), Remote: s.BaseURL()})
		}
		for _, s := range lst.busy {
			out = append(out, SessionInfo{Service: svc, ID: s.ID(), NodeIndex: s.NodeIndex(), State: s.State(), Remote: s.BaseURL()})
		}
	}
	return out
}

// Close stops every session the pool currently holds, idle or busy.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, lst := range p.lists {
		for _, s := range lst.idle {
			s.Stop()
		}
		for _, s := range lst.busy {
			s.Stop()
		}
	}
}

// Execute checks a session out of svc, runs req against it, and
// checks it back in (keeping it alive on success, discarding it on a
// transport-level failure so a bad node isn't reused).
func (p *Pool) Execute(ctx context.Context, svc topology.Service, req Request) (*Response, error) {
	s, err := p.CheckOut(svc)
	if err != nil {
		return nil, err
	}
	resp, err := s.Do(ctx, req)
	p.CheckIn(svc, s, err == nil)
	return resp, err
}

// EndpointPingInfo is one node's result from a Ping sweep.
type EndpointPingInfo struct {
	Service       topology.Service
	Remote        string
	State         string // "ok", "error", "timeout"
	LatencyMicros int64
	Error         string
}

// Ping dispatches a lightweight no-op request to every node offering
// any of services, for diagnostics reporting. It does not use the
// pool's idle list: each probe opens and immediately discards its own
// session so a slow or wedged node can't starve real traffic.
func (p *Pool) Ping(ctx context.Context, services []topology.Service, pingPath func(topology.Service) string) []EndpointPingInfo {
	var results []EndpointPingInfo
	for _, svc := range services {
		path := "/"
		if pingPath != nil {
			path = pingPath(svc)
		}
		for _, idx := range p.cfg.Nodes(svc) {
			baseURL, err := p.cfg.Address(idx, svc, p.cfg.TLS)
			if err != nil {
				continue
			}
			results = append(results, p.pingOne(ctx, svc, baseURL, path))
		}
	}
	return results
}

func (p *Pool) pingOne(ctx context.Context, svc topology.Service, baseURL, path string) EndpointPingInfo {
	s := NewSession(Config{
		Service:   svc,
		BaseURL:   baseURL,
		Username:  p.cfg.Username,
		Password:  p.cfg.Password,
		UserAgent: p.cfg.UserAgent,
	})
	defer s.Stop()

	start := time.Now()
	_, err := s.Do(ctx, Request{Method: http.MethodGet, Path: path})
	info := EndpointPingInfo{Service: svc, Remote: baseURL}
	switch {
	case err == nil:
		info.State = "ok"
		info.LatencyMicros = time.Since(start).Microseconds()
	case ctx.Err() == context.DeadlineExceeded:
		info.State = "timeout"
	default:
		info.State = "error"
		info.Error = err.Error()
	}
	return info
}

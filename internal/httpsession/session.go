// Package httpsession implements the per-service keep-alive HTTP
// session and pool used by the non-KV services: one persistent
// HTTP/1.1 connection per node per service, checked out of an
// idle/busy pool, with round-robin node selection and idle-timeout
// eviction.
package httpsession

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cbclient/gocbcore/internal/topology"
	"github.com/cbclient/gocbcore/pkg/errs"
)

// State is one state of the HTTP session lifecycle.
// Resolve/connect/TLS-handshake happen lazily on the first request
// through net/http's own transport, so only the pool-relevant states
// are modeled explicitly here.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateStopped
)

// RowConsumer streams a chunk of a row-based response body (query,
// search, analytics, views). Returning an error aborts the read.
type RowConsumer func(chunk []byte) error

// Config configures one session's target and credentials.
type Config struct {
	Service   topology.Service
	NodeIndex int
	BaseURL   string // scheme://host:port, no trailing slash
	Username  string
	Password  string
	UserAgent string
}

// Request describes one HTTP operation dispatched over a session.
type Request struct {
	Method      string
	Path        string
	Header      http.Header
	Body        io.Reader
	RowConsumer RowConsumer // optional; when set, Response.Body is empty
}

// Response is the result of a completed, non-streamed request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Session is one keep-alive HTTP/1.1 connection to one node for one
// service. It maintains one in-flight request at a time.
type Session struct {
	cfg    Config
	id     string
	client *http.Client

	mu        sync.Mutex
	state     State
	idleTimer *time.Timer
}

// NewSession builds a Session whose underlying transport permits at
// most one connection to cfg.BaseURL, matching the "one in-flight
// request at a time" session model.
func NewSession(cfg Config) *Session {
	transport := &http.Transport{
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     0, // lifetime managed by the pool's idle timer, not the transport
	}
	return &Session{
		cfg:    cfg,
		id:     uuid.NewString(),
		client: &http.Client{Transport: transport},
		state:  StateBusy,
	}
}

// ID returns the session's unique id, used as the pool's idle/busy
// list key and as the span's local_id attribute.
func (s *Session) ID() string { return s.id }

// Service returns the service type this session was opened for.
func (s *Session) Service() topology.Service { return s.cfg.Service }

// NodeIndex returns the topology node index this session is connected
// to.
func (s *Session) NodeIndex() int { return s.cfg.NodeIndex }

// BaseURL returns the endpoint this session dials.
func (s *Session) BaseURL() string { return s.cfg.BaseURL }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Stop closes the session's idle transport and marks it Stopped. Any
// in-flight request already holds its own *http.Request and is
// unaffected until its context is canceled by the caller.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.state = StateStopped
	s.mu.Unlock()
	s.client.CloseIdleConnections()
}

// armIdleTimer schedules onExpire after d, canceling any previously
// armed timer first. Called by the pool when a session is checked in.
func (s *Session) armIdleTimer(d time.Duration, onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if d <= 0 {
		return
	}
	s.idleTimer = time.AfterFunc(d, onExpire)
}

func (s *Session) stopIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// basicAuth builds the Authorization header value injected on every
// request.
func basicAuth(username, password string) string {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token
}

// Do dispatches req and returns its response. A socket closed (or
// never opened) while a request is in flight is reported as
// ambiguous_timeout, since the request may have reached the server.
func (s *Session) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, s.cfg.BaseURL+req.Path, req.Body)
	if err != nil {
		return nil, errs.New(errs.ErrInvalidArgument)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}
	httpReq.Header.Set("User-Agent", s.cfg.UserAgent)
	httpReq.Header.Set("Authorization", basicAuth(s.cfg.Username, s.cfg.Password))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.ErrAmbiguousTimeout)
	}
	defer func() { _ = resp.Body.Close() }()

	if req.RowConsumer != nil {
		if err := streamRows(resp.Body, req.RowConsumer); err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.ErrAmbiguousTimeout)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// streamRows reads r in chunks, invoking consumer for each non-empty
// read, until EOF or an error. Used by query/search/analytics/views
// callers that want rows as they arrive rather than buffered whole.
func streamRows(r io.Reader, consumer RowConsumer) error {
	br := bufio.NewReaderSize(r, 32*1024)
	buf := make([]byte, 32*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if cErr := consumer(buf[:n]); cErr != nil {
				return cErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.New(errs.ErrAmbiguousTimeout)
		}
	}
}

package memd

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cbclient/gocbcore/pkg/bufpool"
	"github.com/cbclient/gocbcore/pkg/errs"
)

// State is one state of the KV session state machine. Ready accepts
// user frames; every other state queues or fails them.
type State int

const (
	StateDisconnected State = iota
	StateResolving
	StateConnecting
	StateHelloSent
	StateAuthInProgress
	StateSelected
	StateReady
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHelloSent:
		return "hello_sent"
	case StateAuthInProgress:
		return "auth_in_progress"
	case StateSelected:
		return "selected"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once when a dispatched request's
// response arrives, the session closes, or the request is otherwise
// abandoned.
type Callback func(Packet, error)

// Config configures a single node connection.
type Config struct {
	Address        string
	TLSConfig      *tls.Config // nil for a plaintext connection
	ConnectTimeout time.Duration
	ClientID       string

	Username  string
	Password  string
	Mechanism SASLMechanism

	Bucket string // empty until SelectBucket is called

	// ConfigHandler is invoked whenever the session receives a fresh
	// cluster-map payload, whether from GET_CLUSTER_CONFIG at startup
	// or embedded in a not_my_vbucket response.
	ConfigHandler func(configJSON []byte)
}

// Session is one TCP (optionally TLS) connection to one node's KV
// port, dedicated to one bucket once SELECT_BUCKET has run.
type Session struct {
	cfg Config

	mu    sync.RWMutex
	state State
	conn  net.Conn

	localAddr  string
	remoteAddr string

	opaques  OpaqueAllocator
	features FeatureSet
	errorMap *ErrorMap
	coll     *CollectionCache

	pendMu    sync.Mutex
	pending   map[uint32]Callback
	drained   chan struct{} // created by Drain, closed when pending empties
	drainDone bool

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession creates a session in the Disconnected state. Call
// Connect to run the startup sequence.
func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Session{
		cfg:     cfg,
		state:   StateDisconnected,
		coll:    NewCollectionCache(),
		pending: make(map[uint32]Callback),
		done:    make(chan struct{}),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Features returns the feature set negotiated at HELLO. Frozen once
// the session reaches Ready.
func (s *Session) Features() FeatureSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.features
}

// Collections returns the session's collection-id cache.
func (s *Session) Collections() *CollectionCache {
	return s.coll
}

// ErrorMap returns the server error map downloaded after HELLO, or nil
// if the download has not completed.
func (s *Session) ErrorMap() *ErrorMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorMap
}

// NextOpaque allocates the next opaque value for a request dispatched
// on this session. Exposed so the dispatcher can build requests that
// need a fresh opaque outside the startup sequence (e.g. a
// GET_COLLECTION_ID issued mid-operation).
func (s *Session) NextOpaque() uint32 {
	return s.opaques.Next()
}

// LocalAddr/RemoteAddr return the socket pair established at connect
// time, used for span tags.
func (s *Session) LocalAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localAddr
}

func (s *Session) RemoteAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteAddr
}

// Connect runs the startup sequence: resolve, connect, HELLO, SASL,
// SELECT_BUCKET (if a bucket is configured), and an initial
// GET_CLUSTER_CONFIG, leaving the session Ready.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateResolving)

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	var conn net.Conn
	var err error

	s.setState(StateConnecting)
	if s.cfg.TLSConfig != nil {
		conn, err = tls.DialWithDialer(&dialer, "tcp", s.cfg.Address, s.cfg.TLSConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Address)
	}
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("memd: connecting to %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.localAddr = conn.LocalAddr().String()
	s.remoteAddr = conn.RemoteAddr().String()
	s.mu.Unlock()

	go s.readLoop()

	if err := s.hello(ctx); err != nil {
		_ = s.Close()
		return err
	}
	if err := s.authenticate(ctx); err != nil {
		_ = s.Close()
		return err
	}
	if s.cfg.Bucket != "" {
		if err := s.SelectBucket(ctx, s.cfg.Bucket); err != nil {
			_ = s.Close()
			return err
		}
	}
	if err := s.fetchInitialConfig(ctx); err != nil {
		_ = s.Close()
		return err
	}

	s.setState(StateReady)
	return nil
}

func (s *Session) hello(ctx context.Context) error {
	s.setState(StateHelloSent)

	req := NewHello(s.cfg.ClientID, DefaultClientFeatures, s.opaques.Next())
	resp, err := s.roundTrip(ctx, req)
	if err != nil {
		return fmt.Errorf("memd: HELLO: %w", err)
	}
	if resp.Status != StatusSuccess {
		return fmt.Errorf("memd: HELLO rejected: status %s", resp.Status)
	}

	offered := NewFeatureSet(DefaultClientFeatures)
	negotiated := DecodeHelloFeatures(resp.Value)
	effective := make([]Feature, 0, len(negotiated))
	for _, f := range negotiated {
		if offered.Has(f) {
			effective = append(effective, f)
		}
	}

	s.mu.Lock()
	s.features = NewFeatureSet(effective)
	s.mu.Unlock()

	// Error map download is best effort; a session without one still
	// works, it just can't upgrade unknown statuses to retries.
	emReq := NewGetErrorMap(2, s.opaques.Next())
	emResp, err := s.roundTrip(ctx, emReq)
	if err == nil && emResp.Status == StatusSuccess {
		if em, parseErr := ParseErrorMap(emResp.Value); parseErr == nil {
			s.mu.Lock()
			s.errorMap = em
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *Session) authenticate(ctx context.Context) error {
	s.setState(StateAuthInProgress)

	if s.cfg.Username == "" {
		return nil
	}

	if s.cfg.Mechanism == SASLPlain {
		req := Packet{Opcode: OpSASLAuth, Opaque: s.opaques.Next(), Key: []byte(SASLPlain), Value: EncodePlainAuth(s.cfg.Username, s.cfg.Password)}
		resp, err := s.roundTrip(ctx, req)
		if err != nil {
			return fmt.Errorf("memd: SASL PLAIN: %w", err)
		}
		if resp.Status != StatusSuccess {
			return errs.New(errs.ErrAuthenticationFailure)
		}
		return nil
	}

	mechanism := s.cfg.Mechanism
	if mechanism == "" {
		mechanism = SASLScramSHA512
	}
	client, err := NewScramClient(mechanism, s.cfg.Username, s.cfg.Password)
	if err != nil {
		return err
	}

	authReq := Packet{Opcode: OpSASLAuth, Opaque: s.opaques.Next(), Key: []byte(mechanism), Value: client.Step1()}
	resp, err := s.roundTrip(ctx, authReq)
	if err != nil {
		return fmt.Errorf("memd: SASL_AUTH: %w", err)
	}
	if resp.Status != StatusAuthContinue {
		return errs.New(errs.ErrAuthenticationFailure)
	}

	finalMsg, err := client.Step2(resp.Value)
	if err != nil {
		return fmt.Errorf("memd: SASL step2: %w", err)
	}

	stepReq := Packet{Opcode: OpSASLStep, Opaque: s.opaques.Next(), Key: []byte(mechanism), Value: finalMsg}
	stepResp, err := s.roundTrip(ctx, stepReq)
	if err != nil {
		return fmt.Errorf("memd: SASL_STEP: %w", err)
	}
	if stepResp.Status != StatusSuccess {
		return errs.New(errs.ErrAuthenticationFailure)
	}

	return client.Step3(stepResp.Value)
}

// SelectBucket selects bucket for the remainder of this session's
// lifetime.
func (s *Session) SelectBucket(ctx context.Context, bucket string) error {
	s.setState(StateSelected)
	req := NewSelectBucket(bucket, s.opaques.Next())
	resp, err := s.roundTrip(ctx, req)
	if err != nil {
		return fmt.Errorf("memd: SELECT_BUCKET: %w", err)
	}
	if resp.Status == StatusNoBucket {
		return errs.New(errs.ErrBucketNotFound)
	}
	if resp.Status != StatusSuccess {
		return fmt.Errorf("memd: SELECT_BUCKET rejected: status %s", resp.Status)
	}
	s.mu.Lock()
	s.cfg.Bucket = bucket
	s.mu.Unlock()
	return nil
}

func (s *Session) fetchInitialConfig(ctx context.Context) error {
	req := NewGetClusterConfig(s.opaques.Next())
	resp, err := s.roundTrip(ctx, req)
	if err != nil {
		return fmt.Errorf("memd: GET_CLUSTER_CONFIG: %w", err)
	}
	if resp.Status != StatusSuccess {
		return fmt.Errorf("memd: GET_CLUSTER_CONFIG rejected: status %s", resp.Status)
	}
	if s.cfg.ConfigHandler != nil {
		s.cfg.ConfigHandler(resp.Value)
	}
	return nil
}

// roundTrip is a synchronous helper for the startup sequence only; it
// is not used once the session is Ready, where all dispatch is
// asynchronous via Dispatch.
func (s *Session) roundTrip(ctx context.Context, req Packet) (Packet, error) {
	respCh := make(chan struct {
		pkt Packet
		err error
	}, 1)
	if err := s.Dispatch(req, func(p Packet, err error) {
		respCh <- struct {
			pkt Packet
			err error
		}{p, err}
	}); err != nil {
		return Packet{}, err
	}

	select {
	case r := <-respCh:
		return r.pkt, r.err
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// Dispatch writes req to the wire and registers cb to fire when its
// response (correlated by req.Opaque) arrives. cb fires exactly once,
// either with the response or with an error.
func (s *Session) Dispatch(req Packet, cb Callback) error {
	s.mu.RLock()
	st := s.state
	features := s.features
	s.mu.RUnlock()

	if st == StateDisconnected || st == StateDraining {
		return errs.New(errs.ErrRequestCanceled)
	}

	if len(req.Value) > 0 {
		req.CompressValueIfWorthwhile(features.Has(FeatureSnappy))
	}

	s.pendMu.Lock()
	s.pending[req.Opaque] = cb
	s.pendMu.Unlock()

	buf, err := req.Encode()
	if err != nil {
		s.pendMu.Lock()
		delete(s.pending, req.Opaque)
		s.signalDrainedLocked()
		s.pendMu.Unlock()
		return err
	}
	defer bufpool.Put(buf)

	s.writeMu.Lock()
	_, writeErr := s.conn.Write(buf)
	s.writeMu.Unlock()

	if writeErr != nil {
		s.pendMu.Lock()
		delete(s.pending, req.Opaque)
		s.signalDrainedLocked()
		s.pendMu.Unlock()
		return fmt.Errorf("memd: write: %w", writeErr)
	}
	return nil
}

// Cancel removes opaque from the pending table without writing
// anything, used by the dispatcher's deadline timer to stop waiting
// on a response. Returns true if a callback was removed (and so must
// be invoked by the caller).
func (s *Session) Cancel(opaque uint32) (Callback, bool) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	cb, ok := s.pending[opaque]
	if ok {
		delete(s.pending, opaque)
		s.signalDrainedLocked()
	}
	return cb, ok
}

// Drain transitions the session to Draining: new dispatches are
// rejected while responses to already-written frames keep arriving.
// The returned channel closes once the pending table is empty, which
// may be immediately. Used when a topology change removes this
// session's node, so in-flight operations finish instead of being
// canceled.
func (s *Session) Drain() <-chan struct{} {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.state = StateDraining
	}
	s.mu.Unlock()

	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	s.signalDrainedLocked()
	return s.drained
}

// signalDrainedLocked closes the drain channel once the pending
// table is empty. Caller holds pendMu.
func (s *Session) signalDrainedLocked() {
	if s.drained != nil && !s.drainDone && len(s.pending) == 0 {
		close(s.drained)
		s.drainDone = true
	}
}

func (s *Session) readLoop() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	r := bufio.NewReaderSize(conn, 64*1024)
	header := make([]byte, HeaderSize)

	for {
		if _, err := readFull(r, header); err != nil {
			s.shutdown()
			return
		}
		h, err := DecodeHeader(header)
		if err != nil {
			s.shutdown()
			return
		}

		body := bufpool.Get(int(h.BodyLen))
		if h.BodyLen > 0 {
			if _, err := readFull(r, body); err != nil {
				bufpool.Put(body)
				s.shutdown()
				return
			}
		}

		frame := make([]byte, HeaderSize+len(body))
		copy(frame, header)
		copy(frame[HeaderSize:], body)
		bufpool.Put(body)

		pkt, err := Decode(frame)
		if err != nil {
			continue
		}
		_ = pkt.DecompressValue()

		if pkt.Status == StatusNotMyVbucket && len(pkt.Value) > 0 && s.cfg.ConfigHandler != nil {
			s.cfg.ConfigHandler(pkt.Value)
		}

		cb, ok := s.Cancel(pkt.Opaque)
		if ok && cb != nil {
			cb(pkt, nil)
		}
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
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

// Close cancels all pending callbacks with request_canceled, closes
// the socket, and transitions to Disconnected.
func (s *Session) Close() error {
	s.shutdown()
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.setState(StateDisconnected)
		close(s.done)

		s.pendMu.Lock()
		pending := s.pending
		s.pending = make(map[uint32]Callback)
		s.signalDrainedLocked()
		s.pendMu.Unlock()

		for _, cb := range pending {
			if cb != nil {
				cb(Packet{}, errs.New(errs.ErrRequestCanceled))
			}
		}
	})
}

// Done returns a channel closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

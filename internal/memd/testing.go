package memd

import "net"

// NewSessionForTesting builds a Session already wired to conn and in
// the given state, bypassing Connect's dial/handshake sequence. This
// is intended ONLY for unit tests in other packages (kvdispatch,
// httpsession) that need a live read loop without a real KV node.
func NewSessionForTesting(conn net.Conn, state State, features FeatureSet) *Session {
	s := &Session{
		state:    state,
		conn:     conn,
		coll:     NewCollectionCache(),
		features: features,
		pending:  make(map[uint32]Callback),
		done:     make(chan struct{}),
	}
	if conn != nil {
		s.localAddr = conn.LocalAddr().String()
		s.remoteAddr = conn.RemoteAddr().String()
		go s.readLoop()
	}
	return s
}

// SetErrorMapForTesting installs em as the session's error map,
// bypassing the HELLO-time download.
func (s *Session) SetErrorMapForTesting(em *ErrorMap) {
	s.mu.Lock()
	s.errorMap = em
	s.mu.Unlock()
}

package node

import (
	"context"
	"crypto/tls"
	"sync"

	"xray-control/internal/logstream"
	"xray-control/internal/xrayapi"

	"go.uber.org/atomic"
)

// session is the live state of one connected node. It is owned by the
// Manager and dropped on disconnect.
type session struct {
	nodeID      uint
	name        string
	coefficient float64
	apiPort     int
	address     string

	api       NodeAPI
	tlsConfig *tls.Config
	sessionID string
	version   string

	started atomic.Bool
	limited atomic.Bool

	logs      *logstream.Buffer
	logCancel context.CancelFunc

	mu    sync.RWMutex
	proxy xrayapi.API
}

func (s *session) proxyAPI() xrayapi.API {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxy
}

func (s *session) setProxy(p xrayapi.API) {
	s.mu.Lock()
	old := s.proxy
	s.proxy = p
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// live reports whether users and stats should flow through this session.
func (s *session) live() bool {
	return s.started.Load() && !s.limited.Load() && s.proxyAPI() != nil
}

func (s *session) close() {
	if s.logCancel != nil {
		s.logCancel()
	}
	s.setProxy(nil)
	s.api.Close()
	s.logs.Close()
}

// keyedMutex serializes operations per node id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id uint) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uint]*keyLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

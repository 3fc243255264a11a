// Package wsrelay streams batch progress to websocket clients. Each connection follows one
// batch and receives its report after every recorded result until the batch settles.
package wsrelay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/specflow/specflow/internal/batch"
)

// Manager upgrades HTTP requests and tracks the live sessions.
type Manager struct {
	upgrader  websocket.Upgrader
	sessions  map[string]*session
	sessMutex sync.RWMutex

	onConnected    func(id, batchID string)
	onDisconnected func(id string, err error)

	logDebugf func(string, ...any)
	logWarnf  func(string, ...any)
}

// Options configures a Manager instance.
type Options struct {
	OnConnected    func(id, batchID string)
	OnDisconnected func(id string, err error)
	LogDebugf      func(string, ...any)
	LogWarnf       func(string, ...any)
}

// NewManager builds a websocket relay manager with the supplied options.
func NewManager(opts Options) *Manager {
	mgr := &Manager{
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		onConnected:    opts.OnConnected,
		onDisconnected: opts.OnDisconnected,
		logDebugf:      opts.LogDebugf,
		logWarnf:       opts.LogWarnf,
	}
	if mgr.logDebugf == nil {
		mgr.logDebugf = func(string, ...any) {}
	}
	if mgr.logWarnf == nil {
		mgr.logWarnf = func(s string, args ...any) { fmt.Printf(s+"\n", args...) }
	}
	return mgr
}

// Serve upgrades the request and streams b until it settles or the client leaves. It
// returns once the session is registered.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, b *batch.Batch) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logWarnf("wsrelay: upgrade failed: %v", err)
		return
	}
	s := newSession(conn, m, randomSessionID())
	m.sessMutex.Lock()
	m.sessions[s.id] = s
	m.sessMutex.Unlock()
	if m.onConnected != nil {
		m.onConnected(s.id, b.ID())
	}

	go s.readLoop()
	go s.follow(b)
}

// Sessions returns the number of connected clients.
func (m *Manager) Sessions() int {
	m.sessMutex.RLock()
	defer m.sessMutex.RUnlock()
	return len(m.sessions)
}

// Stop gracefully closes all active websocket sessions.
func (m *Manager) Stop(_ context.Context) error {
	m.sessMutex.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*session)
	m.sessMutex.Unlock()

	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down", errors.New("wsrelay: manager stopped"))
	}
	return nil
}

func (m *Manager) handleSessionClosed(s *session, cause error) {
	m.sessMutex.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.sessMutex.Unlock()
	if m.onDisconnected != nil {
		m.onDisconnected(s.id, cause)
	}
}

func randomSessionID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("ws-%x", time.Now().UnixNano())
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return "ws-" + string(buf)
}

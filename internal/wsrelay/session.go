package wsrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/specflow/specflow/internal/batch"
)

const (
	readTimeout          = 60 * time.Second
	writeTimeout         = 10 * time.Second
	maxInboundMessageLen = 64 << 10 // 64 KiB
	heartbeatInterval    = 30 * time.Second
)

var (
	errClosed  = errors.New("websocket session closed")
	errSettled = errors.New("batch settled")
)

type session struct {
	conn       *websocket.Conn
	manager    *Manager
	id         string
	closed     chan struct{}
	closeOnce  sync.Once
	writeMutex sync.Mutex
}

func newSession(conn *websocket.Conn, mgr *Manager, id string) *session {
	s := &session{
		conn:    conn,
		manager: mgr,
		id:      id,
		closed:  make(chan struct{}),
	}
	conn.SetReadLimit(maxInboundMessageLen)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	s.startHeartbeat()
	return s
}

func (s *session) startHeartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.closed:
				return
			case <-ticker.C:
				s.writeMutex.Lock()
				err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
				s.writeMutex.Unlock()
				if err != nil {
					s.cleanup(err)
					return
				}
			}
		}
	}()
}

// readLoop answers client pings and notices disconnects.
func (s *session) readLoop() {
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.cleanup(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msg.Type == MessageTypePing {
			_ = s.send(Message{ID: msg.ID, Type: MessageTypePong})
		}
	}
}

// follow pushes a report after every change of b. The final report is sent as "done",
// then the connection is closed normally.
func (s *session) follow(b *batch.Batch) {
	for {
		changed := b.Changed()
		settled := b.Settled()
		msgType := MessageTypeReport
		if settled {
			msgType = MessageTypeDone
		}
		payload, err := reportPayload(b.Report())
		if err != nil {
			_ = s.send(Message{ID: b.ID(), Type: MessageTypeError, Payload: map[string]any{"error": err.Error()}})
			s.cleanup(err)
			return
		}
		if err = s.send(Message{ID: b.ID(), Type: msgType, Payload: payload}); err != nil {
			s.cleanup(err)
			return
		}
		if settled {
			s.closeWith(websocket.CloseNormalClosure, "batch settled", errSettled)
			return
		}
		select {
		case <-changed:
		case <-s.closed:
			return
		}
	}
}

func (s *session) send(msg Message) error {
	select {
	case <-s.closed:
		return errClosed
	default:
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

func (s *session) closeWith(code int, text string, cause error) {
	s.writeMutex.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeTimeout))
	s.writeMutex.Unlock()
	s.cleanup(cause)
}

func (s *session) cleanup(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		s.manager.logDebugf("wsrelay: session %s closed: %v", s.id, cause)
		s.manager.handleSessionClosed(s, cause)
	})
}

func reportPayload(report batch.Report) (map[string]any, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	var payload map[string]any
	if err = json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return payload, nil
}

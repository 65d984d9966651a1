package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/sketchroom/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type State int

const (
	StateConnected State = iota
	StateInRoom
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in-room"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one live socket. state and roomID belong to the read goroutine;
// Send may be called from any goroutine.
type Session struct {
	id      string
	gateway *Gateway
	conn    *websocket.Conn
	limiter *ratelimit.Limiter

	state  State
	roomID string

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	// held is non-nil while a join is waiting for history; live frames
	// queue here until the history has been sent.
	held [][]byte
}

func newSession(g *Gateway, conn *websocket.Conn) *Session {
	return &Session{
		id:      uuid.NewString(),
		gateway: g,
		conn:    conn,
		limiter: ratelimit.NewLimiter(g.config.MessagesPerSecond, g.config.MessageBurst),
		state:   StateConnected,
		send:    make(chan []byte, g.config.SendBuffer),
	}
}

func (s *Session) ID() string { return s.id }

// Send queues data without blocking. A session whose queue is full is a slow
// consumer: its queue is closed, which ends the write pump and the socket.
func (s *Session) Send(data []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed {
		return false
	}
	if s.held != nil {
		// one slot stays free for the history frame
		if len(s.held)+len(s.send)+1 >= cap(s.send) {
			s.drop()
			return false
		}
		s.held = append(s.held, data)
		return true
	}
	return s.push(data)
}

// push queues data on the socket. Caller holds sendMu.
func (s *Session) push(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		s.drop()
		return false
	}
}

func (s *Session) drop() {
	s.closed = true
	s.held = nil
	close(s.send)
	s.gateway.logger.Warn("dropping slow consumer", zap.String("session", s.id))
}

// hold buffers frames sent to s until release.
func (s *Session) hold() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed && s.held == nil {
		s.held = make([][]byte, 0, 16)
	}
}

// release queues first and then every frame held since hold.
func (s *Session) release(first []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	held := s.held
	s.held = nil
	if s.closed {
		return
	}
	if !s.push(first) {
		return
	}
	for _, data := range held {
		if !s.push(data) {
			return
		}
	}
}

func (s *Session) shutdown() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.held = nil
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// ServeWs upgrades the request and runs the session until the socket closes.
func ServeWs(g *Gateway, w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	s := newSession(g, conn)
	g.Connect(s)

	go s.writePump()
	go s.readPump()
}

func (s *Session) readPump() {
	defer func() {
		s.gateway.Disconnect(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(s.gateway.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.gateway.logger.Info("websocket closed unexpectedly",
					zap.String("session", s.id), zap.Error(err))
			}
			break
		}

		if !s.limiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				s.gateway.logger.Warn("rate limit exceeded, dropping frames",
					zap.String("session", s.id),
					zap.String("room", s.roomID),
					zap.Int("warnings", rateLimitWarnings))
			}
			continue
		}

		s.gateway.Handle(s, message)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

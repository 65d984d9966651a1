package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/sketchroom/internal/cursor"
	"github.com/manpreetbhatti/sketchroom/internal/errs"
	"github.com/manpreetbhatti/sketchroom/internal/protocol"
	"github.com/manpreetbhatti/sketchroom/internal/queue"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
	"go.uber.org/zap"
)

type Config struct {
	// StorageTimeout bounds the history load done on join.
	StorageTimeout    time.Duration
	SendBuffer        int
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		StorageTimeout:    5 * time.Second,
		SendBuffer:        256,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 100,
		MessageBurst:      200,
		AllowedOrigins:    []string{"*"},
	}
}

// Gateway runs the per-connection protocol. It validates inbound events and
// drives the registry, the stroke log and the cursor tracker.
type Gateway struct {
	config   Config
	registry *room.Registry
	store    *strokelog.Store
	writer   *queue.Writer
	tracker  *cursor.Tracker
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewGateway(
	config Config,
	registry *room.Registry,
	store *strokelog.Store,
	writer *queue.Writer,
	tracker *cursor.Tracker,
	logger *zap.Logger,
) *Gateway {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 1
	}
	g := &Gateway{
		config:   config,
		registry: registry,
		store:    store,
		writer:   writer,
		tracker:  tracker,
		logger:   logger,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Connect greets a new session with the id other participants will see.
func (g *Gateway) Connect(s *Session) {
	g.unicast(s, protocol.EventSession, protocol.SessionInfo{UserID: s.id})
	g.logger.Debug("session connected", zap.String("session", s.id))
}

// Disconnect is terminal. A session still in a room leaves it first.
func (g *Gateway) Disconnect(s *Session) {
	if s.state == StateDisconnected {
		return
	}
	if s.state == StateInRoom {
		g.leave(s)
	}
	s.state = StateDisconnected
	s.shutdown()
	g.logger.Debug("session disconnected", zap.String("session", s.id))
}

// Handle processes one inbound frame. Invalid events are answered with an
// error frame; the connection is kept.
func (g *Gateway) Handle(s *Session, raw []byte) {
	if s.state == StateDisconnected {
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		g.reject(s, "", err)
		return
	}

	switch msg.Event {
	case protocol.EventJoinRoom:
		err = g.handleJoin(s, msg)
	case protocol.EventLeaveRoom:
		err = g.handleLeave(s, msg)
	case protocol.EventDrawStart:
		err = g.handleDrawStart(s, msg)
	case protocol.EventDrawMove:
		err = g.handleDrawMove(s, msg)
	case protocol.EventDrawEnd:
		err = g.handleDrawEnd(s, msg)
	case protocol.EventClear:
		err = g.handleClear(s, msg)
	case protocol.EventCursorMove:
		err = g.handleCursorMove(s, msg)
	default:
		err = fmt.Errorf("%w: unknown event %q", errs.ErrInvalidEvent, msg.Event)
	}

	if err != nil {
		g.reject(s, msg.Event, err)
	}
}

func (g *Gateway) reject(s *Session, event protocol.EventName, err error) {
	if !errors.Is(err, errs.ErrInvalidEvent) {
		g.logger.Warn("event failed",
			zap.String("session", s.id),
			zap.String("event", string(event)),
			zap.Error(err))
		return
	}
	g.logger.Debug("rejected event",
		zap.String("session", s.id),
		zap.String("event", string(event)),
		zap.Error(err))
	g.unicast(s, protocol.EventError, protocol.ErrorInfo{Event: event, Message: err.Error()})
}

func (g *Gateway) unicast(s *Session, event protocol.EventName, data any) {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		g.logger.Error("failed to encode frame", zap.String("event", string(event)), zap.Error(err))
		return
	}
	s.Send(msg)
}

func (g *Gateway) broadcast(s *Session, event protocol.EventName, data any, includeSelf bool, commit func()) {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		g.logger.Error("failed to encode frame", zap.String("event", string(event)), zap.Error(err))
		return
	}
	var exclude room.Member = s
	if includeSelf {
		exclude = nil
	}
	g.registry.Broadcast(s.roomID, msg, exclude, commit)
}

// currentRoom checks that s may act on roomID. An empty roomID means the
// session's own room.
func (g *Gateway) currentRoom(s *Session, roomID string) error {
	if s.state != StateInRoom {
		return fmt.Errorf("%w: not in a room", errs.ErrInvalidEvent)
	}
	if roomID != "" && roomID != s.roomID {
		return fmt.Errorf("%w: not joined to room %q", errs.ErrInvalidEvent, roomID)
	}
	return nil
}

// persist queues a store write behind earlier writes for the room. Failures
// are logged; live fan-out never waits on them.
func (g *Gateway) persist(roomID, op string, fn func(ctx context.Context) error) {
	err := g.writer.Submit(roomID, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			g.logger.Warn("failed to persist event",
				zap.String("room", roomID),
				zap.String("op", op),
				zap.Error(err))
		}
		return nil
	})
	if err != nil {
		g.logger.Warn("failed to queue event",
			zap.String("room", roomID),
			zap.String("op", op),
			zap.Error(err))
	}
}

// queueHistory schedules creation and load of roomID behind every write
// already queued for it. It never waits on storage.
func (g *Gateway) queueHistory(ctx context.Context, roomID string) func() []strokelog.Event {
	var loaded []strokelog.Event
	done, err := g.writer.Enqueue(ctx, roomID, func(ctx context.Context) error {
		if _, err := g.store.CreateIfAbsent(ctx, roomID); err != nil {
			return err
		}
		events, err := g.store.Load(ctx, roomID)
		if err != nil {
			return err
		}
		loaded = events
		return nil
	})

	// The returned func waits for the load. Any failure degrades to an
	// empty history.
	return func() []strokelog.Event {
		if err == nil {
			select {
			case err = <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err != nil {
			g.logger.Warn("failed to load room history",
				zap.String("room", roomID),
				zap.Error(err))
			return []strokelog.Event{}
		}
		return loaded
	}
}

// handleJoin admits s with its frames held, so the room keeps drawing while
// the history loads. Writes accepted before the join are in the history;
// later ones are in the held frames.
func (g *Gateway) handleJoin(s *Session, msg *protocol.Message) error {
	var p protocol.RoomRef
	if err := msg.Bind(&p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	if s.state == StateInRoom && s.roomID != p.RoomID {
		g.leave(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.config.StorageTimeout)
	defer cancel()

	var wait func() []strokelog.Event
	g.registry.Join(p.RoomID, s, func() {
		s.hold()
		wait = g.queueHistory(ctx, p.RoomID)
	})
	s.roomID = p.RoomID
	s.state = StateInRoom

	history, err := protocol.Encode(protocol.EventLoadDrawing, wait())
	if err != nil {
		g.logger.Error("failed to encode frame", zap.String("event", string(protocol.EventLoadDrawing)), zap.Error(err))
		history, _ = protocol.Encode(protocol.EventLoadDrawing, []strokelog.Event{})
	}
	s.release(history)

	g.unicast(s, protocol.EventCursorSnapshot, g.tracker.Snapshot(p.RoomID))
	return nil
}

func (g *Gateway) handleLeave(s *Session, msg *protocol.Message) error {
	var p protocol.RoomRef
	if err := msg.Bind(&p); err != nil {
		return err
	}
	if err := g.currentRoom(s, p.RoomID); err != nil {
		return err
	}
	g.leave(s)
	return nil
}

func (g *Gateway) leave(s *Session) {
	roomID := s.roomID
	g.tracker.Remove(roomID, s.id)
	g.broadcast(s, protocol.EventCursorRemove, protocol.CursorRemove{UserID: s.id}, false, nil)
	g.registry.Leave(roomID, s)
	s.roomID = ""
	s.state = StateConnected
}

func (g *Gateway) handleDrawStart(s *Session, msg *protocol.Message) error {
	var p protocol.DrawStart
	if err := msg.Bind(&p); err != nil {
		return err
	}
	if err := g.currentRoom(s, p.RoomID); err != nil {
		return err
	}
	pt, err := p.Point()
	if err != nil {
		return err
	}
	g.broadcast(s, protocol.EventDrawStart, pt, false, nil)
	return nil
}

func (g *Gateway) handleDrawMove(s *Session, msg *protocol.Message) error {
	var p protocol.DrawMove
	if err := msg.Bind(&p); err != nil {
		return err
	}
	if err := g.currentRoom(s, p.RoomID); err != nil {
		return err
	}
	seg, err := p.Segment()
	if err != nil {
		return err
	}

	roomID := s.roomID
	g.broadcast(s, protocol.EventDrawMove, seg, false, func() {
		g.persist(roomID, "append", func(ctx context.Context) error {
			_, err := g.store.Append(ctx, roomID, strokelog.NewStroke(seg))
			return err
		})
	})
	return nil
}

func (g *Gateway) handleDrawEnd(s *Session, msg *protocol.Message) error {
	var p protocol.RoomRef
	if err := msg.Bind(&p); err != nil {
		return err
	}
	if err := g.currentRoom(s, p.RoomID); err != nil {
		return err
	}
	g.broadcast(s, protocol.EventDrawEnd, struct{}{}, false, nil)
	return nil
}

func (g *Gateway) handleClear(s *Session, msg *protocol.Message) error {
	var p protocol.RoomRef
	if err := msg.Bind(&p); err != nil {
		return err
	}
	if err := g.currentRoom(s, p.RoomID); err != nil {
		return err
	}

	roomID := s.roomID
	g.broadcast(s, protocol.EventClear, nil, true, func() {
		g.persist(roomID, "clear", func(ctx context.Context) error {
			return g.store.Clear(ctx, roomID)
		})
	})
	return nil
}

func (g *Gateway) handleCursorMove(s *Session, msg *protocol.Message) error {
	var p protocol.CursorMove
	if err := msg.Bind(&p); err != nil {
		return err
	}
	if err := g.currentRoom(s, p.RoomID); err != nil {
		return err
	}
	pt, err := p.Point()
	if err != nil {
		return err
	}

	// The client-supplied userId is ignored; participants are known by
	// their session id.
	g.tracker.Report(s.roomID, s.id, pt.X, pt.Y)
	g.broadcast(s, protocol.EventCursorUpdate, protocol.CursorUpdate{UserID: s.id, X: pt.X, Y: pt.Y}, false, nil)
	return nil
}

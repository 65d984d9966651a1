package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/cursor"
	"github.com/manpreetbhatti/sketchroom/internal/protocol"
	"github.com/manpreetbhatti/sketchroom/internal/queue"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	gateway  *Gateway
	registry *room.Registry
	store    *strokelog.Store
	writer   *queue.Writer
	tracker  *cursor.Tracker
}

func newTestEnv(t *testing.T, backend strokelog.Backend, cfg Config) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	store := strokelog.NewStore(backend)
	writer := queue.New(queue.Config{Shards: 2, QueueSize: 128, Timeout: time.Second}, logger)
	writer.Start()
	t.Cleanup(writer.Stop)

	tracker := cursor.New(cursor.DefaultConfig(), logger)
	registry := room.NewRegistry(logger)

	return &testEnv{
		gateway:  NewGateway(cfg, registry, store, writer, tracker, logger),
		registry: registry,
		store:    store,
		writer:   writer,
		tracker:  tracker,
	}
}

// connect creates a session with no socket behind it; frames queue on send.
func (e *testEnv) connect(t *testing.T) *Session {
	t.Helper()
	s := newSession(e.gateway, nil)
	e.gateway.Connect(s)
	frames := drain(t, s)
	require.Len(t, frames, 1)
	require.Equal(t, protocol.EventSession, frames[0].Event)
	return s
}

// flush waits until every queued write for roomID has run.
func (e *testEnv) flush(t *testing.T, roomID string) {
	t.Helper()
	require.NoError(t, e.writer.Do(context.Background(), roomID, func(context.Context) error { return nil }))
}

func send(t *testing.T, e *testEnv, s *Session, event protocol.EventName, data any) {
	t.Helper()
	b, err := protocol.Encode(event, data)
	require.NoError(t, err)
	e.gateway.Handle(s, b)
}

func drain(t *testing.T, s *Session) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for {
		select {
		case b, ok := <-s.send:
			if !ok {
				return out
			}
			msg, err := protocol.Decode(b)
			require.NoError(t, err)
			out = append(out, *msg)
		default:
			return out
		}
	}
}

func events(frames []protocol.Message) []protocol.EventName {
	names := make([]protocol.EventName, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	return names
}

func find(t *testing.T, frames []protocol.Message, event protocol.EventName) protocol.Message {
	t.Helper()
	for _, f := range frames {
		if f.Event == event {
			return f
		}
	}
	t.Fatalf("no %s frame in %v", event, events(frames))
	return protocol.Message{}
}

func decodeLog(t *testing.T, m protocol.Message) []strokelog.Event {
	t.Helper()
	var evs []strokelog.Event
	require.NoError(t, json.Unmarshal(m.Data, &evs))
	return evs
}

func userCount(t *testing.T, m protocol.Message) int {
	t.Helper()
	var n int
	require.NoError(t, json.Unmarshal(m.Data, &n))
	return n
}

func segmentPayload(roomID string) map[string]any {
	return map[string]any{
		"roomId": roomID, "x": 10, "y": 10, "lastX": 0, "lastY": 0, "color": "#000", "strokeWidth": 4,
	}
}

func TestConnectSendsSessionID(t *testing.T) {
	e := newTestEnv(t, strokelog.NewMemoryBackend(), DefaultConfig())
	s := newSession(e.gateway, nil)
	e.gateway.Connect(s)

	frames := drain(t, s)
	require.Len(t, frames, 1)
	var info protocol.SessionInfo
	require.NoError(t, json.Unmarshal(frames[0].Data, &info))
	assert.Equal(t, s.ID(), info.UserID)
	assert.Equal(t, StateConnected, s.state)
}

func TestJoinSequence(t *testing.T) {
	e := newTestEnv(t, strokelog.NewMemoryBackend(), DefaultConfig())
	a := e.connect(t)

	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "ABC123"})

	frames := drain(t, a)
	assert.Equal(t, []protocol.EventName{
		protocol.EventLoadDrawing,
		protocol.EventUserCount,
		protocol.EventCursorSnapshot,
	}, events(frames))
	assert.Empty(t, decodeLog(t, frames[0]))
	assert.Equal(t, 1, userCount(t, frames[1]))
	assert.JSONEq(t, `{}`, string(frames[2].Data))
	assert.Equal(t, StateInRoom, a.state)

	_, err := e.store.Room(context.Background(), "ABC123")
	assert.NoError(t, err, "join must create the durable room")
}

func TestDrawClearScenario(t *testing.T) {
	e := newTestEnv(t, strokelog.NewMemoryBackend(), DefaultConfig())
	a, b, c := e.connect(t), e.connect(t), e.connect(t)

	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "ABC123"})
	drain(t, a)

	send(t, e, a, protocol.EventDrawMove, segmentPayload("ABC123"))
	assert.Empty(t, drain(t, a), "sender does not receive its own stroke")

	send(t, e, b, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "ABC123"})
	bFrames := drain(t, b)
	history := decodeLog(t, find(t, bFrames, protocol.EventLoadDrawing))
	require.Len(t, history, 1)
	assert.Equal(t, strokelog.EventStroke, history[0].Type)
	assert.Equal(t, strokelog.Segment{X: 10, Y: 10, LastX: 0, LastY: 0, Color: "#000", StrokeWidth: 4}, *history[0].Data)
	assert.Equal(t, 2, userCount(t, find(t, bFrames, protocol.EventUserCount)))
	assert.Equal(t, 2, userCount(t, find(t, drain(t, a), protocol.EventUserCount)))

	send(t, e, a, protocol.EventClear, protocol.RoomRef{RoomID: "ABC123"})
	assert.Equal(t, []protocol.EventName{protocol.EventClear}, events(drain(t, a)))
	assert.Equal(t, []protocol.EventName{protocol.EventClear}, events(drain(t, b)))

	send(t, e, c, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "ABC123"})
	history = decodeLog(t, find(t, drain(t, c), protocol.EventLoadDrawing))
	require.Len(t, history, 1)
	assert.Equal(t, strokelog.EventClear, history[0].Type)
	assert.Nil(t, history[0].Data)
}

func TestDrawEventsReachOthersOnly(t *testing.T) {
	e := newTestEnv(t, strokelog.NewMemoryBackend(), DefaultConfig())
	a, b := e.connect(t), e.connect(t)
	outsider := e.connect(t)

	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	send(t, e, b, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	send(t, e, outsider, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "elsewhere"})
	drain(t, a)
	drain(t, b)
	drain(t, outsider)

	send(t, e, a, protocol.EventDrawStart, map[string]any{"roomId": "room", "x": 1, "y": 2})
	send(t, e, a, protocol.EventDrawMove, segmentPayload("room"))
	send(t, e, a, protocol.EventDrawEnd, map[string]any{"roomId": "room"})

	bFrames := drain(t, b)
	assert.Equal(t, []protocol.EventName{
		protocol.EventDrawStart, protocol.EventDrawMove, protocol.EventDrawEnd,
	}, events(bFrames))
	assert.JSONEq(t, `{"x":1,"y":2}`, string(bFrames[0].Data))
	assert.JSONEq(t, `{"x":10,"y":10,"lastX":0,"lastY":0,"color":"#000","strokeWidth":4}`, string(bFrames[1].Data))
	assert.JSONEq(t, `{}`, string(bFrames[2].Data))

	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, outsider))

	// only draw-move is persisted
	e.flush(t, "room")
	logged, err := e.store.Load(context.Background(), "room")
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}

func TestInvalidEventsKeepConnection(t *testing.T) {
	tests := []struct {
		name   string
		joined bool
		frame  string
	}{
		{name: "not json", frame: `garbage`},
		{name: "unknown event", joined: true, frame: `{"event":"paint"}`},
		{name: "draw before join", frame: `{"event":"draw-move","data":{"x":1,"y":1,"lastX":0,"lastY":0,"color":"#000","strokeWidth":1}}`},
		{name: "leave before join", frame: `{"event":"leave-room","data":{"roomId":"room"}}`},
		{name: "join without room", frame: `{"event":"join-room","data":{}}`},
		{name: "missing coordinate", joined: true, frame: `{"event":"draw-move","data":{"x":1,"lastX":0,"lastY":0,"color":"#000","strokeWidth":1}}`},
		{name: "wrong room", joined: true, frame: `{"event":"draw-end","data":{"roomId":"other"}}`},
		{name: "cursor without y", joined: true, frame: `{"event":"cursor-move","data":{"x":3}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, strokelog.NewMemoryBackend(), DefaultConfig())
			s, peer := e.connect(t), e.connect(t)
			send(t, e, peer, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
			if tt.joined {
				send(t, e, s, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
			}
			drain(t, s)
			drain(t, peer)
			before := s.state

			e.gateway.Handle(s, []byte(tt.frame))

			frames := drain(t, s)
			require.Len(t, frames, 1)
			assert.Equal(t, protocol.EventError, frames[0].Event)
			assert.Equal(t, before, s.state)
			assert.False(t, s.closed)
			assert.Empty(t, drain(t, peer), "rejected events are not broadcast")
		})
	}
}

func TestCursorFlow(t *testing.T) {
	e := newTestEnv(t, strokelog.NewMemoryBackend(), DefaultConfig())
	a, b, c := e.connect(t), e.connect(t), e.connect(t)

	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	send(t, e, b, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	drain(t, a)
	drain(t, b)

	send(t, e, b, protocol.EventCursorMove, map[string]any{"roomId": "room", "userId": "spoofed", "x": 5, "y": 6})
	assert.Empty(t, drain(t, b))

	var update protocol.CursorUpdate
	require.NoError(t, json.Unmarshal(find(t, drain(t, a), protocol.EventCursorUpdate).Data, &update))
	assert.Equal(t, protocol.CursorUpdate{UserID: b.ID(), X: 5, Y: 6}, update)

	send(t, e, c, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	var snapshot map[string]cursor.Position
	require.NoError(t, json.Unmarshal(find(t, drain(t, c), protocol.EventCursorSnapshot).Data, &snapshot))
	assert.Equal(t, map[string]cursor.Position{b.ID(): {X: 5, Y: 6}}, snapshot)
	drain(t, a)
	drain(t, b)

	send(t, e, b, protocol.EventLeaveRoom, protocol.RoomRef{RoomID: "room"})
	aFrames := drain(t, a)
	assert.Equal(t, []protocol.EventName{protocol.EventCursorRemove, protocol.EventUserCount}, events(aFrames))
	var removed protocol.CursorRemove
	require.NoError(t, json.Unmarshal(aFrames[0].Data, &removed))
	assert.Equal(t, b.ID(), removed.UserID)
	assert.Equal(t, 2, userCount(t, aFrames[1]))

	assert.Empty(t, e.tracker.Snapshot("room"))
	assert.Equal(t, StateConnected, b.state)
	// the leaver hears the new count too
	assert.Equal(t, 2, userCount(t, find(t, drain(t, b), protocol.EventUserCount)))
}

func TestSwitchingRoomsLeavesPrevious(t *testing.T) {
	e := newTestEnv(t, strokelog.NewMemoryBackend(), DefaultConfig())
	a, b := e.connect(t), e.connect(t)

	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "one"})
	send(t, e, b, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "one"})
	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "two"})

	assert.Equal(t, 1, e.registry.Occupancy("one"))
	assert.Equal(t, 1, e.registry.Occupancy("two"))
	assert.Equal(t, "two", a.roomID)
}

func TestDisconnectLeavesRoom(t *testing.T) {
	e := newTestEnv(t, strokelog.NewMemoryBackend(), DefaultConfig())
	a, b := e.connect(t), e.connect(t)

	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	send(t, e, b, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	drain(t, a)

	e.gateway.Disconnect(b)
	e.gateway.Disconnect(b)

	assert.Equal(t, StateDisconnected, b.state)
	assert.Equal(t, 1, e.registry.Occupancy("room"))
	assert.Equal(t, 1, userCount(t, find(t, drain(t, a), protocol.EventUserCount)))

	// a disconnected session ignores further frames
	send(t, e, b, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	assert.Equal(t, 1, e.registry.Occupancy("room"))
}

type downBackend struct{}

var errDown = errors.New("connection refused")

func (downBackend) CreateRoom(context.Context, string) (bool, error)         { return false, errDown }
func (downBackend) GetRoom(context.Context, string) (*strokelog.Room, error) { return nil, errDown }
func (downBackend) Append(context.Context, string, strokelog.Event) error    { return errDown }
func (downBackend) Replace(context.Context, string, []strokelog.Event) error { return errDown }
func (downBackend) Load(context.Context, string) ([]strokelog.Event, error)  { return nil, errDown }
func (downBackend) Close() error                                             { return nil }

func TestStorageOutageKeepsLiveDrawing(t *testing.T) {
	e := newTestEnv(t, downBackend{}, DefaultConfig())
	a, b := e.connect(t), e.connect(t)

	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	aFrames := drain(t, a)
	assert.Empty(t, decodeLog(t, find(t, aFrames, protocol.EventLoadDrawing)), "history degrades to empty")

	send(t, e, b, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	drain(t, a)
	drain(t, b)

	send(t, e, a, protocol.EventDrawMove, segmentPayload("room"))
	send(t, e, a, protocol.EventClear, protocol.RoomRef{RoomID: "room"})
	assert.Equal(t, []protocol.EventName{protocol.EventDrawMove, protocol.EventClear}, events(drain(t, b)))
}

// hangingBackend stalls Load until the caller gives up once hang is set.
type hangingBackend struct {
	*strokelog.MemoryBackend
	hang *atomic.Bool
}

func (b hangingBackend) Load(ctx context.Context, roomID string) ([]strokelog.Event, error) {
	if b.hang.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.MemoryBackend.Load(ctx, roomID)
}

func TestSlowHistoryLoadDoesNotStallRoom(t *testing.T) {
	backend := hangingBackend{MemoryBackend: strokelog.NewMemoryBackend(), hang: new(atomic.Bool)}
	cfg := DefaultConfig()
	cfg.StorageTimeout = 2 * time.Second
	e := newTestEnv(t, backend, cfg)
	a, b, c := e.connect(t), e.connect(t), e.connect(t)

	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	send(t, e, b, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	drain(t, a)
	drain(t, b)

	backend.hang.Store(true)
	join, err := protocol.Encode(protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	require.NoError(t, err)
	joined := make(chan struct{})
	go func() {
		e.gateway.Handle(c, join)
		close(joined)
	}()
	require.Eventually(t, func() bool { return e.registry.IsMember("room", c) }, time.Second, 5*time.Millisecond)

	start := time.Now()
	send(t, e, a, protocol.EventDrawMove, segmentPayload("room"))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "draw-move waited on the joiner's history load")

	bFrames := drain(t, b)
	assert.Equal(t, 3, userCount(t, find(t, bFrames, protocol.EventUserCount)))
	find(t, bFrames, protocol.EventDrawMove)
	assert.Empty(t, drain(t, c), "nothing reaches the joiner before its history")

	select {
	case <-joined:
	case <-time.After(5 * time.Second):
		t.Fatal("join never finished")
	}

	cFrames := drain(t, c)
	assert.Equal(t, []protocol.EventName{
		protocol.EventLoadDrawing,
		protocol.EventUserCount,
		protocol.EventDrawMove,
		protocol.EventCursorSnapshot,
	}, events(cFrames))
	assert.Empty(t, decodeLog(t, cFrames[0]), "history degrades to empty")
}

func TestSlowConsumerIsDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBuffer = 8
	e := newTestEnv(t, strokelog.NewMemoryBackend(), cfg)
	a, b := e.connect(t), e.connect(t)

	send(t, e, a, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	send(t, e, b, protocol.EventJoinRoom, protocol.RoomRef{RoomID: "room"})
	drain(t, a)

	// b never reads
	for i := 0; i < 20; i++ {
		send(t, e, a, protocol.EventDrawEnd, protocol.RoomRef{RoomID: "room"})
		drain(t, a)
	}

	b.sendMu.Lock()
	closed := b.closed
	b.sendMu.Unlock()
	assert.True(t, closed)
	assert.False(t, b.Send([]byte("late")))
}

func TestCheckOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"http://localhost:3000"}
	e := newTestEnv(t, strokelog.NewMemoryBackend(), cfg)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, e.gateway.checkOrigin(r), "origin %q", tt.origin)
	}
}

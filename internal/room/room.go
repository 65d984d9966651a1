package room

import (
	"sync"

	"github.com/manpreetbhatti/sketchroom/internal/protocol"
	"go.uber.org/zap"
)

// Member is a connected participant that can receive frames. Send must not
// block; it reports false when the frame could not be queued.
type Member interface {
	ID() string
	Send(data []byte) bool
}

// A live drawing room
type room struct {
	id      string
	mu      sync.RWMutex
	members map[Member]struct{}
	// closed is set once the room has been dropped from the registry; a
	// joiner holding a stale pointer must retry.
	closed bool
}

// Registry maps room ids to their connected members. It is the only source
// of occupancy. Each room has its own lock so rooms never contend.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		logger: logger,
	}
}

func (g *Registry) acquire(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[Member]struct{})}
		g.rooms[roomID] = r
	}
	return r
}

func (g *Registry) get(roomID string) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[roomID]
}

func (g *Registry) drop(r *room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[r.id] == r {
		delete(g.rooms, r.id)
	}
}

// Join adds m to roomID and returns the new occupancy. replay runs under the
// room's exclusive lock before m becomes visible to Broadcast, so anything m
// is sent by replay precedes every later broadcast. Broadcasts to the room
// wait while replay runs; it must not block on storage.
func (g *Registry) Join(roomID string, m Member, replay func()) int {
	for {
		r := g.acquire(roomID)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}

		if replay != nil {
			replay()
		}
		r.members[m] = struct{}{}
		count := len(r.members)
		g.announce(r, count, nil)
		r.mu.Unlock()

		g.logger.Info("member joined room",
			zap.String("room", roomID),
			zap.String("member", m.ID()),
			zap.Int("occupancy", count))
		return count
	}
}

// Leave removes m from roomID and returns the remaining occupancy. Leaving a
// room m is not in is a no-op.
func (g *Registry) Leave(roomID string, m Member) int {
	r := g.get(roomID)
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[m]; !ok {
		return len(r.members)
	}
	delete(r.members, m)
	count := len(r.members)
	g.announce(r, count, m)

	if count == 0 {
		r.closed = true
		g.drop(r)
		g.logger.Info("room closed (empty)", zap.String("room", roomID))
	} else {
		g.logger.Info("member left room",
			zap.String("room", roomID),
			zap.String("member", m.ID()),
			zap.Int("occupancy", count))
	}
	return count
}

// announce sends user-count to every member plus extra. Caller holds r.mu.
func (g *Registry) announce(r *room, count int, extra Member) {
	msg, err := protocol.Encode(protocol.EventUserCount, count)
	if err != nil {
		g.logger.Error("failed to encode user-count", zap.Error(err))
		return
	}
	for m := range r.members {
		m.Send(msg)
	}
	if extra != nil {
		extra.Send(msg)
	}
}

// Broadcast sends data to every member of roomID except exclude (nil for
// everyone) and returns how many members it was queued for. commit runs first
// while membership is held stable, ordering it against concurrent joins.
func (g *Registry) Broadcast(roomID string, data []byte, exclude Member, commit func()) int {
	r := g.get(roomID)
	if r == nil {
		if commit != nil {
			commit()
		}
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if commit != nil {
		commit()
	}
	sent := 0
	for m := range r.members {
		if m == exclude {
			continue
		}
		if m.Send(data) {
			sent++
		}
	}
	return sent
}

func (g *Registry) Occupancy(roomID string) int {
	r := g.get(roomID)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (g *Registry) IsMember(roomID string, m Member) bool {
	r := g.get(roomID)
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[m]
	return ok
}

func (g *Registry) snapshot() []*room {
	g.mu.Lock()
	defer g.mu.Unlock()
	rooms := make([]*room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// ActiveRooms returns the occupancy of every non-empty room.
func (g *Registry) ActiveRooms() map[string]int {
	out := make(map[string]int)
	for _, r := range g.snapshot() {
		r.mu.RLock()
		if n := len(r.members); n > 0 {
			out[r.id] = n
		}
		r.mu.RUnlock()
	}
	return out
}

func (g *Registry) RoomCount() int {
	return len(g.ActiveRooms())
}

func (g *Registry) ClientCount() int {
	total := 0
	for _, n := range g.ActiveRooms() {
		total += n
	}
	return total
}

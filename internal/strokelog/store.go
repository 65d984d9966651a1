package strokelog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/errs"
)

// Backend is the durable representation of room logs. Implementations
// return raw driver errors; Store classifies them.
type Backend interface {
	// CreateRoom is idempotent and reports whether the room was new.
	CreateRoom(ctx context.Context, roomID string) (bool, error)
	// GetRoom returns nil, nil when the room does not exist.
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	Append(ctx context.Context, roomID string, ev Event) error
	// Replace swaps the whole log in a single transaction.
	Replace(ctx context.Context, roomID string, events []Event) error
	// Load returns the log in insertion order.
	Load(ctx context.Context, roomID string) ([]Event, error)
	Close() error
}

type roomLog struct {
	mu      sync.Mutex
	lastSeq int64
}

// Store owns ordering and compaction of per-room stroke logs. All writes to
// a room are serialized on that room's lock; rooms never contend.
type Store struct {
	backend Backend
	now     func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomLog
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		now:     time.Now,
		rooms:   make(map[string]*roomLog),
	}
}

func (s *Store) lock(roomID string) *roomLog {
	s.mu.Lock()
	rl, ok := s.rooms[roomID]
	if !ok {
		rl = &roomLog{}
		s.rooms[roomID] = rl
	}
	s.mu.Unlock()

	rl.mu.Lock()
	return rl
}

// stamp assigns the next sequence number. Sequence numbers follow the
// microsecond clock so they stay ahead of logs written by earlier runs, and
// are bumped past the previous value when the clock is too coarse.
func (s *Store) stamp(rl *roomLog, ev *Event) {
	at := s.now()
	seq := at.UnixMicro()
	if seq <= rl.lastSeq {
		seq = rl.lastSeq + 1
	}
	rl.lastSeq = seq
	ev.Seq = seq
	ev.Timestamp = at
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", errs.ErrStorageUnavailable, op, err)
}

// CreateIfAbsent makes sure the room has a durable record.
func (s *Store) CreateIfAbsent(ctx context.Context, roomID string) (bool, error) {
	created, err := s.backend.CreateRoom(ctx, roomID)
	if err != nil {
		return false, unavailable("create room", err)
	}
	return created, nil
}

// Room looks up the durable room record.
func (s *Store) Room(ctx context.Context, roomID string) (*Room, error) {
	room, err := s.backend.GetRoom(ctx, roomID)
	if err != nil {
		return nil, unavailable("get room", err)
	}
	if room == nil {
		return nil, errs.ErrRoomNotFound
	}
	return room, nil
}

// Append records one stroke and returns its sequence number. Clears must go
// through Replace so the log is compacted.
func (s *Store) Append(ctx context.Context, roomID string, ev Event) (int64, error) {
	if ev.Type != EventStroke || ev.Data == nil {
		return 0, fmt.Errorf("%w: append accepts stroke events only", errs.ErrInvalidEvent)
	}

	rl := s.lock(roomID)
	defer rl.mu.Unlock()

	s.stamp(rl, &ev)
	if err := s.backend.Append(ctx, roomID, ev); err != nil {
		return ev.Seq, unavailable("append", err)
	}
	return ev.Seq, nil
}

// Replace swaps the room's whole log for events.
func (s *Store) Replace(ctx context.Context, roomID string, events []Event) error {
	rl := s.lock(roomID)
	defer rl.mu.Unlock()

	stamped := make([]Event, len(events))
	for i, ev := range events {
		s.stamp(rl, &ev)
		stamped[i] = ev
	}
	if err := s.backend.Replace(ctx, roomID, stamped); err != nil {
		return unavailable("replace", err)
	}
	return nil
}

// Clear compacts the room's log down to a single clear marker.
func (s *Store) Clear(ctx context.Context, roomID string) error {
	return s.Replace(ctx, roomID, []Event{NewClear()})
}

// Load returns the room's log ordered by sequence number.
func (s *Store) Load(ctx context.Context, roomID string) ([]Event, error) {
	rl := s.lock(roomID)
	defer rl.mu.Unlock()

	events, err := s.backend.Load(ctx, roomID)
	if err != nil {
		return nil, unavailable("load", err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Seq < events[j].Seq
	})
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

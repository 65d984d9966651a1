package strokelog

import (
	"context"
	"sync"
	"time"
)

type memoryRoom struct {
	info   Room
	events []Event
}

// MemoryBackend keeps logs in process memory. Nothing survives a restart.
type MemoryBackend struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rooms: make(map[string]*memoryRoom)}
}

func (m *MemoryBackend) room(roomID string) (*memoryRoom, bool) {
	r, ok := m.rooms[roomID]
	if !ok {
		now := time.Now().UTC()
		r = &memoryRoom{info: Room{ID: roomID, CreatedAt: now, LastActivity: now}}
		m.rooms[roomID] = r
	}
	return r, !ok
}

func (m *MemoryBackend) CreateRoom(_ context.Context, roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, created := m.room(roomID)
	return created, nil
}

func (m *MemoryBackend) GetRoom(_ context.Context, roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	info := r.info
	return &info, nil
}

func (m *MemoryBackend) Append(_ context.Context, roomID string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, _ := m.room(roomID)
	r.events = append(r.events, ev)
	r.info.LastActivity = time.Now().UTC()
	return nil
}

func (m *MemoryBackend) Replace(_ context.Context, roomID string, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, _ := m.room(roomID)
	r.events = append([]Event(nil), events...)
	r.info.LastActivity = time.Now().UTC()
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, roomID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return []Event{}, nil
	}
	events := make([]Event, len(r.events))
	copy(events, r.events)
	return events, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

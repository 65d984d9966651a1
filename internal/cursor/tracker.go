package cursor

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type entry struct {
	pos Position
	at  time.Time
}

type Config struct {
	// StaleAfter is how long a position stays visible without a new report.
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:    5 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Tracker holds the last pointer position of every participant, per room.
// Positions older than StaleAfter are treated as absent on read and are
// physically dropped by the periodic sweep.
type Tracker struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	rooms map[string]map[string]entry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(config Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		config: config,
		logger: logger,
		now:    time.Now,
		rooms:  make(map[string]map[string]entry),
		stop:   make(chan struct{}),
	}
}

func (t *Tracker) stale(e entry, now time.Time) bool {
	return now.Sub(e.at) > t.config.StaleAfter
}

// Report records sessionID's pointer in roomID, replacing any previous one.
func (t *Tracker) Report(roomID, sessionID string, x, y float64) {
	at := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]entry)
		t.rooms[roomID] = room
	}
	room[sessionID] = entry{pos: Position{X: x, Y: y}, at: at}
}

// Snapshot returns the fresh positions in roomID. The map is never nil.
func (t *Tracker) Snapshot(roomID string) map[string]Position {
	now := t.now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Position)
	for id, e := range t.rooms[roomID] {
		if !t.stale(e, now) {
			out[id] = e.pos
		}
	}
	return out
}

func (t *Tracker) Remove(roomID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
}

// Sweep drops stale entries and empty rooms, returning how many entries went.
func (t *Tracker) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for roomID, room := range t.rooms {
		for id, e := range room {
			if t.stale(e, now) {
				delete(room, id)
				evicted++
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	return evicted
}

func (t *Tracker) Start() {
	if t.config.SweepInterval <= 0 {
		return
	}
	t.wg.Add(1)
	go t.run()
	t.logger.Info("cursor sweep started",
		zap.Duration("interval", t.config.SweepInterval),
		zap.Duration("stale_after", t.config.StaleAfter))
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.Debug("evicted stale cursors", zap.Int("count", n))
			}
		}
	}
}

package strokelog

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventStroke EventType = "stroke"
	EventClear  EventType = "clear"
)

// Segment is one straight piece of a freehand path, drawn from
// (LastX, LastY) to (X, Y).
type Segment struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	LastX       float64 `json:"lastX"`
	LastY       float64 `json:"lastY"`
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"strokeWidth"`
}

// Scan and Value let a segment live in a jsonb column.
func (s *Segment) Scan(value interface{}) error {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("type assertion to []byte failed")
	}
	return json.Unmarshal(b, s)
}

func (s Segment) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Event is a persisted drawing event. Seq is assigned by the store and is
// strictly increasing within a room.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Data      *Segment  `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewStroke(seg Segment) Event {
	return Event{Type: EventStroke, Data: &seg}
}

func NewClear() Event {
	return Event{Type: EventClear}
}

// Room is the durable room record.
type Room struct {
	ID           string    `json:"roomId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

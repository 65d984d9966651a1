package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/manpreetbhatti/sketchroom/internal/errs"
	"github.com/manpreetbhatti/sketchroom/internal/strokelog"
)

// Event names are shared by both directions of the socket.
type EventName string

const (
	// client -> server
	EventJoinRoom   EventName = "join-room"
	EventLeaveRoom  EventName = "leave-room"
	EventDrawStart  EventName = "draw-start"
	EventDrawMove   EventName = "draw-move"
	EventDrawEnd    EventName = "draw-end"
	EventClear      EventName = "clear-canvas"
	EventCursorMove EventName = "cursor-move"

	// server -> client
	EventSession        EventName = "session"
	EventLoadDrawing    EventName = "load-drawing"
	EventUserCount      EventName = "user-count"
	EventCursorUpdate   EventName = "cursor-update"
	EventCursorSnapshot EventName = "cursor-snapshot"
	EventCursorRemove   EventName = "cursor-remove"
	EventError          EventName = "error"
)

const maxColorLength = 64

// Message is the envelope of every socket frame.
type Message struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads. Coordinates are pointers so a missing field can be told
// apart from zero.

type RoomRef struct {
	RoomID string `json:"roomId"`
}

type DrawStart struct {
	RoomID string   `json:"roomId"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
}

type DrawMove struct {
	RoomID      string   `json:"roomId"`
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
	LastX       *float64 `json:"lastX"`
	LastY       *float64 `json:"lastY"`
	Color       string   `json:"color"`
	StrokeWidth *float64 `json:"strokeWidth"`
}

type CursorMove struct {
	RoomID string   `json:"roomId"`
	UserID string   `json:"userId"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
}

// Outbound payloads.

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SessionInfo struct {
	UserID string `json:"userId"`
}

type CursorUpdate struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type CursorRemove struct {
	UserID string `json:"userId"`
}

type ErrorInfo struct {
	Event   EventName `json:"event,omitempty"`
	Message string    `json:"message"`
}

// Encode wraps data in an envelope. A nil data produces a frame without a
// data field.
func Encode(event EventName, data any) ([]byte, error) {
	msg := Message{Event: event}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = b
	}
	return json.Marshal(msg)
}

// Decode parses an envelope without looking at its payload.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: decode failed: %v", errs.ErrInvalidEvent, err)
	}
	if m.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", errs.ErrInvalidEvent)
	}
	return &m, nil
}

// Bind unmarshals the payload into v. An absent payload leaves v untouched.
func (m *Message) Bind(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", errs.ErrInvalidEvent, m.Event, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errs.ErrInvalidEvent}, args...)...)
}

func coordinate(name string, v *float64) (float64, error) {
	if v == nil {
		return 0, invalid("missing %s", name)
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, invalid("%s is not finite", name)
	}
	return *v, nil
}

func (p RoomRef) Validate() error {
	if p.RoomID == "" {
		return invalid("missing roomId")
	}
	return nil
}

// Point validates the draw-start position.
func (p DrawStart) Point() (Point, error) {
	x, err := coordinate("x", p.X)
	if err != nil {
		return Point{}, err
	}
	y, err := coordinate("y", p.Y)
	if err != nil {
		return Point{}, err
	}
	return Point{X: x, Y: y}, nil
}

// Segment validates the payload and converts it to a stored segment.
func (p DrawMove) Segment() (strokelog.Segment, error) {
	var s strokelog.Segment
	var err error
	if s.X, err = coordinate("x", p.X); err != nil {
		return s, err
	}
	if s.Y, err = coordinate("y", p.Y); err != nil {
		return s, err
	}
	if s.LastX, err = coordinate("lastX", p.LastX); err != nil {
		return s, err
	}
	if s.LastY, err = coordinate("lastY", p.LastY); err != nil {
		return s, err
	}
	if s.StrokeWidth, err = coordinate("strokeWidth", p.StrokeWidth); err != nil {
		return s, err
	}
	if s.StrokeWidth <= 0 {
		return s, invalid("strokeWidth must be positive")
	}
	if p.Color == "" || len(p.Color) > maxColorLength {
		return s, invalid("bad color %q", p.Color)
	}
	s.Color = p.Color
	return s, nil
}

// Point validates the cursor position.
func (p CursorMove) Point() (Point, error) {
	x, err := coordinate("x", p.X)
	if err != nil {
		return Point{}, err
	}
	y, err := coordinate("y", p.Y)
	if err != nil {
		return Point{}, err
	}
	return Point{X: x, Y: y}, nil
}

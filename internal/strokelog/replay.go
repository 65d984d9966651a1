package strokelog

// Visible replays events in order and returns the segments left on the
// canvas. A clear wipes everything before it.
func Visible(events []Event) []Segment {
	segments := make([]Segment, 0, len(events))
	for _, ev := range events {
		switch ev.Type {
		case EventClear:
			segments = segments[:0]
		case EventStroke:
			if ev.Data != nil {
				segments = append(segments, *ev.Data)
			}
		}
	}
	return segments
}

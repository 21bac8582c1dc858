package engine

import "sync"

type EventType int

const (
	EventOrderSubmit EventType = iota
	EventOrderFill
	EventOrderReject
	EventPositionUpdate
	EventEquityPoint
)

func (t EventType) String() string {
	switch t {
	case EventOrderSubmit:
		return "order_submit"
	case EventOrderFill:
		return "order_fill"
	case EventOrderReject:
		return "order_reject"
	case EventPositionUpdate:
		return "position_update"
	default:
		return "equity_point"
	}
}

func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

type Event struct {
	Ts      int64             `json:"ts"`
	Index   uint64            `json:"index"`
	Type    EventType         `json:"type"`
	Symbol  string            `json:"symbol"`
	Details map[string]string `json:"details,omitempty"`
}

// EventLog is an append-only execution journal. Safe for concurrent readers
// while a single run appends.
type EventLog struct {
	mu     sync.RWMutex
	events []Event
}

func (l *EventLog) Append(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events returns a snapshot of the log.
func (l *EventLog) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *EventLog) Count(t EventType) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

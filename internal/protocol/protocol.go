package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"trustgate.ai/internal/escrow"
)

const Version = "1.0"

// EventType is the closed set of lifecycle events sent to observers.
type EventType string

const (
	EventCreated         EventType = "created"
	EventResultSubmitted EventType = "result_submitted"
	EventJudging         EventType = "judging"
	EventResolved        EventType = "resolved"
	// EventSettled follows a resolved escrow whose settlement was later
	// confirmed by the reconciler.
	EventSettled EventType = "settled"
)

var knownEvents = map[EventType]escrow.Status{
	EventCreated:         escrow.StatusCreated,
	EventResultSubmitted: escrow.StatusResultSubmitted,
	EventJudging:         escrow.StatusJudging,
}

// Event is one lifecycle transition. Data is the record as it was at the
// moment of the transition.
type Event struct {
	Event     EventType     `json:"event"`
	Data      escrow.Escrow `json:"data"`
	Timestamp int64         `json:"timestamp"`
	Seq       uint64        `json:"seq,omitempty"`
}

func Created(e escrow.Escrow) Event         { return newEvent(EventCreated, e) }
func ResultSubmitted(e escrow.Escrow) Event { return newEvent(EventResultSubmitted, e) }
func Judging(e escrow.Escrow) Event         { return newEvent(EventJudging, e) }
func Resolved(e escrow.Escrow) Event        { return newEvent(EventResolved, e) }
func Settled(e escrow.Escrow) Event         { return newEvent(EventSettled, e) }

func newEvent(t EventType, e escrow.Escrow) Event {
	return Event{Event: t, Data: e.Clone(), Timestamp: time.Now().UnixMilli()}
}

// Check reports whether the snapshot is consistent with the event type.
func (ev Event) Check() error {
	switch ev.Event {
	case EventResolved, EventSettled:
		if !ev.Data.Status.Terminal() {
			return fmt.Errorf("protocol: %s event with status %s", ev.Event, ev.Data.Status)
		}
		if ev.Data.Verdict == nil || ev.Data.SettlementRef == "" || ev.Data.ResolvedAt == nil {
			return fmt.Errorf("protocol: %s event for escrow %d missing verdict or settlement", ev.Event, ev.Data.ID)
		}
		return nil
	}
	want, ok := knownEvents[ev.Event]
	if !ok {
		return fmt.Errorf("protocol: unknown event %q", ev.Event)
	}
	if ev.Data.Status != want {
		return fmt.Errorf("protocol: %s event with status %s", ev.Event, ev.Data.Status)
	}
	return nil
}

func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, err
	}
	return ev, ev.Check()
}

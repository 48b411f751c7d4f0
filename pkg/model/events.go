package model

import "time"

// MaxControllerEvents bounds the per-network online/offline log.
const MaxControllerEvents = 10

// ControllerEvent records a controller going online or offline.
type ControllerEvent struct {
	Time   time.Time `json:"time"`
	Online bool      `json:"online"`
}

// AppendControllerEvent adds ev and drops the oldest entries past the cap.
func AppendControllerEvent(events []ControllerEvent, ev ControllerEvent) []ControllerEvent {
	events = append(events, ev)
	if over := len(events) - MaxControllerEvents; over > 0 {
		events = append([]ControllerEvent(nil), events[over:]...)
	}
	return events
}

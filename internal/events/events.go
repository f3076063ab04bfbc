// Package events carries alignment state changes from the engine to any
// number of host subscribers.
package events

import (
	"fmt"
	"time"
)

// Type identifies an event kind
type Type string

const (
	TypeStatus       Type = "status"        // short status line
	TypeMessage      Type = "message"       // detail / progress text
	TypeFrame        Type = "frame"         // JPEG display frame
	TypeResult       Type = "result"        // one tool offset result
	TypeComplete     Type = "complete"      // calibration session finished
	TypeError        Type = "error"         // run aborted
	TypeMode         Type = "mode"          // engine mode changed
	TypeControlPoint Type = "control_point" // control point captured
	TypeCrosshair    Type = "crosshair"     // crosshair overlay toggled
)

// Event is one state change. Frame events carry their JPEG payload in
// Frame, which is never serialized to JSON.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	Frame   []byte    `json:"-"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// Status builds a status event.
func Status(format string, args ...any) Event {
	return Event{Type: TypeStatus, Time: time.Now(), Message: fmt.Sprintf(format, args...)}
}

// Message builds a message event.
func Message(format string, args ...any) Event {
	return Event{Type: TypeMessage, Time: time.Now(), Message: fmt.Sprintf(format, args...)}
}

// Error builds an error event from err.
func Error(err error) Event {
	return Event{Type: TypeError, Time: time.Now(), Message: err.Error()}
}

// WithData builds an event of type t carrying data.
func WithData(t Type, msg string, data any) Event {
	return Event{Type: t, Time: time.Now(), Message: msg, Data: data}
}

// Frame builds a frame event around an encoded image.
func Frame(jpeg []byte) Event {
	return Event{Type: TypeFrame, Time: time.Now(), Frame: jpeg}
}

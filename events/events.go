// Package events carries structured phase-transition events from the
// renewal core to a pluggable sink. Core packages never write to the
// console themselves; they emit named events with context fields and
// the process entry point decides where those go.
package events

import (
	"gitlab.com/z0mbie42/rz-go/v2"
	"gitlab.com/z0mbie42/rz-go/v2/log"
)

type Field struct {
	Key   string
	Value interface{}
}

// F builds a context field for Emit.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

type Emitter interface {
	Emit(event string, fields ...Field)
}

// LogEmitter forwards events to the process logger. The logger
// attaches the timestamp.
type LogEmitter struct{}

func (LogEmitter) Emit(
	event string,
	fields ...Field,
) {
	rzFields := make([]rz.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			rzFields = append(rzFields, rz.String(f.Key, v))
		case error:
			rzFields = append(rzFields, rz.Err(v))
		default:
			rzFields = append(rzFields, rz.Any(f.Key, v))
		}
	}
	log.Info(event, rzFields...)
}

// NopEmitter drops all events.
type NopEmitter struct{}

func (NopEmitter) Emit(string, ...Field) {}

type RecordedEvent struct {
	Event  string
	Fields []Field
}

// Recorder captures emitted events for test assertions.
type Recorder struct {
	Events []RecordedEvent
}

func (r *Recorder) Emit(
	event string,
	fields ...Field,
) {
	r.Events = append(r.Events, RecordedEvent{Event: event, Fields: fields})
}

// Names returns the emitted event names in order.
func (r *Recorder) Names() []string {
	names := make([]string, len(r.Events))
	for i, e := range r.Events {
		names[i] = e.Event
	}
	return names
}

// Field returns the value of the named field on the i'th recorded
// event, or nil.
func (r *Recorder) Field(i int, key string) interface{} {
	if i >= len(r.Events) {
		return nil
	}
	for _, f := range r.Events[i].Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

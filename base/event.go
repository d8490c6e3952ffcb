package base

import (
	"fmt"
	"time"
)

// Event represents one accepted unit of data, e.g. a log message received from a client
//
// The body is owned by the event and must not be modified after the event is enqueued
type Event struct {
	Timestamp time.Time         // time of acceptance
	Source    string            // remote address the event came from, may be empty
	Fields    map[string]string // optional metadata, may be nil
	Body      []byte            // payload
}

// Length returns the byte length of the event body
func (evt *Event) Length() int {
	return len(evt.Body)
}

func (evt *Event) String() string {
	return fmt.Sprintf("source=%s len=%d", evt.Source, len(evt.Body))
}

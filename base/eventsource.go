package base

import (
	"context"
)

// EventSource is a pull-based provider of events for exactly one consumer
//
// Next returns io.EOF once the source has been closed and there is nothing more to return
type EventSource interface {
	Open() error
	Next(ctx context.Context) (*Event, error)
	Close(ctx context.Context) error
	Report() Report
}

// EventCallback is invoked by an EventListener for every accepted event
//
// The callback may block, e.g. for backpressure. The given context is cancelled when the listener gives up on
// waiting for it.
type EventCallback func(ctx context.Context, evt *Event) error

// EventListener is an inbound network endpoint that translates incoming data into events and passes them to an
// EventCallback given at construction
//
// Close stops accepting new data and waits for pending callbacks. Callbacks still blocked when ctx is done are
// cancelled.
type EventListener interface {
	Start() error
	Close(ctx context.Context) error
}

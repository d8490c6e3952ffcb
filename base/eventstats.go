package base

import (
	"sync/atomic"
)

// Report attributes of EventStats
const (
	ReportEvents = "events"
	ReportBytes  = "bytes"
)

// EventStats tracks the numbers and total bytes of events passed through a source or sink
//
// EventStats is safe for concurrent use
type EventStats struct {
	events atomic.Int64
	bytes  atomic.Int64
}

// Update accounts for one processed event
func (stats *EventStats) Update(evt *Event) {
	stats.events.Add(1)
	stats.bytes.Add(int64(evt.Length()))
}

// AddToReport writes the stats into the given report
func (stats *EventStats) AddToReport(report *Report) {
	report.SetLong(ReportEvents, stats.events.Load())
	report.SetLong(ReportBytes, stats.bytes.Load())
}

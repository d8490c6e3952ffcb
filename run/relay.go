package run

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
)

// ReportFailedEvents is the report attribute of events dropped by Relay
//
// Relayed events are counted as base.ReportEvents and base.ReportBytes
const ReportFailedEvents = "failedEvents"

// DataWriter sends encoded payloads to upstream, e.g. transceiver.Transceiver
//
// A writer may shed payloads under backpressure without returning error. Such payloads count as relayed here and
// are only visible in the writer's own counters.
type DataWriter interface {
	WriteData(ctx context.Context, data []byte) error
}

// EventEncoder turns events into payloads, e.g. forward.Encoder
type EventEncoder interface {
	Encode(events ...*base.Event) ([]byte, error)
}

// Relay pulls events from a source and passes them to upstream one by one
//
// Events which cannot be encoded or sent are dropped and counted as failures.
type Relay struct {
	logger  logger.Logger
	source  base.EventSource
	encoder EventEncoder
	writer  DataWriter
	stats   base.EventStats
	failed  atomic.Int64
}

// NewRelay creates a Relay
func NewRelay(parentLogger logger.Logger, source base.EventSource, encoder EventEncoder, writer DataWriter) *Relay {
	return &Relay{
		logger:  parentLogger.WithField(defs.LabelComponent, "Relay"),
		source:  source,
		encoder: encoder,
		writer:  writer,
	}
}

// Run relays events until the source reaches the end or ctx is cancelled
//
// Returns nil at the end of source
func (relay *Relay) Run(ctx context.Context) error {
	relay.logger.Info("started")
	failing := false
	for {
		evt, err := relay.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			relay.logger.Info("end of source")
			return nil
		}
		if err != nil {
			relay.logger.Warn("stopped: ", err)
			return err
		}

		data, err := relay.encoder.Encode(evt)
		if err != nil {
			relay.failed.Add(1)
			relay.logger.Errorf("failed to encode event %s: %v", evt, err)
			continue
		}
		if err := relay.writer.WriteData(ctx, data); err != nil {
			relay.failed.Add(1)
			// log once per outage
			if !failing {
				relay.logger.Warn("failed to send, dropping events until upstream recovers: ", err)
				failing = true
			} else {
				relay.logger.Debug("failed to send: ", err)
			}
			continue
		}
		if failing {
			relay.logger.Info("upstream recovered")
			failing = false
		}
		relay.stats.Update(evt)
	}
}

// Report returns the numbers of relayed events and bytes, and failed events
//
// Relayed means accepted by the writer, which includes payloads the writer dropped silently due to backpressure,
// see transceiver.ReportDroppedEvents. Failed events are the ones which couldn't be encoded or were rejected by the
// writer with error.
func (relay *Relay) Report() base.Report {
	report := base.NewReport("relay")
	relay.stats.AddToReport(&report)
	report.SetLong(ReportFailedEvents, relay.failed.Load())
	return report
}

// Package run runs the relay: a source listening for events, and a transceiver forwarding them to upstream
package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relex/gotils/channels"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/defs"
	"github.com/relex/slog-relay/input/queuesource"
	"github.com/relex/slog-relay/output/forward"
	"github.com/relex/slog-relay/output/tcpchannel"
	"github.com/relex/slog-relay/output/transceiver"
)

// Agent is a running relay
type Agent struct {
	logger       logger.Logger
	source       base.EventSource
	transceiver  *transceiver.Transceiver
	relay        *Relay
	exporter     *reportExporter
	relayEnded   *channels.SignalAwaitable
	stopExporter *channels.SignalAwaitable
	exporterDone *channels.SignalAwaitable
}

// Run runs the relay until stopped by signals
func Run(cfg *Config) {
	agent, err := Launch(logger.Root(), cfg)
	if err != nil {
		logger.Fatal(err)
	}

	runLogger := logger.WithField(defs.LabelComponent, "Launcher")

	// wait for shutdown signal
	{
		sigChan := make(chan os.Signal, 10)
		signal.Notify(sigChan, syscall.SIGINT)
		signal.Notify(sigChan, syscall.SIGTERM)
		s := <-sigChan
		runLogger.Infof("received %s, shutting down", s)
	}

	agent.Shutdown()
	runLogger.Info("clean exit")
}

// Launch creates and starts all parts of the relay from verified config
func Launch(parentLogger logger.Logger, cfg *Config) (*Agent, error) {
	alogger := parentLogger.WithField(defs.LabelName, cfg.Source.Name)

	encoder, err := forward.NewEncoder(cfg.Forward.Tag, cfg.Forward.MessageMode)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}

	factory, err := tcpchannel.NewFactory(alogger, cfg.Upstream.channelOptions())
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	source, err := buildSource(alogger, cfg.Source)
	if err != nil {
		factory.ReleaseExternalResources()
		return nil, fmt.Errorf("source: %w", err)
	}

	exporter := newReportExporter(metricFactory.NewSubFactory("", []string{"agent"}, []string{cfg.Source.Name}))
	trOptions := cfg.Upstream.transceiverOptions()
	trOptions.OnReport = exporter.ExportUpstream
	tr := transceiver.New(alogger, cfg.Upstream.Address, factory, trOptions)

	if err := source.Open(); err != nil {
		tr.Close()
		return nil, fmt.Errorf("source: %w", err)
	}

	agent := &Agent{
		logger:       alogger.WithField(defs.LabelComponent, "Agent"),
		source:       source,
		transceiver:  tr,
		relay:        NewRelay(alogger, source, encoder, tr),
		exporter:     exporter,
		relayEnded:   channels.NewSignalAwaitable(),
		stopExporter: channels.NewSignalAwaitable(),
		exporterDone: channels.NewSignalAwaitable(),
	}
	go func() {
		defer agent.relayEnded.Signal()
		if err := agent.relay.Run(context.Background()); err != nil {
			agent.logger.Error("relay aborted: ", err)
		}
	}()
	go agent.runExporter()
	agent.logger.Info("launched")
	return agent, nil
}

func buildSource(parentLogger logger.Logger, cfg SourceConfig) (base.EventSource, error) {
	name, argv, values, err := queuesource.ParseInvocation(cfg.Invocation)
	if err != nil {
		return nil, err
	}
	builder, ok := queuesource.LookupBuilder(name)
	if !ok {
		return nil, fmt.Errorf("unknown source '%s'", name)
	}
	return builder(queuesource.BuilderContext{
		LogicalName:     cfg.Name,
		Values:          values,
		Logger:          parentLogger,
		QueueSize:       cfg.QueueSize,
		MaxCloseSleep:   cfg.MaxCloseSleep,
		MaxMessageBytes: int(cfg.MaxMessageSize.Bytes()),
	}, argv...)
}

// SourceAddress returns the actual listening address of source, or empty if unknown
func (agent *Agent) SourceAddress() string {
	if lsrc, ok := agent.source.(interface{ ListenerAddress() string }); ok {
		return lsrc.ListenerAddress()
	}
	return ""
}

// Shutdown stops accepting new events, relays queued events and closes the upstream connection
//
// Events still queued after the source gives up draining are lost.
func (agent *Agent) Shutdown() {
	agent.logger.Info("shutting down")
	if err := agent.source.Close(context.Background()); err != nil {
		agent.logger.Warn("error closing source: ", err)
	}
	agent.relayEnded.WaitForever()
	agent.stopExporter.Signal()
	agent.exporterDone.WaitForever()
	agent.transceiver.Close()
	agent.logger.Info("shut down")
}

// Relayed returns an Awaitable signaled when the relay loop has ended
func (agent *Agent) Relayed() channels.Awaitable {
	return agent.relayEnded
}

func (agent *Agent) runExporter() {
	defer agent.exporterDone.Signal()
	ticker := time.NewTicker(defs.MetricsUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			agent.export()
		case <-agent.stopExporter.Channel():
			agent.export()
			return
		}
	}
}

func (agent *Agent) export() {
	agent.exporter.ExportSnapshot("source", agent.source.Report())
	agent.exporter.ExportSnapshot("relay", agent.relay.Report())
}

package run

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/relex/slog-relay/base"
	"github.com/relex/slog-relay/output/transceiver"
)

// metricFactory is shared by all agents in the process since metrics are registered globally. Each agent uses a
// sub-factory labelled by its source name.
var metricFactory = base.NewMetricFactory("slogrelay_", nil, nil)

// Status labels of upstream event counters
const (
	statusSent    = "sent"
	statusDropped = "dropped"
)

// reportExporter copies component reports into Prometheus metrics
type reportExporter struct {
	factory *base.MetricFactory
}

func newReportExporter(factory *base.MetricFactory) *reportExporter {
	return &reportExporter{factory: factory}
}

// ExportSnapshot sets one gauge per report attribute, for reports of current values and running totals
func (exp *reportExporter) ExportSnapshot(component string, report base.Report) {
	vec := exp.factory.AddOrGetGaugeVec(component+"_report", "Latest report values of "+component,
		[]string{"name", "attribute"}, []string{report.Name})
	for _, field := range report.Fields() {
		vec.WithLabelValues(field.Name).Set(float64(field.Value))
	}
}

// ExportUpstream adds the per-period counters of a transceiver report to event counters
func (exp *reportExporter) ExportUpstream(report base.Report) {
	if sent, ok := report.Get(transceiver.ReportSentEvents); ok {
		exp.upstreamEvents(report.Name, statusSent).Add(float64(sent))
	}
	if dropped, ok := report.Get(transceiver.ReportDroppedEvents); ok {
		exp.upstreamEvents(report.Name, statusDropped).Add(float64(dropped))
	}
}

func (exp *reportExporter) upstreamEvents(address string, status string) prometheus.Counter {
	return exp.factory.AddOrGetCounterVec("upstream_events_total", "Numbers of events sent or dropped by upstream connection",
		[]string{"address", "status"}, []string{address, status}).WithLabelValues()
}

package util

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/defs"
)

const metricsIndexPage = `
<html>
	<head>
		<title>slog-relay metrics listener</title>
	</head>
	<body>
		<h1>Metrics listener for slog-relay</h1>
		<ul>
			<li><a href='/debug/pprof/'>/debug/pprof/</a></li>
			<li><a href='/metrics'>/metrics</a></li>
		</ul>
	</body>
</html>`

// NewMetricsHandler creates a HTTP handler serving Prometheus metrics from the default gatherer and pprof
func NewMetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, metricsIndexPage)
	})
	return mux
}

// LaunchMetricsListener starts a HTTP server for metrics in background
//
// The returned server should be shut down by caller
func LaunchMetricsListener(address string) *http.Server {
	mlogger := logger.WithFields(logger.Fields{
		defs.LabelComponent: "MetricsListener",
		defs.LabelAddress:   address,
	})
	server := &http.Server{
		Addr:              address,
		Handler:           NewMetricsHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		mlogger.Info("listening for metrics...")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mlogger.Error("metrics listener error: ", err)
		}
	}()
	return server
}

// SumMetricValues sums all the values of a given Prometheus Collector (Gauge, Counter or their vectors)
func SumMetricValues(c prometheus.Collector) float64 {
	// modified from github.com/prometheus/client_golang/prometheus/testutil.ToFloat64
	var (
		mList = make([]prometheus.Metric, 0, 100)
		mChan = make(chan prometheus.Metric)
		done  = make(chan struct{})
	)
	go func() {
		for m := range mChan {
			mList = append(mList, m)
		}
		close(done)
	}()
	c.Collect(mChan)
	close(mChan)
	<-done

	sum := 0.0
	for _, m := range mList {
		pb := &dto.Metric{}
		if err := m.Write(pb); err != nil {
			logger.Errorf("failed to read metric '%s': %s", m.Desc(), err.Error())
		}
		if pb.Gauge != nil {
			sum += pb.Gauge.GetValue()
		}
		if pb.Counter != nil {
			sum += pb.Counter.GetValue()
		}
		if pb.Untyped != nil {
			sum += pb.Untyped.GetValue()
		}
	}
	return sum
}

package util

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "utiltest_requests_total", Help: "test"}, []string{"kind"})
	prometheus.MustRegister(counter)
	defer prometheus.Unregister(counter)
	counter.WithLabelValues("a").Add(2)
	counter.WithLabelValues("b").Add(3)
	assert.Equal(t, 5.0, SumMetricValues(counter))

	srv := httptest.NewServer(NewMetricsHandler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `utiltest_requests_total{kind="b"} 3`)

	code, body = get("/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "slog-relay metrics listener")

	code, _ = get("/nothing")
	assert.Equal(t, http.StatusNotFound, code)
}

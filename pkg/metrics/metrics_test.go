package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterVecs(t *testing.T) {
	MessagesProcessed.Reset()
	DedupeChecks.Reset()

	MessagesProcessed.WithLabelValues("1", "saved").Add(15)
	MessagesProcessed.WithLabelValues("1", "duplicate").Add(5)
	DedupeChecks.WithLabelValues("cache", "hit").Inc()

	assert.Equal(t, 15.0, testutil.ToFloat64(MessagesProcessed.WithLabelValues("1", "saved")))
	assert.Equal(t, 5.0, testutil.ToFloat64(MessagesProcessed.WithLabelValues("1", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DedupeChecks.WithLabelValues("cache", "hit")))
}

func TestHistogramObservation(t *testing.T) {
	IngestStageDuration.Reset()
	IngestStageDuration.WithLabelValues("fetch").Observe(0.2)
	IngestStageDuration.WithLabelValues("fetch").Observe(0.4)

	observer := IngestStageDuration.WithLabelValues("fetch")
	metric := &dto.Metric{}
	require.NoError(t, observer.(prometheus.Metric).Write(metric))

	assert.Equal(t, uint64(2), metric.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.6, metric.GetHistogram().GetSampleSum(), 1e-9)
}

func TestPrometheusHandlerExposesMetrics(t *testing.T) {
	AttachmentUploads.Reset()
	AttachmentUploads.WithLabelValues("success").Add(3)

	server := httptest.NewServer(promhttp.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `mailingest_attachment_uploads_total{status="success"} 3`))
}

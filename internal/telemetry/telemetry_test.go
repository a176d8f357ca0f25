package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, "json", "debug")
	require.NoError(t, err)
	l.Debug("hello", "event", "test")
	assert.Contains(t, buf.String(), `"event":"test"`)

	buf.Reset()
	l, err = NewLogger(&buf, "text", "warn")
	require.NoError(t, err)
	l.Info("dropped")
	assert.Empty(t, buf.String())

	_, err = NewLogger(&buf, "xml", "info")
	require.Error(t, err)
	_, err = NewLogger(&buf, "text", "loud")
	require.Error(t, err)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveReceipt("ok", "")
	m.ObserveReplay(true)
	m.ObserveUnguardedWrite()
	m.ObserveCommit(0.1)
	m.ObserveTrace(2, 3)
	m.ObservePublish(false)
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics()
	m.ObserveReceipt("rejected", "NOT_FOUND")
	m.ObserveReceipt("rejected", "NOT_FOUND")
	m.ObserveReplay(false)
	m.ObservePublish(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReceiptsTotal.WithLabelValues("rejected", "NOT_FOUND")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplaysTotal.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublished))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "mkernel_receipts_total"))
}

func TestSetupTracing_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "mkernel", "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

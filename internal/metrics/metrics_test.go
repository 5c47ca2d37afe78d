package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOrder("vshutter", "created")
	m.ObservePoints("stock_order", -10)
	m.ObserveRemote("place", "ok", time.Second)
	m.ObservePreviewCache(true)
	m.ObserveReconcile("persist")
	m.ObserveHTTP("GET", "/v1/orders", 200, time.Millisecond)
}

func TestNewRegistersAndReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)
	require.Same(t, a.OrdersTotal, b.OrdersTotal)

	a.ObserveOrder("vshutter", "created")
	b.ObserveOrder("vshutter", "created")
	require.Equal(t, 2.0, testutil.ToFloat64(a.OrdersTotal.WithLabelValues("vshutter", "created")))
}

func TestObservePointsSplitsDirection(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObservePoints("stock_order", -10)
	m.ObservePoints("stock_order_refund", 10)
	require.Equal(t, 10.0, testutil.ToFloat64(m.PointsTotal.WithLabelValues("stock_order", "debit")))
	require.Equal(t, 10.0, testutil.ToFloat64(m.PointsTotal.WithLabelValues("stock_order_refund", "credit")))
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", statusClass(201))
	require.Equal(t, "4xx", statusClass(402))
	require.Equal(t, "5xx", statusClass(504))
}

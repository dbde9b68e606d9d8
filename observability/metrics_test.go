package observability

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestGatewayObserve(t *testing.T) {
	g := Gateway()
	before := testutil.ToFloat64(g.requests.WithLabelValues("/v1/listings", "POST", "error"))
	g.Observe("/v1/listings", "post", http.StatusPaymentRequired, 3*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(g.requests.WithLabelValues("/v1/listings", "POST", "error")))
	require.Equal(t, float64(1), testutil.ToFloat64(g.errors.WithLabelValues("/v1/listings", "POST", "402")))

	g.RecordThrottle("", "")
	require.Equal(t, float64(1), testutil.ToFloat64(g.throttles.WithLabelValues("unknown", "unknown")))
}

func TestEventsRecord(t *testing.T) {
	e := Events()
	e.RecordEvent(" Escrow.Deposited ")
	require.GreaterOrEqual(t, testutil.ToFloat64(e.appended.WithLabelValues("escrow.deposited")), float64(1))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefaultIsIdempotent(t *testing.T) {
	RegisterDefault()
	RegisterDefault()

	ProviderCalls.WithLabelValues("weather", "forecast", "ok").Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(ProviderCalls.WithLabelValues("weather", "forecast", "ok")))

	mfs, err := Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	require.True(t, names["provider_calls_total"])
}

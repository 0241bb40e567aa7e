package prom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simstate"
	"github.com/hupe1980/simstate/testutil"
)

// gather returns the sum of every sample of each family.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)

	o.OnMigration(time.Millisecond, 2, 1, nil)
	o.OnMigration(time.Millisecond, 5, 5, errors.New("abort"))
	o.OnSync("state_sync", 4, time.Millisecond, nil)
	o.OnTask(time.Millisecond, 3, nil)
	o.OnSegmentBytes(4096)
	o.OnDiagnostic("user_warning")
	o.OnDiagnostic("user_error")

	got := gather(t, reg)
	assert.Equal(t, 3.0, got["simstate_migration_groups_total"])
	assert.Equal(t, 4.0, got["simstate_sync_segments_read_total"])
	assert.Equal(t, 1.0, got["simstate_task_partitions"])
	assert.Equal(t, 4096.0, got["simstate_segment_bytes"])
	assert.Equal(t, 4.0, got["simstate_operation_latency_seconds"])
	assert.Equal(t, 2.0, got["simstate_runtime_diagnostics_total"])

	_, err = NewObserver(reg)
	assert.Error(t, err)
}

func TestObserver_Engine(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	o, err := NewObserver(reg)
	require.NoError(t, err)

	eng, err := simstate.New(ctx, testutil.AgentSchema, testutil.MessageSchema,
		simstate.WithSegmentDir(t.TempDir()),
		simstate.WithMetricsObserver(o),
	)
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.StartRun(ctx, nil, 4, 4)
	require.NoError(t, err)

	got := gather(t, reg)
	assert.Equal(t, 4.0, got["simstate_sync_segments_read_total"])
	assert.Equal(t, float64(eng.MemoryUsage()), got["simstate_segment_bytes"])
}

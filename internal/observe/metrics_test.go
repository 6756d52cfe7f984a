package observe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the int64 sum data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestRecordOutcome(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordOutcome(ctx, "success", 2*time.Second)
	m.RecordOutcome(ctx, "success", 3*time.Second)
	m.RecordOutcome(ctx, "timeout", 185*time.Second)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "kikitori.session.outcomes", "outcome", "success"); got != 2 {
		t.Errorf("success outcomes = %d, want 2", got)
	}
	if got := sumFor(t, rm, "kikitori.session.outcomes", "outcome", "timeout"); got != 1 {
		t.Errorf("timeout outcomes = %d, want 1", got)
	}

	met := findMetric(rm, "kikitori.session.duration")
	if met == nil {
		t.Fatal("duration histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration is not a histogram")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("duration samples = %d, want 3", count)
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "google", "ok")
	m.RecordProviderRequest(ctx, "google", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "error")
	m.RecordProviderError(ctx, "deepgram", "dial")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "kikitori.provider.requests", "provider", "google"); got != 2 {
		t.Errorf("google requests = %d, want 2", got)
	}
	if got := sumFor(t, rm, "kikitori.provider.errors", "kind", "dial"); got != 1 {
		t.Errorf("dial errors = %d, want 1", got)
	}
}

func TestAudioInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Onsets.Add(ctx, 1)
	m.FramesSent.Add(ctx, 12)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.QueueDepth.Record(ctx, 7)
	m.QueueDepth.Record(ctx, 3)

	rm := collect(t, reader)

	for _, tc := range []struct {
		name string
		want int64
	}{
		{"kikitori.vad.onsets", 1},
		{"kikitori.audio.frames_sent", 12},
		{"kikitori.session.active", 0},
	} {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) == 0 {
			t.Fatalf("metric %q has no sum data", tc.name)
		}
		if got := sum.DataPoints[0].Value; got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}

	met := findMetric(rm, "kikitori.audio.queue_depth")
	if met == nil {
		t.Fatal("queue depth gauge not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) == 0 {
		t.Fatal("queue depth is not an int64 gauge")
	}
	if got := gauge.DataPoints[0].Value; got != 3 {
		t.Errorf("queue depth = %d, want last value 3", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

func TestObserveCapturedFrames(t *testing.T) {
	m, reader := newTestMetrics(t)

	var captured atomic.Uint64
	if err := m.ObserveCapturedFrames(captured.Load); err != nil {
		t.Fatalf("ObserveCapturedFrames: %v", err)
	}

	for _, want := range []uint64{0, 42} {
		captured.Store(want)
		met := findMetric(collect(t, reader), "kikitori.audio.frames_captured")
		if met == nil {
			t.Fatal("frames captured counter not found")
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || !sum.IsMonotonic || len(sum.DataPoints) != 1 {
			t.Fatalf("frames captured data = %+v", met.Data)
		}
		if got := sum.DataPoints[0].Value; got != int64(want) {
			t.Errorf("frames captured = %d, want %d", got, want)
		}
	}
}

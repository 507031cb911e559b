package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		burst   int
		wantErr bool
	}{
		{name: "defaults", rate: DefaultRate, burst: DefaultBurst},
		{name: "zero rate", rate: 0, burst: 1, wantErr: true},
		{name: "zero burst", rate: 1, burst: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New("sync", tt.rate, tt.burst)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, l)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "sync", l.Name())
		})
	}
}

func TestLimiter_BurstIsImmediate(t *testing.T) {
	l, err := New("sync", 1, 5)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Less(t, l.Status().AvailableTokens, 1.0)
}

func TestLimiter_WaitsForRefill(t *testing.T) {
	const ratePerSecond = 20
	interval := time.Second / ratePerSecond
	// the bucket refills a little while the burst token is taken
	const slack = 5 * time.Millisecond

	l, err := New("sync", ratePerSecond, 1)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))

	start := time.Now()
	for n := 1; n <= 4; n++ {
		require.NoError(t, l.Acquire(context.Background()))
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, time.Duration(n)*interval-slack,
			"acquire %d after the burst returned after %s", n, elapsed)
	}
}

func TestLimiter_GrantsInArrivalOrder(t *testing.T) {
	l, err := New("async", 50, 1)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))

	const callers = 5
	order := make(chan int, callers)
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background()))
			order <- n
		}(i)
		require.Eventually(t, func() bool { return l.Status().Waiting == i+1 }, time.Second, time.Millisecond)
	}

	wg.Wait()
	close(order)

	var got []int
	for n := range order {
		got = append(got, n)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, l.Status().Waiting)
}

func TestLimiter_CancelledContext(t *testing.T) {
	l, err := New("sync", 0.1, 1)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx) }()

	require.Eventually(t, func() bool { return l.Status().Waiting == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after cancel")
	}
}

func TestLimiter_ObservesWait(t *testing.T) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_wait_seconds"}, []string{"vendor"})

	reg, err := NewRegistry(map[domain.VendorKind]Settings{
		domain.VendorSync:  {RatePerSecond: 100, Burst: 2},
		domain.VendorAsync: {RatePerSecond: 5, Burst: 1},
	}, hist)
	require.NoError(t, err)

	l, err := reg.For(domain.VendorSync)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))

	// both vendors get a series up front; only sync has been waited on
	assert.Equal(t, 2, testutil.CollectAndCount(hist))
	assert.Equal(t, uint64(2), sampleCount(t, hist, "sync"))
	assert.Equal(t, uint64(0), sampleCount(t, hist, "async"))

	statuses := reg.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "async", statuses[0].Name)
	assert.Equal(t, 1, statuses[0].Burst)
	assert.Equal(t, "sync", statuses[1].Name)
	assert.Contains(t, statuses[1].String(), "burst=2")

	_, err = reg.For(domain.VendorKind("fax"))
	assert.Error(t, err)
}

func sampleCount(t *testing.T, hist *prometheus.HistogramVec, vendor string) uint64 {
	t.Helper()
	metric, ok := hist.WithLabelValues(vendor).(prometheus.Metric)
	require.True(t, ok)

	var m dto.Metric
	require.NoError(t, metric.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

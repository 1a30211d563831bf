package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int](4)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}

	got, err := q.DequeueBatch(2, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)

	require.NoError(t, q.Enqueue(ctx, 4))
	require.NoError(t, q.Enqueue(ctx, 5))
	got, err = q.DequeueBatch(10, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, got)

	s := q.Stats()
	assert.Equal(t, uint64(5), s.Enqueued)
	assert.Equal(t, uint64(5), s.Dequeued)
	assert.Equal(t, 3, s.HighWater)
	assert.Equal(t, 0, s.Len)
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := New[int](2)
	start := time.Now()
	got, err := q.DequeueBatch(5, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := New[int](2)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(context.Background(), 7)
	}()
	got, err := q.DequeueBatch(5, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, got)
}

func TestQueue_CloseDrainsThenReportsClosed(t *testing.T) {
	q := New[string](4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Enqueue(ctx, "c"), ErrClosed)

	got, err := q.DequeueBatch(1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
	got, err = q.DequeueBatch(1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)

	got, err = q.DequeueBatch(1, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, got)
	assert.True(t, q.Stats().Closed)
}

func TestQueue_CloseWakesWaitingConsumer(t *testing.T) {
	q := New[int](2)
	done := make(chan error, 1)
	go func() {
		_, err := q.DequeueBatch(1, time.Minute)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer not woken by Close")
	}
}

func TestQueue_BlockPolicyWaitsForRoom(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, 2) }()

	select {
	case <-done:
		t.Fatal("Enqueue should block while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	got, err := q.DequeueBatch(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Enqueue not released after dequeue")
	}
	assert.Zero(t, q.Stats().Dropped)
}

func TestQueue_BlockPolicyHonoursContext(t *testing.T) {
	q := New[int](1)
	require.NoError(t, q.Enqueue(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, 2), context.DeadlineExceeded)
}

func TestQueue_BlockPolicyReleasedByClose(t *testing.T) {
	q := New[int](1)
	require.NoError(t, q.Enqueue(context.Background(), 1))

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(context.Background(), 2) }()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked producer not released by Close")
	}
}

func TestQueue_DropOldest(t *testing.T) {
	var dropped []int
	q := New[int](2,
		WithPolicy[int](DropOldest),
		WithDropCallback(func(item int, err error) {
			assert.True(t, errors.Is(err, ErrOverflow))
			dropped = append(dropped, item)
		}),
	)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}

	got, err := q.DequeueBatch(10, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, got)
	assert.Equal(t, []int{1, 2, 3}, dropped)
	assert.Equal(t, uint64(3), q.Stats().Dropped)
	assert.Equal(t, DropOldest, q.Policy())
}

func TestQueue_ConcurrentProducerConsumerKeepsOrder(t *testing.T) {
	const n = 5000
	q := New[int](64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := q.Enqueue(context.Background(), i); err != nil {
				t.Errorf("enqueue %d: %v", i, err)
				return
			}
		}
		q.Close()
	}()

	var got []int
	for {
		batch, err := q.DequeueBatch(100, time.Second)
		if errors.Is(err, ErrClosed) {
			break
		}
		require.NoError(t, err)
		got = append(got, batch...)
	}
	wg.Wait()

	require.Len(t, got, n)
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestQueue_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	q := New[int](1, WithPolicy[int](DropOldest), WithMetrics[int](m, "emg"))
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 1))
	require.NoError(t, q.Enqueue(ctx, 2))
	_, err = q.DequeueBatch(1, 0)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.enqueuedTotal.WithLabelValues("emg")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedTotal.WithLabelValues("emg")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dequeuedTotal.WithLabelValues("emg")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.depth.WithLabelValues("emg")))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Block, p)

	p, err = ParsePolicy("drop_oldest")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)
	assert.Equal(t, "drop_oldest", p.String())

	_, err = ParsePolicy("drop_newest")
	assert.Error(t, err)
}

package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobs(t *testing.T) {
	var processed int32
	done := make(chan struct{}, 3)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&processed, 1)
		done <- struct{}{}
		return nil
	}, QueueConfig{Workers: 2, BufferSize: 4})

	q.Start(context.Background())
	defer q.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(Job{ID: "job", Type: "audit"}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&processed))
}

func TestQueueRetriesThenDrops(t *testing.T) {
	var attempts int32
	dropped := make(chan Job, 1)
	q := NewQueue("retry", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	}, QueueConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		OnDrop: func(job Job, err error) {
			dropped <- job
		},
	})

	q.Start(context.Background())
	defer q.Stop()
	require.NoError(t, q.Enqueue(Job{ID: "flaky"}))

	select {
	case job := <-dropped:
		assert.Equal(t, "flaky", job.ID)
		assert.Equal(t, 3, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job was never dropped")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestQueueRejectsBeforeStart(t *testing.T) {
	q := NewQueue("idle", func(ctx context.Context, job Job) error { return nil }, QueueConfig{})
	assert.Error(t, q.Enqueue(Job{ID: "x"}))
	assert.Error(t, q.TryEnqueue(Job{ID: "x"}))
	assert.False(t, q.Running())
}

func TestQueueTryEnqueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	q := NewQueue("full", func(ctx context.Context, job Job) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 1})

	q.Start(context.Background())
	require.NoError(t, q.TryEnqueue(Job{ID: "busy"}))
	<-started
	require.NoError(t, q.TryEnqueue(Job{ID: "buffered"}))

	err := q.TryEnqueue(Job{ID: "overflow"})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	q.Stop()
}

func TestQueueStopDrainsBufferedJobs(t *testing.T) {
	var handled int32
	q := NewQueue("drain", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}, QueueConfig{Workers: 1, BufferSize: 8})

	q.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(Job{ID: "j"}))
	}
	q.Stop()
	assert.Equal(t, int32(5), atomic.LoadInt32(&handled))
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, nil, 10*time.Minute, 3, nil), mr
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindAssembleVideo, map[string]string{"session_id": "a_20251002_sunrise"}, "a_20251002_sunrise")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, StatusRunning, job.Status)
	require.Equal(t, 1, job.Attempts)

	require.NoError(t, q.Ack(ctx, id))
}

func TestQueue_EnqueueDeduplicatesBySessionKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, KindAssembleVideo, map[string]string{"session_id": "s1"}, "s1")
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, KindAssembleVideo, map[string]string{"session_id": "s1"}, "s1")
	require.NoError(t, err)

	require.Equal(t, id1, id2)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestQueue_DequeueEmptyReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestQueue_FailUnderMaxAttemptsRedelivers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindAssembleVideo, map[string]string{"session_id": "s1"}, "s1")
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, errors.New("encoder crashed")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, 2, job.Attempts)
}

func TestQueue_FailAtMaxAttemptsMovesToDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindAssembleVideo, map[string]string{"session_id": "s1"}, "s1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.Fail(ctx, id, errors.New("boom")))
	}

	dead, err := q.DeadLetterJobs(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, id, dead[0].ID)
	require.Equal(t, StatusFailedTerminal, dead[0].Status)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)
}

func TestQueue_ReapExpiredRedeliversVisibilityTimeout(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := New(client, nil, 10*time.Millisecond, 3, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindAssembleVideo, map[string]string{"session_id": "s1"}, "s1")
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
}

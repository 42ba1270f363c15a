//go:build integration

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisAddr = endpoint

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func setupQueue(t *testing.T) (*Queue, *goredis.Client) {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: testRedisAddr})
	require.NoError(t, client.FlushAll(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, nil), client
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobTypeArchiveSession, map[string]string{"session_id": "abc"})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, JobTypeArchiveSession, job.Type)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "abc", payload["session_id"])
}

func TestQueue_DequeueTimesOut(t *testing.T) {
	q, _ := setupQueue(t)
	job, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_RetryThenDeadLetter(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, JobTypeRevenueUpdate, struct{}{})
	require.NoError(t, err)

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		dead, err := q.Retry(ctx, job)
		require.NoError(t, err)
		assert.Equal(t, attempt == MaxRetries, dead)
	}

	waiting, dead, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), waiting)
	assert.Equal(t, int64(1), dead)
}

func TestQueue_UndecodableEntryGoesToDLQ(t *testing.T) {
	q, client := setupQueue(t)
	ctx := context.Background()
	require.NoError(t, client.RPush(ctx, QueueArchive, "not json").Err())

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)

	_, dead, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

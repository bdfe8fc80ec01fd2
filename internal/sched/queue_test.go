package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/jancollect/internal/collect"
	"github.com/ksuzuki/jancollect/internal/jan"
)

func TestTaskQueueOrdersByEligibility(t *testing.T) {
	q := newTaskQueue()
	now := time.Now()
	q.push(collect.FetchTask{Code: jan.MustNormalize("4901234567894"), Source: "a", NotBefore: now.Add(30 * time.Millisecond)})
	q.push(collect.FetchTask{Code: jan.MustNormalize("4988601007726"), Source: "a", NotBefore: now})

	ctx := context.Background()
	first, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "4988601007726", first.Code.String())

	second, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "4901234567894", second.Code.String())
	assert.False(t, time.Now().Before(second.NotBefore), "pop must wait for eligibility")
}

func TestTaskQueuePopWakesOnPush(t *testing.T) {
	q := newTaskQueue()
	got := make(chan collect.FetchTask, 1)
	go func() {
		task, ok := q.pop(context.Background())
		if ok {
			got <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.push(collect.FetchTask{Code: jan.MustNormalize("4988601007726"), Source: "a"})

	select {
	case task := <-got:
		assert.Equal(t, "4988601007726", task.Code.String())
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestTaskQueuePopHonorsContext(t *testing.T) {
	q := newTaskQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.pop(ctx)
	assert.False(t, ok)
	assert.Zero(t, q.pending())
}

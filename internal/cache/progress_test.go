package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/rowpilot/internal/config"
	"github.com/nadmax/rowpilot/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestCache(t *testing.T, ttl time.Duration) (*ProgressCache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c, err := NewProgressCache(config.RedisConfig{Addr: mr.Addr(), TTL: ttl}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		mr.Close()
	})
	return c, mr
}

func TestNewProgressCache_InvalidAddress(t *testing.T) {
	_, err := NewProgressCache(config.RedisConfig{Addr: "invalid:99999"}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestPutAndGet(t *testing.T) {
	c, _ := setupTestCache(t, 0)
	ctx := context.Background()

	p := &task.Progress{TaskID: "task-1", Status: task.StatusRunning, Total: 10, Processed: 4, Success: 3, Failed: 1}
	require.NoError(t, c.Put(ctx, p))

	got, err := c.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Processed)
	assert.Equal(t, task.StatusRunning, got.Status)
}

func TestGet_NotFound(t *testing.T) {
	c, _ := setupTestCache(t, 0)

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestAllAndRemove(t *testing.T) {
	c, mr := setupTestCache(t, 0)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, &task.Progress{TaskID: "a", Processed: 1}))
	require.NoError(t, c.Put(ctx, &task.Progress{TaskID: "b", Processed: 2}))
	require.NoError(t, mr.Set(progressKey("corrupt"), "{not json"))

	all, err := c.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, c.Remove(ctx, "a"))
	all, err = c.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].TaskID)
}

func TestPut_RefreshesTTL(t *testing.T) {
	c, mr := setupTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, &task.Progress{TaskID: "a"}))
	assert.Equal(t, time.Minute, mr.TTL(progressKey("a")))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(progressKey("a")))
}

func TestPut_StaleEntryExpiresWhileOthersRefresh(t *testing.T) {
	c, mr := setupTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, &task.Progress{TaskID: "crashed", Processed: 1}))
	for i := 0; i < 4; i++ {
		mr.FastForward(30 * time.Second)
		require.NoError(t, c.Put(ctx, &task.Progress{TaskID: "active", Processed: i}))
	}

	all, err := c.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "active", all[0].TaskID)

	_, err = c.Get(ctx, "crashed")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestAll_Empty(t *testing.T) {
	c, _ := setupTestCache(t, 0)

	all, err := c.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestNop(t *testing.T) {
	var n Nop
	ctx := context.Background()

	assert.NoError(t, n.Put(ctx, &task.Progress{TaskID: "a"}))
	_, err := n.Get(ctx, "a")
	assert.ErrorIs(t, err, task.ErrNotFound)
	all, err := n.All(ctx)
	assert.NoError(t, err)
	assert.Empty(t, all)
	assert.NoError(t, n.Remove(ctx, "a"))
}

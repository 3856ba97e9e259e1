package batcher

import (
	"context"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchSingleBatch(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()
	put(t, gw, ctx, "b", "ds1/t1/part-00000", make([]byte, 100))
	put(t, gw, ctx, "b", "ds1/t1/part-00001", make([]byte, 200))
	put(t, gw, ctx, "b", "ds1/t1/_SUCCESS", nil)

	bt := New(gw, 0, 0)
	batches, err := bt.Batch(ctx, "b", "ds1/t1/_SUCCESS")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"gs://b/ds1/t1/part-00000", "gs://b/ds1/t1/part-00001"}, batches[0].URIs)
	assert.Equal(t, int64(300), batches[0].Bytes)
}

func TestBatchExcludesControlAndZeroByteAndConfig(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()
	put(t, gw, ctx, "b", "ds1/t1/part-00000", make([]byte, 100))
	put(t, gw, ctx, "b", "ds1/t1/empty.txt", nil)
	put(t, gw, ctx, "b", "ds1/t1/_config/load.json", []byte(`{}`))
	put(t, gw, ctx, "b", "ds1/t1/_SUCCESS", nil)

	bt := New(gw, 0, 0)
	batches, err := bt.Batch(ctx, "b", "ds1/t1/_SUCCESS")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"gs://b/ds1/t1/part-00000"}, batches[0].URIs)
}

func TestBatchSplitsOnByteLimit(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()
	put(t, gw, ctx, "b", "ds1/t1/part-00000", make([]byte, 60))
	put(t, gw, ctx, "b", "ds1/t1/part-00001", make([]byte, 60))
	put(t, gw, ctx, "b", "ds1/t1/part-00002", make([]byte, 60))
	put(t, gw, ctx, "b", "ds1/t1/_SUCCESS", nil)

	bt := New(gw, 100, 0)
	batches, err := bt.Batch(ctx, "b", "ds1/t1/_SUCCESS")
	require.NoError(t, err)
	require.Len(t, batches, 3, "any two 60-byte files exceed the 100-byte cap so every batch holds exactly one")
	for _, batch := range batches {
		assert.LessOrEqual(t, batch.Bytes, int64(100))
	}
}

func TestBatchSplitsOnCountLimit(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		put(t, gw, ctx, "b", key(i), []byte("x"))
	}
	put(t, gw, ctx, "b", "ds1/t1/_SUCCESS", nil)

	bt := New(gw, 0, 2)
	batches, err := bt.Batch(ctx, "b", "ds1/t1/_SUCCESS")
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].URIs, 2)
	assert.Len(t, batches[1].URIs, 2)
	assert.Len(t, batches[2].URIs, 1)
}

func TestBatchNoSourceFiles(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()
	put(t, gw, ctx, "b", "ds1/t1/_SUCCESS", nil)

	bt := New(gw, 0, 0)
	_, err := bt.Batch(ctx, "b", "ds1/t1/_SUCCESS")
	require.Error(t, err)
	assert.True(t, ingesterr.Is(err, ingesterr.KindNoSourceFiles))
}

func key(i int) string {
	return "ds1/t1/part-0000" + string(rune('0'+i))
}

func put(t *testing.T, gw *objectstore.Memory, ctx context.Context, bucket, k string, data []byte) {
	t.Helper()
	res, err := gw.CreateIfAbsent(ctx, bucket, k, data)
	require.NoError(t, err)
	require.Equal(t, objectstore.Ok, res)
}

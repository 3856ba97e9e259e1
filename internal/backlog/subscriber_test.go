package backlog

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/batcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/claim"
	"github.com/flyingrobots/go-redis-work-queue/internal/configresolver"
	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/pathparser"
	"github.com/flyingrobots/go-redis-work-queue/internal/warehouse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSubscriber(t *testing.T, gw *objectstore.Memory, fc *warehouse.FakeClient) *Subscriber {
	t.Helper()
	parser, err := pathparser.New("")
	require.NoError(t, err)
	resolver := configresolver.New(gw, "test-fn")
	b := batcher.New(gw, 0, 0)
	planner := warehouse.New(fc, warehouse.Options{JobPrefix: "gcf-ingest-"}, zap.NewNop())
	claims := claim.New(gw)
	lock := NewLock(gw, "gcf-ingest-")
	opts := Options{FunctionTimeoutSecs: 60, RestartBufferSecs: 1, EnsureSubscriberSecs: 30}
	return NewSubscriber(gw, lock, claims, b, resolver, planner, parser, opts, zap.NewNop())
}

func TestSubscriberDrainsSingleItemAndReleasesLock(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()

	_, err := gw.CreateIfAbsent(ctx, "b", "ds1/t1/batch01/data1.csv", []byte("a,b,c"))
	require.NoError(t, err)
	_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/batch01/_SUCCESS", []byte{})
	require.NoError(t, err)
	_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/_backlog/batch01/_SUCCESS", []byte{})
	require.NoError(t, err)
	_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/_BACKFILL", []byte{})
	require.NoError(t, err)

	fc := warehouse.NewFakeClient()
	sub := newTestSubscriber(t, gw, fc)

	err = sub.Run(ctx, "b", "ds1/t1", time.Now())
	require.NoError(t, err)

	require.Len(t, fc.LoadCalls, 1)
	assert.Equal(t, "ds1", fc.LoadCalls[0].Dataset)
	assert.Equal(t, "t1", fc.LoadCalls[0].Table)

	_, err = gw.Stat(ctx, "b", "ds1/t1/_bqlock")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
	_, err = gw.Stat(ctx, "b", "ds1/t1/_BACKFILL")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestSubscriberDuplicateBackfillClaimIsNoop(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()

	_, err := gw.CreateIfAbsent(ctx, "b", "ds1/t1/_BACKFILL", []byte{})
	require.NoError(t, err)

	fc := warehouse.NewFakeClient()
	sub := newTestSubscriber(t, gw, fc)

	meta, err := gw.Stat(ctx, "b", "ds1/t1/_BACKFILL")
	require.NoError(t, err)
	claims := claim.New(gw)
	require.NoError(t, claims.Claim(ctx, "b", "ds1/t1/_BACKFILL", meta.TimeCreated.Unix()))

	err = sub.Run(ctx, "b", "ds1/t1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, fc.LoadCalls)
}

func TestSubscriberBacklogInconsistentWhenSuccessMarkerMissing(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()

	_, err := gw.CreateIfAbsent(ctx, "b", "ds1/t1/_backlog/batch01/_SUCCESS", []byte{})
	require.NoError(t, err)
	_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/_BACKFILL", []byte{})
	require.NoError(t, err)

	fc := warehouse.NewFakeClient()
	sub := newTestSubscriber(t, gw, fc)

	err = sub.Run(ctx, "b", "ds1/t1", time.Now())
	require.Error(t, err)
	assert.True(t, ingesterr.Is(err, ingesterr.KindBacklogInconsistent))
}

func TestSubscriberDrainsMultipleItemsInLexicographicOrder(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()

	for _, batch := range []string{"batch01", "batch02", "batch03"} {
		_, err := gw.CreateIfAbsent(ctx, "b", "ds1/t1/"+batch+"/data1.csv", []byte("a,b,c"))
		require.NoError(t, err)
		_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/"+batch+"/_SUCCESS", []byte{})
		require.NoError(t, err)
		_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/_backlog/"+batch+"/_SUCCESS", []byte{})
		require.NoError(t, err)
	}
	_, err := gw.CreateIfAbsent(ctx, "b", "ds1/t1/_BACKFILL", []byte{})
	require.NoError(t, err)

	fc := warehouse.NewFakeClient()
	sub := newTestSubscriber(t, gw, fc)

	err = sub.Run(ctx, "b", "ds1/t1", time.Now())
	require.NoError(t, err)

	require.Len(t, fc.LoadCalls, 3)
	for i, batch := range []string{"batch01", "batch02", "batch03"} {
		require.Len(t, fc.LoadCalls[i].SourceURIs, 1)
		assert.Contains(t, fc.LoadCalls[i].SourceURIs[0], "/"+batch+"/")
	}

	_, err = gw.Stat(ctx, "b", "ds1/t1/_bqlock")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
	_, err = gw.Stat(ctx, "b", "ds1/t1/_BACKFILL")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestSubscriberResumesAfterRestartHandoffWithoutDuplicateDispatch(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()

	for _, batch := range []string{"batch01", "batch02", "batch03"} {
		_, err := gw.CreateIfAbsent(ctx, "b", "ds1/t1/"+batch+"/data1.csv", []byte("a,b,c"))
		require.NoError(t, err)
		_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/"+batch+"/_SUCCESS", []byte{})
		require.NoError(t, err)
		_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/_backlog/"+batch+"/_SUCCESS", []byte{})
		require.NoError(t, err)
	}
	_, err := gw.CreateIfAbsent(ctx, "b", "ds1/t1/_BACKFILL", []byte{})
	require.NoError(t, err)

	fc := warehouse.NewFakeClient()
	fc.DefaultDone = false // batch01's job stays "running" across the restart boundary

	parser, err := pathparser.New("")
	require.NoError(t, err)
	resolver := configresolver.New(gw, "test-fn")
	b := batcher.New(gw, 0, 0)
	planner := warehouse.New(fc, warehouse.Options{JobPrefix: "gcf-ingest-"}, zap.NewNop())
	claims := claim.New(gw)
	lock := NewLock(gw, "gcf-ingest-")
	// A tight function-timeout/restart-buffer pair (a 2s window) and a 1s
	// polling timeout mean the first invocation dispatches batch01, whose
	// fail-fast watch sees it still running, and hits its restart deadline
	// before touching batch02 or batch03.
	firstOpts := Options{FunctionTimeoutSecs: 3, RestartBufferSecs: 1, PollingTimeoutSecs: 1, EnsureSubscriberSecs: 30}
	sub := NewSubscriber(gw, lock, claims, b, resolver, planner, parser, firstOpts, zap.NewNop())

	err = sub.Run(ctx, "b", "ds1/t1", time.Now())
	require.NoError(t, err)
	require.Len(t, fc.LoadCalls, 1, "only batch01 should have been dispatched before the restart deadline")
	firstJobID := fc.LoadCalls[0].JobID

	_, err = gw.Stat(ctx, "b", "ds1/t1/_BACKFILL")
	require.NoError(t, err, "restart handoff must recreate the backfill sentinel")

	insp, err := lock.Inspect(ctx, "b", "ds1/t1")
	require.NoError(t, err)
	assert.Equal(t, LockJob, insp.State)
	assert.Equal(t, firstJobID, insp.Payload, "lock still tracks batch01's outstanding job")

	// A resuming invocation finds batch01's job done and drains the rest.
	fc.SetStatus(firstJobID, warehouse.StatusDone)
	fc.DefaultDone = true

	secondOpts := Options{FunctionTimeoutSecs: 60, RestartBufferSecs: 1, EnsureSubscriberSecs: 30}
	sub2 := NewSubscriber(gw, lock, claims, b, resolver, planner, parser, secondOpts, zap.NewNop())
	err = sub2.Run(ctx, "b", "ds1/t1", time.Now())
	require.NoError(t, err)

	require.Len(t, fc.LoadCalls, 3, "batch02 and batch03 dispatch, batch01 is not re-dispatched")
	assert.Equal(t, firstJobID, fc.LoadCalls[0].JobID)
	for i, batch := range []string{"batch02", "batch03"} {
		require.Len(t, fc.LoadCalls[i+1].SourceURIs, 1)
		assert.Contains(t, fc.LoadCalls[i+1].SourceURIs[0], "/"+batch+"/")
	}

	_, err = gw.Stat(ctx, "b", "ds1/t1/_bqlock")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
	_, err = gw.Stat(ctx, "b", "ds1/t1/_BACKFILL")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestSubscriberManualHoldNeverOverwritesLock(t *testing.T) {
	gw := objectstore.NewMemory()
	ctx := context.Background()

	_, err := gw.CreateIfAbsent(ctx, "b", "ds1/t1/batch01/data1.csv", []byte("a,b,c"))
	require.NoError(t, err)
	_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/batch01/_SUCCESS", []byte{})
	require.NoError(t, err)
	_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/_backlog/batch01/_SUCCESS", []byte{})
	require.NoError(t, err)
	_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/_BACKFILL", []byte{})
	require.NoError(t, err)
	_, err = gw.CreateIfAbsent(ctx, "b", "ds1/t1/_bqlock", []byte("hold: manual investigation"))
	require.NoError(t, err)

	fc := warehouse.NewFakeClient()
	parser, err := pathparser.New("")
	require.NoError(t, err)
	resolver := configresolver.New(gw, "test-fn")
	b := batcher.New(gw, 0, 0)
	planner := warehouse.New(fc, warehouse.Options{JobPrefix: "gcf-ingest-"}, zap.NewNop())
	claims := claim.New(gw)
	lock := NewLock(gw, "gcf-ingest-")
	// Tiny timeouts so the manual-hold sleep loop exits the restart window quickly.
	opts := Options{FunctionTimeoutSecs: 3, RestartBufferSecs: 1, PollingTimeoutSecs: 1, EnsureSubscriberSecs: 30}
	sub := NewSubscriber(gw, lock, claims, b, resolver, planner, parser, opts, zap.NewNop())

	err = sub.Run(ctx, "b", "ds1/t1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, fc.LoadCalls)

	data, err := gw.GetObject(ctx, "b", "ds1/t1/_bqlock")
	require.NoError(t, err)
	assert.Equal(t, "hold: manual investigation", string(data))
}

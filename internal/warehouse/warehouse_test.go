package warehouse

import (
	"context"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/batcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/configresolver"
	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/pathparser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDispatchLoadPathOneJobPerBatch(t *testing.T) {
	fc := NewFakeClient()
	p := New(fc, Options{}, zap.NewNop())
	dest := pathparser.Destination{Dataset: "ds1", Table: "t1"}
	cfg := configresolver.Resolved{Load: map[string]interface{}{"writeDisposition": "WRITE_APPEND"}}
	batches := []batcher.Batch{{URIs: []string{"gs://b/a"}}, {URIs: []string{"gs://b/b"}}}

	ids, err := p.Dispatch(context.Background(), dest, cfg, batches)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Len(t, fc.LoadCalls, 2)
	assert.Empty(t, fc.QueryCalls)
}

func TestDispatchExternalQueryPathSingleJob(t *testing.T) {
	fc := NewFakeClient()
	p := New(fc, Options{}, zap.NewNop())
	dest := pathparser.Destination{Dataset: "ds1", Table: "t1", Partition: "$2023010100"}
	cfg := configresolver.Resolved{
		External: map[string]interface{}{"sourceFormat": "CSV"},
		SQL:      "INSERT {dest_dataset}.{dest_table} SELECT * FROM temp_ext",
	}
	batches := []batcher.Batch{{URIs: []string{"gs://b/a", "gs://b/b"}}}

	ids, err := p.Dispatch(context.Background(), dest, cfg, batches)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Len(t, fc.QueryCalls, 1)
	assert.Equal(t, "INSERT ds1.t1$2023010100 SELECT * FROM temp_ext", fc.QueryCalls[0].SQL)
	assert.Equal(t, []string{"gs://b/a", "gs://b/b"}, fc.QueryCalls[0].SourceURIs)
}

func TestDispatchPendingJobPassesWatchThenPollOnceSurfacesJobFailure(t *testing.T) {
	fc := NewFakeClient()
	fc.DefaultDone = false
	p := New(fc, Options{WaitForJobSecs: 1, PollIntervalSecs: 1}, zap.NewNop())
	dest := pathparser.Destination{Dataset: "ds1", Table: "t1"}
	cfg := configresolver.Resolved{Load: map[string]interface{}{}}
	batches := []batcher.Batch{{URIs: []string{"gs://b/a"}}}

	ids, err := p.Dispatch(context.Background(), dest, cfg, batches)
	require.NoError(t, err, "first dispatch with a pending job should not fail fast within the window by default")
	require.Len(t, ids, 1)

	fc.SetStatus(ids[0], StatusError)
	_, pollErr := p.PollOnce(context.Background(), ids[0])
	require.Error(t, pollErr)
	assert.True(t, ingesterr.Is(pollErr, ingesterr.KindJobFailure))
}

func TestJobIDDeterministicShape(t *testing.T) {
	p := New(NewFakeClient(), Options{JobPrefix: "gcf-ingest-"}, zap.NewNop())
	id := p.JobID(pathparser.Destination{Dataset: "ds1", Table: "t1", Partition: "$2023", Batch: "batch01"})
	assert.Contains(t, id, "gcf-ingest-ds1-t1-$2023-batch01-")
}

func TestJobIDOmitsPartitionAndBatchAsNone(t *testing.T) {
	p := New(NewFakeClient(), Options{JobPrefix: "gcf-ingest-"}, zap.NewNop())
	id := p.JobID(pathparser.Destination{Dataset: "ds1", Table: "t1"})
	assert.Contains(t, id, "gcf-ingest-ds1-t1-None-None-")
}

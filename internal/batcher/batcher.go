// Copyright 2025 James Ross
// Package batcher lists sibling data objects under a success marker's
// prefix and partitions them into one or more URI batches bounded by
// cumulative bytes and cardinality, per spec section 4.4. The listing
// and exclusion logic is grounded on a local filesystem walk-and-filter
// loop, adapted from a recursive directory walk to a non-recursive
// object-store listing.
package batcher

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obsmetrics"
)

// DefaultMaxBatchBytes is the default cumulative-bytes cap per batch
// (spec section 4.4 / original_source constants.py DEFAULT_MAX_BATCH_BYTES).
const DefaultMaxBatchBytes int64 = 15_000_000_000_000

// DefaultMaxSourceURIs is the default per-batch cardinality cap.
const DefaultMaxSourceURIs int = 10_000

// Batch is one bounded group of source URIs.
type Batch struct {
	URIs  []string
	Bytes int64
}

// Batcher partitions sibling data objects into Batches.
type Batcher struct {
	gw           objectstore.Gateway
	maxBytes     int64
	maxURIs      int
}

// New builds a Batcher. maxBytes/maxURIs of 0 fall back to the
// package defaults.
func New(gw objectstore.Gateway, maxBytes int64, maxURIs int) *Batcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}
	if maxURIs <= 0 {
		maxURIs = DefaultMaxSourceURIs
	}
	return &Batcher{gw: gw, maxBytes: maxBytes, maxURIs: maxURIs}
}

// Batch lists siblings of markerKey (excluding the marker itself, the
// root prefix entry, zero-byte objects, and everything under _config/)
// and greedily fills batches. Fails with NoSourceFiles if nothing
// qualifies.
func (b *Batcher) Batch(ctx context.Context, bucket, markerKey string) ([]Batch, error) {
	prefix := path.Dir(markerKey) + "/"
	entries, err := b.gw.ListWithPrefix(ctx, bucket, prefix, "/")
	if err != nil {
		return nil, err
	}

	var batches []Batch
	var cur Batch
	for _, e := range entries {
		if !qualifies(e, markerKey, prefix) {
			continue
		}
		uri := fmt.Sprintf("gs://%s/%s", bucket, e.Key)

		wouldExceed := cur.Bytes+e.Size > b.maxBytes || len(cur.URIs)+1 > b.maxURIs
		if wouldExceed && len(cur.URIs) > 0 {
			batches = append(batches, cur)
			cur = Batch{}
		}
		cur.URIs = append(cur.URIs, uri)
		cur.Bytes += e.Size
	}
	if len(cur.URIs) > 0 {
		batches = append(batches, cur)
	}

	if len(batches) == 0 {
		obsmetrics.NoSourceFilesTotal.Inc()
		return nil, ingesterr.New(ingesterr.KindNoSourceFiles, fmt.Sprintf("no qualifying source files under %s", prefix))
	}
	obsmetrics.BatchesTotal.Add(float64(len(batches)))
	return batches, nil
}

func qualifies(e objectstore.ObjectMeta, markerKey, prefix string) bool {
	if strings.HasSuffix(e.Key, "/") {
		return false // pseudo-directory entry, e.g. _config/
	}
	if e.Key == markerKey {
		return false
	}
	if e.Key == prefix {
		return false
	}
	if e.Size == 0 {
		return false
	}
	rel := strings.TrimPrefix(e.Key, prefix)
	if strings.HasPrefix(rel, "_") {
		return false // control files (e.g. _backlog, _bqlock, _BACKFILL siblings)
	}
	return true
}

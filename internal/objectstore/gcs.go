// Copyright 2025 James Ross
package objectstore

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCS adapts the Gateway interface onto cloud.google.com/go/storage. The
// object-store SDK is explicitly out of scope per spec section 1 ("thin
// capability surface"); apart from cmd/ingest-controller, which constructs
// the storage client, this adapter is the only place that imports the GCS
// client, so the rest of the coordinator depends only on Gateway.
type GCS struct {
	client *storage.Client
}

// NewGCS wraps an already-initialized storage client. Callers own the
// client's lifecycle (spec section 9: lazily-initialized shared handle,
// one per invocation or reused across a warm instance).
func NewGCS(client *storage.Client) *GCS {
	return &GCS{client: client}
}

func (g *GCS) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) Stat(ctx context.Context, bucket, key string) (ObjectMeta, error) {
	attrs, err := g.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectMeta{}, ErrNotFound
		}
		return ObjectMeta{}, err
	}
	return attrsToMeta(attrs), nil
}

func (g *GCS) CreateIfAbsent(ctx context.Context, bucket, key string, data []byte) (Result, error) {
	obj := g.client.Bucket(bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		return Precondition, err
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return Precondition, nil
		}
		return Precondition, err
	}
	return Ok, nil
}

func (g *GCS) UpdateIfGeneration(ctx context.Context, bucket, key string, data []byte, gen int64) (Result, error) {
	obj := g.client.Bucket(bucket).Object(key).If(storage.Conditions{GenerationMatch: gen})
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		return Precondition, err
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return Precondition, nil
		}
		return Precondition, err
	}
	return Ok, nil
}

func (g *GCS) DeleteIfGeneration(ctx context.Context, bucket, key string, gen int64) (Result, error) {
	obj := g.client.Bucket(bucket).Object(key).If(storage.Conditions{GenerationMatch: gen})
	if err := obj.Delete(ctx); err != nil {
		if isPreconditionFailed(err) || errors.Is(err, storage.ErrObjectNotExist) {
			return Precondition, nil
		}
		return Precondition, err
	}
	return Ok, nil
}

func (g *GCS) ListWithPrefix(ctx context.Context, bucket, prefix, delimiter string) ([]ObjectMeta, error) {
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: delimiter})
	var out []ObjectMeta
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		if attrs.Prefix != "" {
			out = append(out, ObjectMeta{Key: attrs.Prefix})
			continue
		}
		out = append(out, attrsToMeta(attrs))
	}
	return out, nil
}

func (g *GCS) LookupBucket(ctx context.Context, bucket string) error {
	_, err := g.client.Bucket(bucket).Attrs(ctx)
	return err
}

func attrsToMeta(attrs *storage.ObjectAttrs) ObjectMeta {
	return ObjectMeta{
		Key:         attrs.Name,
		Size:        attrs.Size,
		TimeCreated: attrs.Created,
		Generation:  attrs.Generation,
	}
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 412
	}
	return false
}

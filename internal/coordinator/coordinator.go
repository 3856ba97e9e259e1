// Copyright 2025 James Ross
// Package coordinator is the entry point each notification goes
// through, per spec section 4.9: parse, filter no-ops, decide ordering,
// and dispatch to either the unordered fast path or the backlog
// publisher/subscriber.
package coordinator

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/backlog"
	"github.com/flyingrobots/go-redis-work-queue/internal/batcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/claim"
	"github.com/flyingrobots/go-redis-work-queue/internal/configresolver"
	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/notification"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obstrace"
	"github.com/flyingrobots/go-redis-work-queue/internal/pathparser"
	"github.com/flyingrobots/go-redis-work-queue/internal/warehouse"
	"go.uber.org/zap"
)

// Default names of the success and backfill basenames the coordinator
// reacts to; the third trigger, Options.StartBackfillFilename, has no
// default and is recognized only when set. Anything else is a no-op
// (spec section 4.9 step 1).
const (
	successBasename  = "_SUCCESS"
	backfillBasename = "_BACKFILL"
)

// Options configures a Coordinator.
type Options struct {
	SuccessFilename       string
	BackfillFilename      string
	StartBackfillFilename string
	OrderAllJobs          bool
}

func (o Options) successName() string {
	if o.SuccessFilename != "" {
		return o.SuccessFilename
	}
	return successBasename
}

func (o Options) backfillName() string {
	if o.BackfillFilename != "" {
		return o.BackfillFilename
	}
	return backfillBasename
}

// Coordinator wires together every dependency-ordered component from
// spec section 2 and implements the decision tree in section 4.9.
type Coordinator struct {
	gw         objectstore.Gateway
	parser     *pathparser.Parser
	resolver   *configresolver.Resolver
	batcher    *batcher.Batcher
	planner    *warehouse.Planner
	claims     *claim.Manager
	lock       *backlog.Lock
	publisher  *backlog.Publisher
	subscriber *backlog.Subscriber
	opts       Options
	log        *zap.Logger
}

// New builds a Coordinator from its already-constructed dependencies.
func New(
	gw objectstore.Gateway,
	parser *pathparser.Parser,
	resolver *configresolver.Resolver,
	b *batcher.Batcher,
	planner *warehouse.Planner,
	claims *claim.Manager,
	lock *backlog.Lock,
	publisher *backlog.Publisher,
	subscriber *backlog.Subscriber,
	opts Options,
	log *zap.Logger,
) *Coordinator {
	return &Coordinator{
		gw: gw, parser: parser, resolver: resolver, batcher: b, planner: planner,
		claims: claims, lock: lock, publisher: publisher, subscriber: subscriber,
		opts: opts, log: log,
	}
}

// Handle processes one raw notification envelope, per spec section 4.9.
func (c *Coordinator) Handle(ctx context.Context, raw []byte, invocationStart time.Time) error {
	n, err := notification.Parse(raw)
	if err != nil {
		return err
	}
	ctx, span := obstrace.StartNotification(ctx, n.Bucket, n.Object)
	defer span.End()

	if err := c.handleObject(ctx, n.Bucket, n.Object, invocationStart); err != nil {
		obstrace.RecordError(ctx, err)
		return err
	}
	obstrace.SetSuccess(ctx)
	return nil
}

func (c *Coordinator) handleObject(ctx context.Context, bucket, object string, invocationStart time.Time) error {
	base := path.Base(object)
	switch base {
	case c.opts.successName():
		if strings.Contains(object, "/_backlog/") {
			return nil // internal backlog artifact, not a real trigger
		}
		return c.handleSuccess(ctx, bucket, object, invocationStart)
	case c.opts.backfillName():
		return c.handleBackfill(ctx, bucket, object, invocationStart)
	default:
		if c.opts.StartBackfillFilename != "" && base == c.opts.StartBackfillFilename {
			return c.handleStartBackfill(ctx, bucket, object)
		}
		return nil
	}
}

func (c *Coordinator) handleSuccess(ctx context.Context, bucket, object string, invocationStart time.Time) error {
	cfg, err := c.resolver.Resolve(ctx, bucket, object)
	if err != nil {
		return err
	}
	ordered := c.opts.OrderAllJobs || cfg.Ordered

	meta, err := c.gw.Stat(ctx, bucket, object)
	if err != nil {
		return err
	}
	if err := c.claims.Claim(ctx, bucket, object, meta.TimeCreated.Unix()); err != nil {
		if ingesterr.Is(err, ingesterr.KindDuplicateNotification) {
			c.log.Info("duplicate success notification, no-op", zap.String("object", object))
			return nil
		}
		return err
	}

	if !ordered {
		return c.dispatchUnordered(ctx, bucket, object, cfg)
	}

	tablePrefix, err := c.parser.TablePrefix(object)
	if err != nil {
		return err
	}
	return c.publisher.Publish(ctx, bucket, tablePrefix, object)
}

func (c *Coordinator) handleBackfill(ctx context.Context, bucket, object string, invocationStart time.Time) error {
	tablePrefix := path.Dir(object)
	return c.subscriber.Run(ctx, bucket, tablePrefix, invocationStart)
}

func (c *Coordinator) handleStartBackfill(ctx context.Context, bucket, object string) error {
	tablePrefix := path.Dir(object)
	_, err := c.publisher.StartSubscriberIfNotRunning(ctx, bucket, tablePrefix)
	return err
}

func (c *Coordinator) dispatchUnordered(ctx context.Context, bucket, object string, cfg configresolver.Resolved) error {
	dest, err := c.parser.Parse(object)
	if err != nil {
		return err
	}
	batches, err := c.batcher.Batch(ctx, bucket, object)
	if err != nil {
		return err
	}
	_, err = c.planner.Dispatch(ctx, dest, cfg, batches)
	return err
}

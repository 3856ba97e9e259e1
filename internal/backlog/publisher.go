// Copyright 2025 James Ross
package backlog

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obsmetrics"
	"go.uber.org/zap"
)

const (
	backlogDir   = "_backlog"
	backfillName = "_BACKFILL"
)

func backlogKey(tablePrefix, relative string) string {
	return path.Join(tablePrefix, backlogDir, relative)
}

func backfillKey(tablePrefix string) string {
	return path.Join(tablePrefix, backfillName)
}

// Publisher enqueues success markers onto a table's backlog and ensures
// a subscriber is running to drain it, per spec section 4.7.
type Publisher struct {
	gw   objectstore.Gateway
	lock *Lock
	opts Options
	log  *zap.Logger
}

// NewPublisher builds a Publisher.
func NewPublisher(gw objectstore.Gateway, lock *Lock, opts Options, log *zap.Logger) *Publisher {
	return &Publisher{gw: gw, lock: lock, opts: opts, log: log}
}

// Publish enqueues markerKey under tablePrefix's backlog, triggers the
// subscriber if one is not already scheduled, then runs the race
// monitor before returning (spec section 4.7 steps 1-4).
func (p *Publisher) Publish(ctx context.Context, bucket, tablePrefix, markerKey string) error {
	relative := strings.TrimPrefix(markerKey, tablePrefix+"/")
	key := backlogKey(tablePrefix, relative)
	if _, err := p.gw.CreateIfAbsent(ctx, bucket, key, []byte{}); err != nil {
		return err
	}
	if _, err := p.StartSubscriberIfNotRunning(ctx, bucket, tablePrefix); err != nil {
		return err
	}
	return p.raceMonitor(ctx, bucket, tablePrefix)
}

// StartSubscriberIfNotRunning attempts to create the _BACKFILL sentinel
// that triggers a subscriber invocation. When StartBackfillFilename is
// configured, it first requires that gate file to exist under
// tablePrefix; absence of the gate is treated as "do nothing", not an
// error.
func (p *Publisher) StartSubscriberIfNotRunning(ctx context.Context, bucket, tablePrefix string) (started bool, err error) {
	if p.opts.StartBackfillFilename != "" {
		_, err := p.gw.Stat(ctx, bucket, path.Join(tablePrefix, p.opts.StartBackfillFilename))
		if err == objectstore.ErrNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	res, err := p.gw.CreateIfAbsent(ctx, bucket, backfillKey(tablePrefix), []byte{})
	if err != nil {
		return false, err
	}
	return res == objectstore.Ok, nil
}

// raceMonitor implements spec section 4.8's publisher-side mitigation:
// after enqueuing, sleep ensure_subscriber_seconds, then repeatedly
// check that _BACKFILL re-exists, re-triggering the subscriber on each
// miss. Bounded by maxRaceMonitorAttempts since this runs inline in a
// single short-lived invocation.
func (p *Publisher) raceMonitor(ctx context.Context, bucket, tablePrefix string) error {
	wait := p.opts.ensureSubscriber()
	for attempt := 0; attempt < maxRaceMonitorAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		_, err := p.gw.Stat(ctx, bucket, backfillKey(tablePrefix))
		if err == nil {
			return nil
		}
		if err != objectstore.ErrNotFound {
			return err
		}
		p.log.Warn("backfill sentinel missing after enqueue, re-triggering subscriber",
			zap.String("table_prefix", tablePrefix), zap.Int("attempt", attempt+1))
		obsmetrics.RaceMonitorRetriggersTotal.Inc()
		if _, err := p.StartSubscriberIfNotRunning(ctx, bucket, tablePrefix); err != nil {
			return err
		}
	}
	p.log.Error("backfill sentinel still missing after race monitor retries, table may be orphaned",
		zap.String("table_prefix", tablePrefix))
	return nil
}

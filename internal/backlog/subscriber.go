// Copyright 2025 James Ross
package backlog

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/batcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/claim"
	"github.com/flyingrobots/go-redis-work-queue/internal/configresolver"
	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obsmetrics"
	"github.com/flyingrobots/go-redis-work-queue/internal/pathparser"
	"github.com/flyingrobots/go-redis-work-queue/internal/warehouse"
	"go.uber.org/zap"
)

// Subscriber drains one table's backlog, dispatching one batched job at
// a time under the table lock, per spec section 4.7. Its main loop is
// grounded on a Redis-backed worker's run-one-job loop: a
// for-condition loop, polled state instead of BRPOPLPUSH, and the same
// "abort and leave state in place for a human" policy on terminal
// failure.
type Subscriber struct {
	gw       objectstore.Gateway
	lock     *Lock
	claims   *claim.Manager
	batcher  *batcher.Batcher
	resolver *configresolver.Resolver
	planner  *warehouse.Planner
	parser   *pathparser.Parser
	opts     Options
	log      *zap.Logger
}

// NewSubscriber builds a Subscriber.
func NewSubscriber(gw objectstore.Gateway, lock *Lock, claims *claim.Manager, b *batcher.Batcher, resolver *configresolver.Resolver, planner *warehouse.Planner, parser *pathparser.Parser, opts Options, log *zap.Logger) *Subscriber {
	return &Subscriber{gw: gw, lock: lock, claims: claims, batcher: b, resolver: resolver, planner: planner, parser: parser, opts: opts, log: log}
}

// Run drains tablePrefix's backlog until it is empty or the restart
// deadline approaches, per spec section 4.7's subscriber loop.
// invocationStart is the host-reported start time of this invocation,
// used to compute the restart deadline.
func (s *Subscriber) Run(ctx context.Context, bucket, tablePrefix string, invocationStart time.Time) error {
	restartDeadline := invocationStart.Add(s.opts.functionTimeout() - s.opts.restartBuffer())
	bfKey := backfillKey(tablePrefix)

	bfMeta, err := s.gw.Stat(ctx, bucket, bfKey)
	if err != nil {
		return err
	}
	if err := s.claims.Claim(ctx, bucket, bfKey, bfMeta.TimeCreated.Unix()); err != nil {
		if ingesterr.Is(err, ingesterr.KindDuplicateNotification) {
			s.log.Info("backfill sentinel already claimed by another invocation", zap.String("table_prefix", tablePrefix))
			return nil
		}
		return err
	}

	lastJobDone := false
	pollTimeout := s.opts.pollingTimeout()

	for time.Now().Add(pollTimeout).Before(restartDeadline) {
		insp, err := s.lock.Inspect(ctx, bucket, tablePrefix)
		if err != nil {
			return err
		}

		switch insp.State {
		case LockJob:
			done, err := s.pollJob(ctx, insp.Payload, pollTimeout)
			if err != nil {
				s.log.Error("job failed while subscriber held it, leaving lock for operator intervention",
					zap.String("table_prefix", tablePrefix), zap.String("job_id", insp.Payload), zap.Error(err))
				return err
			}
			if !done {
				// Outstanding job still running: don't touch the backlog
				// head again until it finishes.
				continue
			}
			lastJobDone = true
		case LockManual:
			s.log.Info("table lock is a manual hold, sleeping", zap.String("table_prefix", tablePrefix))
			if !sleepCtx(ctx, pollTimeout) {
				return ctx.Err()
			}
			continue
		case LockAbsent:
			// No outstanding job; fall through to check the next item.
		}

		if lastJobDone {
			if err := s.removeOldest(ctx, bucket, tablePrefix); err != nil {
				return err
			}
			lastJobDone = false
		}

		listedAt := time.Now()
		next, ok, err := s.nextItem(ctx, bucket, tablePrefix)
		if err != nil {
			return err
		}
		if !ok {
			drained, err := s.tryDrain(ctx, bucket, tablePrefix, bfKey, listedAt)
			if err != nil {
				return err
			}
			if drained {
				return nil
			}
			continue
		}

		successKey := strings.Replace(next.Key, "/"+backlogDir+"/", "/", 1)
		if _, err := s.gw.Stat(ctx, bucket, successKey); err == objectstore.ErrNotFound {
			return ingesterr.New(ingesterr.KindBacklogInconsistent,
				fmt.Sprintf("backlog item %s has no matching success marker %s", next.Key, successKey))
		} else if err != nil {
			return err
		}

		if err := s.dispatchNext(ctx, bucket, tablePrefix, successKey, insp); err != nil {
			return err
		}
	}

	// Deadline approaching: hand off to a fresh invocation by re-creating
	// _BACKFILL, which gives it a new creation time and so a fresh claim key.
	if meta, err := s.gw.Stat(ctx, bucket, bfKey); err == nil {
		if _, err := s.gw.DeleteIfGeneration(ctx, bucket, bfKey, meta.Generation); err != nil {
			return err
		}
	} else if err != objectstore.ErrNotFound {
		return err
	}
	if _, err := s.gw.CreateIfAbsent(ctx, bucket, bfKey, []byte{}); err != nil {
		return err
	}
	obsmetrics.SubscriberRestartsTotal.Inc()
	s.log.Info("subscriber restart deadline reached, handed off", zap.String("table_prefix", tablePrefix))
	return nil
}

// pollJob polls jobID's status once per spec section 4.7a ("poll that
// job id for polling_timeout seconds"), sleeping out the remainder of
// the window when the job is still running.
func (s *Subscriber) pollJob(ctx context.Context, jobID string, timeout time.Duration) (done bool, err error) {
	done, err = s.planner.PollOnce(ctx, jobID)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}
	sleepCtx(ctx, timeout)
	return false, nil
}

// nextItem lists the lexicographically smallest backlog item, which is
// the oldest one since backlog keys mirror success-marker paths that
// carry date/time components.
func (s *Subscriber) nextItem(ctx context.Context, bucket, tablePrefix string) (objectstore.ObjectMeta, bool, error) {
	prefix := path.Join(tablePrefix, backlogDir) + "/"
	entries, err := s.gw.ListWithPrefix(ctx, bucket, prefix, "")
	if err != nil {
		return objectstore.ObjectMeta{}, false, err
	}
	obsmetrics.BacklogDepth.WithLabelValues(tablePrefix).Set(float64(len(entries)))
	if len(entries) == 0 {
		return objectstore.ObjectMeta{}, false, nil
	}
	return entries[0], true, nil
}

func (s *Subscriber) removeOldest(ctx context.Context, bucket, tablePrefix string) error {
	item, ok, err := s.nextItem(ctx, bucket, tablePrefix)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	res, err := s.gw.DeleteIfGeneration(ctx, bucket, item.Key, item.Generation)
	if err != nil {
		return err
	}
	if res == objectstore.Precondition {
		s.log.Debug("oldest backlog item already removed", zap.String("key", item.Key))
	}
	return nil
}

// tryDrain implements spec section 4.7d/4.8: with an empty backlog,
// attempt to delete _BACKFILL and release the lock, but refuse (and
// signal the caller to loop again) if more than ensure_subscriber_seconds
// elapsed since the listing that found it empty, or if a fresh item
// shows up on re-list.
func (s *Subscriber) tryDrain(ctx context.Context, bucket, tablePrefix, bfKey string, listedAt time.Time) (drained bool, err error) {
	if time.Since(listedAt) > s.opts.ensureSubscriber() {
		_, ok, err := s.nextItem(ctx, bucket, tablePrefix)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil // a new item appeared; caller loops again
		}
	}

	bfMeta, err := s.gw.Stat(ctx, bucket, bfKey)
	if err == objectstore.ErrNotFound {
		return true, nil // already gone
	}
	if err != nil {
		return false, err
	}
	res, err := s.gw.DeleteIfGeneration(ctx, bucket, bfKey, bfMeta.Generation)
	if err != nil {
		return false, err
	}
	if res == objectstore.Precondition {
		return false, nil // recreated underneath us; caller loops again
	}

	insp, err := s.lock.Inspect(ctx, bucket, tablePrefix)
	if err != nil {
		return false, err
	}
	if insp.State == LockAbsent {
		return true, nil
	}
	res, err = s.lock.Release(ctx, bucket, tablePrefix, insp.Generation)
	if err != nil {
		return false, err
	}
	if res == objectstore.Precondition {
		obsmetrics.BacklogConflictsTotal.Inc()
		return false, ingesterr.New(ingesterr.KindBacklogConflict, fmt.Sprintf("table lock generation changed before release for %s", tablePrefix))
	}
	return true, nil
}

// dispatchNext batches, resolves config, and dispatches successKey,
// reclaiming the table lock with the allocated job id before submitting
// (spec section 4.6: "reclaiming the lock with that id before dispatch").
func (s *Subscriber) dispatchNext(ctx context.Context, bucket, tablePrefix, successKey string, insp Inspection) error {
	dest, err := s.parser.Parse(successKey)
	if err != nil {
		return err
	}
	cfg, err := s.resolver.Resolve(ctx, bucket, successKey)
	if err != nil {
		return err
	}
	batches, err := s.batcher.Batch(ctx, bucket, successKey)
	if err != nil {
		return err
	}

	ids := s.planner.PrepareIDs(dest, cfg, batches)
	trackID := ids[len(ids)-1]

	if insp.State == LockAbsent {
		if _, err := s.lock.Take(ctx, bucket, tablePrefix, trackID); err != nil {
			return err
		}
	} else {
		res, err := s.lock.Reclaim(ctx, bucket, tablePrefix, trackID, insp.Generation)
		if err != nil {
			return err
		}
		if res == objectstore.Precondition {
			obsmetrics.BacklogConflictsTotal.Inc()
			return ingesterr.New(ingesterr.KindBacklogConflict, fmt.Sprintf("table lock generation changed underneath subscriber for %s", tablePrefix))
		}
	}

	if _, err := s.planner.DispatchWithIDs(ctx, dest, cfg, batches, ids); err != nil {
		return err
	}
	return nil
}

// sleepCtx sleeps for d or until ctx is canceled, returning false if
// canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Copyright 2025 James Ross
// Package backlog implements the per-table backlog queue and lock from
// spec sections 4.6-4.8: a lexicographically ordered queue materialized
// as objects under <table-prefix>/_backlog/, a mutual-exclusion lock
// object at <table-prefix>/_bqlock, and the publisher/subscriber loop
// that drains it. The drain loop is grounded on a Redis-backed worker's
// run-one-job loop: a for loop bounded by the restart deadline, with
// BRPOPLPUSH's role played by a lexicographic listing of backlog objects.
package backlog

import (
	"context"
	"path"
	"strings"

	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
)

// LockState classifies the current holder of a table's _bqlock object.
type LockState int

const (
	// LockAbsent means no lock object exists.
	LockAbsent LockState = iota
	// LockJob means the lock is held by the subscriber and its payload
	// is the outstanding warehouse job id.
	LockJob
	// LockManual means the lock is held by a human (any non-empty
	// payload that is not a job id); callers must never overwrite it.
	LockManual
)

const lockName = "_bqlock"

// Lock wraps conditional object-store operations over a table's
// _bqlock object.
type Lock struct {
	gw        objectstore.Gateway
	jobPrefix string
}

// NewLock builds a Lock. jobPrefix distinguishes a job-id payload from a
// manual hold (spec section 4.6).
func NewLock(gw objectstore.Gateway, jobPrefix string) *Lock {
	return &Lock{gw: gw, jobPrefix: jobPrefix}
}

func (l *Lock) key(tablePrefix string) string {
	return path.Join(tablePrefix, lockName)
}

// Inspection is the current state of a table's lock.
type Inspection struct {
	State      LockState
	Payload    string
	Generation int64
}

// Inspect reads the current lock state.
func (l *Lock) Inspect(ctx context.Context, bucket, tablePrefix string) (Inspection, error) {
	key := l.key(tablePrefix)
	data, err := l.gw.GetObject(ctx, bucket, key)
	if err == objectstore.ErrNotFound {
		return Inspection{State: LockAbsent}, nil
	}
	if err != nil {
		return Inspection{}, err
	}
	meta, err := l.gw.Stat(ctx, bucket, key)
	if err != nil {
		if err == objectstore.ErrNotFound {
			// Deleted between the two reads; treat as absent.
			return Inspection{State: LockAbsent}, nil
		}
		return Inspection{}, err
	}
	payload := string(data)
	state := LockManual
	if strings.HasPrefix(payload, l.jobPrefix) {
		state = LockJob
	}
	return Inspection{State: state, Payload: payload, Generation: meta.Generation}, nil
}

// Reclaim overwrites the lock with a fresh job id, generation-matched
// against the last observed generation (spec section 4.6: "Subsequent
// dispatches: overwrite using generation-match equal to the read
// generation").
func (l *Lock) Reclaim(ctx context.Context, bucket, tablePrefix, jobID string, gen int64) (objectstore.Result, error) {
	return l.gw.UpdateIfGeneration(ctx, bucket, l.key(tablePrefix), []byte(jobID), gen)
}

// Take creates the lock when absent (first dispatch).
func (l *Lock) Take(ctx context.Context, bucket, tablePrefix, jobID string) (objectstore.Result, error) {
	return l.gw.CreateIfAbsent(ctx, bucket, l.key(tablePrefix), []byte(jobID))
}

// Release deletes the lock once the backlog has drained empty.
// Precondition indicates a BacklogConflict (spec section 4.6).
func (l *Lock) Release(ctx context.Context, bucket, tablePrefix string, gen int64) (objectstore.Result, error) {
	return l.gw.DeleteIfGeneration(ctx, bucket, l.key(tablePrefix), gen)
}

// Copyright 2025 James Ross
// Package warehouse implements the Job Planner/Submitter from spec
// section 4.5: it chooses between a load job and an external-query job,
// submits asynchronous warehouse jobs under a deterministic id, and
// performs a short fail-fast watch.
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/batcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/breaker"
	"github.com/flyingrobots/go-redis-work-queue/internal/configresolver"
	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/obsmetrics"
	"github.com/flyingrobots/go-redis-work-queue/internal/pathparser"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExternalTableAlias is the fixed alias under which the batched source
// URIs are registered for the external-query path (spec section 4.5).
const ExternalTableAlias = "temp_ext"

// Status is the terminal state of a submitted job.
type Status int

const (
	StatusRunning Status = iota
	StatusDone
	StatusError
)

// Client is the warehouse capability surface. The real SDK
// (cloud.google.com/go/bigquery) is out of scope per spec section 1;
// this interface is the only boundary the rest of the coordinator
// depends on.
type Client interface {
	// SubmitLoadJob submits an asynchronous load job under jobID.
	SubmitLoadJob(ctx context.Context, jobID string, dataset, table, partition string, cfg map[string]interface{}, sourceURIs []string) error
	// SubmitQueryJob submits an asynchronous query job under jobID,
	// registering a temporary external table at ExternalTableAlias.
	SubmitQueryJob(ctx context.Context, jobID string, sql string, externalCfg map[string]interface{}, sourceURIs []string) error
	// JobStatus polls the terminal state of a previously submitted job.
	// A job that finished with an error yields StatusError and a nil
	// error; a non-nil error means the job was not found or the lookup
	// itself failed.
	JobStatus(ctx context.Context, jobID string) (Status, error)
}

// Planner chooses a dispatch path and submits jobs, guarded by a
// circuit breaker so a warehouse outage does not get hammered by every
// invocation in a burst (same pattern as a Redis-backed worker loop, which
// wraps dequeue-and-process with internal/breaker.CircuitBreaker the
// same way).
type Planner struct {
	client          Client
	cb              *breaker.CircuitBreaker
	jobPrefix       string
	waitForJob      time.Duration
	pollInterval    time.Duration
	log             *zap.Logger
}

// Options configures a Planner.
type Options struct {
	JobPrefix        string
	WaitForJobSecs   int
	PollIntervalSecs int
}

// New builds a Planner.
func New(client Client, opts Options, log *zap.Logger) *Planner {
	wait := time.Duration(opts.WaitForJobSecs) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}
	poll := time.Duration(opts.PollIntervalSecs) * time.Second
	if poll <= 0 {
		poll = time.Second
	}
	prefix := opts.JobPrefix
	if prefix == "" {
		prefix = "gcf-ingest-"
	}
	cb := breaker.New(time.Minute, 30*time.Second, 0.5, 5)
	return &Planner{client: client, cb: cb, jobPrefix: prefix, waitForJob: wait, pollInterval: poll, log: log}
}

// JobID builds the deterministic job id from spec sections 3 and 6:
// <prefix><dataset>-<table>-<partition|None>-<batch|None>-<uuid>.
func (p *Planner) JobID(dest pathparser.Destination) string {
	partition := dest.Partition
	if partition == "" {
		partition = "None"
	}
	batch := dest.Batch
	if batch == "" {
		batch = "None"
	}
	return fmt.Sprintf("%s%s-%s-%s-%s-%s", p.jobPrefix, dest.Dataset, dest.Table, partition, batch, uuid.New().String())
}

// Dispatch submits jobs for the batches, following the load path unless
// resolved SQL is present, in which case it follows the external-query
// path. It returns the job ids it submitted (one per batch for load,
// exactly one for external-query) after a fail-fast watch.
func (p *Planner) Dispatch(ctx context.Context, dest pathparser.Destination, cfg configresolver.Resolved, batches []batcher.Batch) ([]string, error) {
	ids := p.PrepareIDs(dest, cfg, batches)
	return p.DispatchWithIDs(ctx, dest, cfg, batches, ids)
}

// PrepareIDs allocates the job ids Dispatch would use, without submitting
// anything: one id for the external-query path, one per batch for the
// load path. Callers that must record a job id before submission (the
// backlog subscriber reclaiming its table lock, spec section 4.6) call
// this first, persist the id, then call DispatchWithIDs.
func (p *Planner) PrepareIDs(dest pathparser.Destination, cfg configresolver.Resolved, batches []batcher.Batch) []string {
	if cfg.SQL != "" {
		return []string{p.JobID(dest)}
	}
	ids := make([]string, len(batches))
	for i := range batches {
		ids[i] = p.JobID(dest)
	}
	return ids
}

// DispatchWithIDs submits jobs using caller-supplied ids (from a prior
// PrepareIDs call) instead of generating fresh ones.
func (p *Planner) DispatchWithIDs(ctx context.Context, dest pathparser.Destination, cfg configresolver.Resolved, batches []batcher.Batch, ids []string) ([]string, error) {
	if cfg.SQL != "" {
		id := ids[0]
		if err := p.submitGuarded(ctx, func() error {
			return p.client.SubmitQueryJob(ctx, id, p.formatSQL(cfg.SQL, dest), cfg.External, flattenURIs(batches))
		}); err != nil {
			return nil, err
		}
		obsmetrics.JobsSubmittedTotal.WithLabelValues("external_query").Inc()
		if err := p.watch(ctx, id); err != nil {
			obsmetrics.JobFailuresTotal.Inc()
			return nil, err
		}
		return []string{id}, nil
	}

	var submitted []string
	for i, b := range batches {
		id := ids[i]
		batch := b
		if err := p.submitGuarded(ctx, func() error {
			return p.client.SubmitLoadJob(ctx, id, dest.Dataset, dest.Table, dest.Partition, cfg.Load, batch.URIs)
		}); err != nil {
			return submitted, err
		}
		obsmetrics.JobsSubmittedTotal.WithLabelValues("load").Inc()
		submitted = append(submitted, id)
	}
	for _, id := range submitted {
		if err := p.watch(ctx, id); err != nil {
			obsmetrics.JobFailuresTotal.Inc()
			return submitted, err
		}
	}
	return submitted, nil
}

// formatSQL substitutes {dest_dataset}/{dest_table} placeholders, the
// latter including the partition decorator when present (grounded on
// original_source/.../utils.py's job-id/table substitution behavior).
func (p *Planner) formatSQL(sql string, dest pathparser.Destination) string {
	table := dest.Table
	if dest.Partition != "" {
		table = table + dest.Partition
	}
	sql = strings.ReplaceAll(sql, "{dest_dataset}", dest.Dataset)
	sql = strings.ReplaceAll(sql, "{dest_table}", table)
	return sql
}

func (p *Planner) submitGuarded(ctx context.Context, fn func() error) error {
	if !p.cb.Allow() {
		obsmetrics.CircuitBreakerState.Set(2)
		return ingesterr.New(ingesterr.KindJobFailure, "warehouse circuit breaker open, refusing to submit")
	}
	err := fn()
	p.cb.Record(err == nil)
	switch p.cb.State() {
	case breaker.Closed:
		obsmetrics.CircuitBreakerState.Set(0)
	case breaker.HalfOpen:
		obsmetrics.CircuitBreakerState.Set(1)
	case breaker.Open:
		obsmetrics.CircuitBreakerState.Set(2)
	}
	return err
}

// watch polls for terminal errors for up to waitForJob, per spec
// section 4.5 "fail-fast watch". It returns nil if no error surfaced in
// that window; the warehouse continues asynchronously either way.
func (p *Planner) watch(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(p.waitForJob)
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		status, err := p.client.JobStatus(ctx, jobID)
		if err != nil {
			return ingesterr.Wrap(ingesterr.KindJobFailure, fmt.Sprintf("job %s status lookup failed", jobID), err)
		}
		switch status {
		case StatusError:
			return ingesterr.New(ingesterr.KindJobFailure, fmt.Sprintf("job %s failed during fail-fast watch", jobID))
		case StatusDone:
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce checks a job's current status once, classifying NotFound as a
// JobFailure per spec section 4.7a ("on terminal failure or NotFound,
// raise JobFailure"). It does not loop; the subscriber loop supplies its
// own timing.
func (p *Planner) PollOnce(ctx context.Context, jobID string) (done bool, err error) {
	status, err := p.client.JobStatus(ctx, jobID)
	if err != nil {
		obsmetrics.JobFailuresTotal.Inc()
		return false, ingesterr.Wrap(ingesterr.KindJobFailure, fmt.Sprintf("job %s not found while polling", jobID), err)
	}
	switch status {
	case StatusDone:
		return true, nil
	case StatusError:
		obsmetrics.JobFailuresTotal.Inc()
		return false, ingesterr.New(ingesterr.KindJobFailure, fmt.Sprintf("job %s terminated with an error", jobID))
	default:
		return false, nil
	}
}

func flattenURIs(batches []batcher.Batch) []string {
	var out []string
	for _, b := range batches {
		out = append(out, b.URIs...)
	}
	return out
}

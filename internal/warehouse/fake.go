// Copyright 2025 James Ross
package warehouse

import (
	"context"
	"sync"
)

// FakeClient is an in-memory Client used by tests, the same role the
// miniredis plays for Redis-backed package tests.
type FakeClient struct {
	mu          sync.Mutex
	LoadCalls   []LoadCall
	QueryCalls  []QueryCall
	statuses    map[string]Status
	DefaultDone bool
}

type LoadCall struct {
	JobID      string
	Dataset    string
	Table      string
	Partition  string
	Config     map[string]interface{}
	SourceURIs []string
}

type QueryCall struct {
	JobID       string
	SQL         string
	ExternalCfg map[string]interface{}
	SourceURIs  []string
}

// NewFakeClient builds a FakeClient whose jobs are immediately Done.
func NewFakeClient() *FakeClient {
	return &FakeClient{statuses: make(map[string]Status), DefaultDone: true}
}

func (f *FakeClient) SubmitLoadJob(_ context.Context, jobID, dataset, table, partition string, cfg map[string]interface{}, sourceURIs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoadCalls = append(f.LoadCalls, LoadCall{JobID: jobID, Dataset: dataset, Table: table, Partition: partition, Config: cfg, SourceURIs: sourceURIs})
	if _, ok := f.statuses[jobID]; !ok {
		f.setStatusLocked(jobID)
	}
	return nil
}

func (f *FakeClient) SubmitQueryJob(_ context.Context, jobID string, sql string, externalCfg map[string]interface{}, sourceURIs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueryCalls = append(f.QueryCalls, QueryCall{JobID: jobID, SQL: sql, ExternalCfg: externalCfg, SourceURIs: sourceURIs})
	if _, ok := f.statuses[jobID]; !ok {
		f.setStatusLocked(jobID)
	}
	return nil
}

func (f *FakeClient) setStatusLocked(jobID string) {
	if f.DefaultDone {
		f.statuses[jobID] = StatusDone
	} else {
		f.statuses[jobID] = StatusRunning
	}
}

// SetStatus lets a test force a job into a particular terminal state.
func (f *FakeClient) SetStatus(jobID string, s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = s
}

func (f *FakeClient) JobStatus(_ context.Context, jobID string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[jobID]
	if !ok {
		return StatusError, errNotFound
	}
	return s, nil
}

var errNotFound = fakeNotFound{}

type fakeNotFound struct{}

func (fakeNotFound) Error() string { return "warehouse: job not found" }

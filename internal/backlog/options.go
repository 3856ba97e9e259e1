// Copyright 2025 James Ross
package backlog

import "time"

// Options configures the publisher, subscriber, and race monitor. Zero
// values fall back to the section 6 defaults.
type Options struct {
	// PollingTimeoutSecs bounds how long the subscriber polls an
	// outstanding job (and how long it sleeps on a manual hold) per
	// loop iteration.
	PollingTimeoutSecs int
	// RestartBufferSecs is how much of the host's invocation timeout
	// the subscriber reserves to write its restart handoff. Default 30.
	RestartBufferSecs int
	// FunctionTimeoutSecs is the host's total invocation timeout
	// budget, from which RestartBufferSecs is subtracted to compute
	// the restart deadline.
	FunctionTimeoutSecs int
	// EnsureSubscriberSecs is the race-safety window from section
	// 4.8. This constant is referenced but never defined upstream;
	// 30s matches a typical list-then-delete host round trip.
	EnsureSubscriberSecs int
	// StartBackfillFilename, when non-empty, gates
	// start-subscriber-if-not-running on that file's existence under
	// the table prefix (section 4.7).
	StartBackfillFilename string
}

func (o Options) pollingTimeout() time.Duration {
	if o.PollingTimeoutSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.PollingTimeoutSecs) * time.Second
}

func (o Options) restartBuffer() time.Duration {
	if o.RestartBufferSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.RestartBufferSecs) * time.Second
}

func (o Options) functionTimeout() time.Duration {
	if o.FunctionTimeoutSecs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(o.FunctionTimeoutSecs) * time.Second
}

func (o Options) ensureSubscriber() time.Duration {
	if o.EnsureSubscriberSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.EnsureSubscriberSecs) * time.Second
}

// maxRaceMonitorAttempts bounds the publisher's re-trigger loop in
// section 4.8 so a single short-lived invocation cannot spin forever;
// each miss is logged so an operator can see a table stuck without a
// live subscriber.
const maxRaceMonitorAttempts = 3

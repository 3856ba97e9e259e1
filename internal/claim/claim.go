// Copyright 2025 James Ross
// Package claim implements the idempotent-claim primitive from spec
// section 4.6: a witness object that makes re-handling an action marker
// safe, grounded on the same check-and-reserve shape as a Redis SETNX
// idempotency guard, but backed by conditional object-store writes
// instead.
package claim

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obsmetrics"
)

// Manager claims action markers against a Gateway.
type Manager struct {
	gw objectstore.Gateway
}

// New builds a claim Manager over gw.
func New(gw objectstore.Gateway) *Manager {
	return &Manager{gw: gw}
}

// Key derives the claim object key for an action marker at markerKey
// created at unix timestamp createdUnix, per spec section 3:
// <parent>/_claimed_<basename>_created_at_<unix_ts>.
func Key(markerKey string, createdUnix int64) string {
	parent := path.Dir(markerKey)
	base := path.Base(markerKey)
	if parent == "." {
		return fmt.Sprintf("_claimed_%s_created_at_%d", base, createdUnix)
	}
	return fmt.Sprintf("%s/_claimed_%s_created_at_%d", parent, base, createdUnix)
}

// Claim attempts to claim markerKey at the given creation time. On
// success it returns nil. If another invocation already claimed this
// exact (marker, creation-time) pair it returns a DuplicateNotification
// error, which callers treat as a successful no-op for reporting
// purposes (spec section 7).
func (m *Manager) Claim(ctx context.Context, bucket, markerKey string, createdUnix int64) error {
	key := Key(markerKey, createdUnix)
	res, err := m.gw.CreateIfAbsent(ctx, bucket, key, []byte{})
	if err != nil {
		return err
	}
	if res == objectstore.Precondition {
		obsmetrics.DuplicateNotificationsTotal.Inc()
		return ingesterr.New(ingesterr.KindDuplicateNotification, fmt.Sprintf("marker %q already claimed at %d", markerKey, createdUnix))
	}
	obsmetrics.ClaimsTotal.Inc()
	return nil
}

// ParseCreatedAt extracts the unix timestamp and marker basename encoded
// in a claim key, or false if key is not a well-formed claim key.
func ParseCreatedAt(key string) (basename string, createdUnix int64, ok bool) {
	base := path.Base(key)
	const prefix = "_claimed_"
	const marker = "_created_at_"
	if !strings.HasPrefix(base, prefix) {
		return "", 0, false
	}
	rest := base[len(prefix):]
	idx := strings.LastIndex(rest, marker)
	if idx < 0 {
		return "", 0, false
	}
	name := rest[:idx]
	tsStr := rest[idx+len(marker):]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return name, ts, true
}

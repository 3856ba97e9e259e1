// Copyright 2025 James Ross
// Package configresolver walks the ancestor "directories" of a success
// marker collecting named configuration objects under a reserved
// _config/ subprefix, with nearest-wins deep-merge semantics, per spec
// section 4.3.
package configresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"dario.cat/mergo"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/flyingrobots/go-redis-work-queue/internal/objectstore"
)

func decodeJSON(raw []byte, out *map[string]interface{}) error {
	return json.Unmarshal(raw, out)
}

const (
	configDir       = "_config"
	loadConfigName  = "load.json"
	extConfigName   = "external.json"
	orderSentinel   = "ORDERME"
	sqlGlob         = "*.sql"
)

// Resolved holds everything the Job Planner needs from configuration.
type Resolved struct {
	Load     map[string]interface{}
	External map[string]interface{}
	SQL      string // empty when no transformation SQL was found
	SQLPath  string
	Ordered  bool
}

// Resolver resolves configuration for a given success marker.
type Resolver struct {
	gw              objectstore.Gateway
	functionName    string
}

// New builds a Resolver. functionName populates the base default label
// "cloud-function-name" (spec section 4.3).
func New(gw objectstore.Gateway, functionName string) *Resolver {
	return &Resolver{gw: gw, functionName: functionName}
}

func baseLoadDefault(functionName string) map[string]interface{} {
	return map[string]interface{}{
		"sourceFormat":     "CSV",
		"fieldDelimiter":   ",",
		"writeDisposition": "WRITE_APPEND",
		"labels": map[string]interface{}{
			"component":          "event-based-gcs-ingest",
			"cloud-function-name": functionName,
		},
	}
}

func baseExternalDefault() map[string]interface{} {
	return map[string]interface{}{
		"sourceFormat": "PARQUET",
	}
}

// ancestors returns the ancestor directories of markerKey, nearest
// first, stopping at the bucket root.
func ancestors(markerKey string) []string {
	cur := path.Dir(markerKey)
	var out []string
	for {
		out = append(out, cur)
		if cur == "." || cur == "/" {
			break
		}
		next := path.Dir(cur)
		if next == cur {
			break
		}
		cur = next
	}
	return out
}

// Resolve walks ancestors of markerKey (nearest first) and assembles the
// merged configuration.
func (r *Resolver) Resolve(ctx context.Context, bucket, markerKey string) (Resolved, error) {
	anc := ancestors(markerKey)

	load, err := r.mergeJSON(ctx, bucket, anc, loadConfigName, baseLoadDefault(r.functionName))
	if err != nil {
		return Resolved{}, err
	}
	ext, err := r.mergeJSON(ctx, bucket, anc, extConfigName, baseExternalDefault())
	if err != nil {
		return Resolved{}, err
	}

	sqlPath, sql, err := r.resolveSQL(ctx, bucket, anc)
	if err != nil {
		return Resolved{}, err
	}

	ordered, err := r.resolveOrdered(ctx, bucket, anc)
	if err != nil {
		return Resolved{}, err
	}

	return Resolved{Load: load, External: ext, SQL: sql, SQLPath: sqlPath, Ordered: ordered}, nil
}

// mergeJSON applies nearest-wins deep-recursive merge over base, reading
// <ancestor>/_config/<name> at every ancestor that has one.
func (r *Resolver) mergeJSON(ctx context.Context, bucket string, anc []string, name string, base map[string]interface{}) (map[string]interface{}, error) {
	var layers []map[string]interface{}
	for _, p := range anc {
		key := path.Join(p, configDir, name)
		raw, err := r.gw.GetObject(ctx, bucket, key)
		if err == objectstore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		var m map[string]interface{}
		if err := decodeJSON(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		layers = append(layers, m)
	}

	acc := cloneMap(base)
	// layers is nearest-first; apply farthest-to-nearest so the nearest
	// layer overrides, matching "nearer configs override farther ones".
	for i := len(layers) - 1; i >= 0; i-- {
		if err := mergo.Merge(&acc, layers[i], mergo.WithOverride); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// resolveSQL finds the single *.sql config object, nearest ancestor
// first. More than one match within the same ancestor's _config/ is
// AmbiguousConfig.
func (r *Resolver) resolveSQL(ctx context.Context, bucket string, anc []string) (string, string, error) {
	for _, p := range anc {
		prefix := path.Join(p, configDir) + "/"
		entries, err := r.gw.ListWithPrefix(ctx, bucket, prefix, "/")
		if err != nil {
			return "", "", err
		}
		var matches []objectstore.ObjectMeta
		for _, e := range entries {
			name := strings.TrimPrefix(e.Key, prefix)
			if name == "" {
				continue
			}
			ok, err := doublestar.Match(sqlGlob, name)
			if err != nil {
				return "", "", err
			}
			if ok {
				matches = append(matches, e)
			}
		}
		if len(matches) > 1 {
			return "", "", ingesterr.New(ingesterr.KindAmbiguousConfig, fmt.Sprintf("multiple *.sql configs under %s", prefix))
		}
		if len(matches) == 1 {
			raw, err := r.gw.GetObject(ctx, bucket, matches[0].Key)
			if err != nil {
				return "", "", err
			}
			return matches[0].Key, string(raw), nil
		}
	}
	return "", "", nil
}

// resolveOrdered reports whether the ORDERME sentinel exists at any
// ancestor.
func (r *Resolver) resolveOrdered(ctx context.Context, bucket string, anc []string) (bool, error) {
	for _, p := range anc {
		key := path.Join(p, configDir, orderSentinel)
		_, err := r.gw.Stat(ctx, bucket, key)
		if err == nil {
			return true, nil
		}
		if err != objectstore.ErrNotFound {
			return false, err
		}
	}
	return false, nil
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]interface{}); ok {
			out[k] = cloneMap(sub)
			continue
		}
		out[k] = v
	}
	return out
}

// Copyright 2025 James Ross
package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data       []byte
	generation int64
	created    time.Time
}

// Memory is an in-memory Gateway used by tests and by the local CLI
// simulator, the same role github.com/alicebob/miniredis/v2 plays for
// this module's Redis-backed packages.
type Memory struct {
	mu      sync.Mutex
	nextGen int64
	nowFn   func() time.Time
	buckets map[string]map[string]*memObject
}

// NewMemory constructs an empty in-memory Gateway.
func NewMemory() *Memory {
	return &Memory{
		nowFn:   time.Now,
		buckets: make(map[string]map[string]*memObject),
	}
}

func (m *Memory) objs(bucket string) map[string]*memObject {
	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]*memObject)
		m.buckets[bucket] = b
	}
	return b
}

func (m *Memory) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objs(bucket)[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(o.data))
	copy(cp, o.data)
	return cp, nil
}

func (m *Memory) Stat(_ context.Context, bucket, key string) (ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objs(bucket)[key]
	if !ok {
		return ObjectMeta{}, ErrNotFound
	}
	return ObjectMeta{Key: key, Size: int64(len(o.data)), TimeCreated: o.created, Generation: o.generation}, nil
}

func (m *Memory) CreateIfAbsent(_ context.Context, bucket, key string, data []byte) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs := m.objs(bucket)
	if _, exists := objs[key]; exists {
		return Precondition, nil
	}
	m.nextGen++
	objs[key] = &memObject{data: append([]byte(nil), data...), generation: m.nextGen, created: m.nowFn()}
	return Ok, nil
}

func (m *Memory) UpdateIfGeneration(_ context.Context, bucket, key string, data []byte, gen int64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs := m.objs(bucket)
	o, ok := objs[key]
	if !ok || o.generation != gen {
		return Precondition, nil
	}
	m.nextGen++
	objs[key] = &memObject{data: append([]byte(nil), data...), generation: m.nextGen, created: o.created}
	return Ok, nil
}

func (m *Memory) DeleteIfGeneration(_ context.Context, bucket, key string, gen int64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs := m.objs(bucket)
	o, ok := objs[key]
	if !ok || o.generation != gen {
		return Precondition, nil
	}
	delete(objs, key)
	return Ok, nil
}

func (m *Memory) ListWithPrefix(_ context.Context, bucket, prefix, delimiter string) ([]ObjectMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs := m.objs(bucket)
	var out []ObjectMeta
	seenDirs := make(map[string]bool)
	for k, o := range objs {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				dir := prefix + rest[:idx+len(delimiter)]
				if seenDirs[dir] {
					continue
				}
				seenDirs[dir] = true
				out = append(out, ObjectMeta{Key: dir})
				continue
			}
		}
		out = append(out, ObjectMeta{Key: k, Size: int64(len(o.data)), TimeCreated: o.created, Generation: o.generation})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) LookupBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objs(bucket) // creates it lazily, matching idempotent-handle semantics
	return nil
}

// SetClock overrides the creation-time clock, for deterministic tests of
// claim-key derivation and re-upload semantics.
func (m *Memory) SetClock(fn func() time.Time) { m.nowFn = fn }

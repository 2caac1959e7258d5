// Package reportstore caches encoded regulatory reports in Redis and keeps
// the H3 cell index used to evict them on layer updates.
package reportstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/parcel-intersections/internal/cache"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/cellindex"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
)

var errCorrupt = errors.New("corrupt cached report")

// Entry is a cached report with the id it was first issued under.
type Entry struct {
	ID   string
	Body []byte
}

type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry, cells []string, ttl time.Duration) error
	// Evict removes every report indexed under cells and returns how many keys were deleted.
	Evict(ctx context.Context, cells []string) (int, error)
	// Remove deletes reports by key.
	Remove(ctx context.Context, keys ...string) error
}

type redisReportStore struct {
	kv         cache.Interface
	index      cellindex.CellIndex
	res        int
	defaultTTL time.Duration
}

func NewRedisStore(kv cache.Interface, index cellindex.CellIndex, res int, defaultTTL time.Duration) Store {
	return &redisReportStore{
		kv:         kv,
		index:      index,
		res:        res,
		defaultTTL: defaultTTL,
	}
}

func (s *redisReportStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.kv.MGet(ctx, []string{key})
	if err != nil {
		return Entry{}, false, fmt.Errorf("reportstore get %q: %w", key, err)
	}
	v, ok := raw[key]
	if !ok {
		observability.IncCacheMiss()
		return Entry{}, false, nil
	}
	e, err := decode(v)
	if err != nil {
		observability.IncCacheMiss()
		return Entry{}, false, fmt.Errorf("reportstore get %q: %w", key, err)
	}
	observability.IncCacheHit()
	return e, true, nil
}

// Put stores the report first and indexes it second; a failed index write
// leaves a report that only expires through its TTL.
func (s *redisReportStore) Put(ctx context.Context, key string, e Entry, cells []string, ttl time.Duration) error {
	t := ttl
	if t <= 0 {
		t = s.defaultTTL
	}
	if err := s.kv.Set(ctx, key, encode(e), t); err != nil {
		return fmt.Errorf("reportstore put %q: %w", key, err)
	}
	if len(cells) == 0 {
		return nil
	}
	if err := s.index.Add(ctx, s.res, cells, key, t); err != nil {
		return fmt.Errorf("reportstore index %q: %w", key, err)
	}
	return nil
}

func (s *redisReportStore) Evict(ctx context.Context, cells []string) (int, error) {
	ids, err := s.index.Lookup(ctx, s.res, cells)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		if err := s.kv.Del(ctx, ids...); err != nil {
			return 0, fmt.Errorf("reportstore evict %d reports: %w", len(ids), err)
		}
	}
	if err := s.index.Drop(ctx, s.res, cells); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}

func (s *redisReportStore) Remove(ctx context.Context, keys ...string) error {
	if err := s.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("reportstore remove %d reports: %w", len(keys), err)
	}
	return nil
}

// Stored layout: id, newline, report JSON.
func encode(e Entry) []byte {
	out := make([]byte, 0, len(e.ID)+1+len(e.Body))
	out = append(out, e.ID...)
	out = append(out, '\n')
	return append(out, e.Body...)
}

func decode(b []byte) (Entry, error) {
	id, body, ok := bytes.Cut(b, []byte{'\n'})
	if !ok || len(body) == 0 {
		return Entry{}, errCorrupt
	}
	return Entry{ID: string(id), Body: body}, nil
}

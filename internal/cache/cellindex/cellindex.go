// Package cellindex maps H3 cells to the cached reports whose parcel
// footprint touches them, so layer updates can find what to evict.
package cellindex

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/parcel-intersections/internal/cache"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/keys"
)

type CellIndex interface {
	// Add records reportKey under every cell.
	Add(ctx context.Context, res int, cells []string, reportKey string, ttl time.Duration) error
	// Lookup returns the distinct report keys indexed under any of cells.
	Lookup(ctx context.Context, res int, cells []string) ([]string, error)
	// Drop removes the index sets of cells.
	Drop(ctx context.Context, res int, cells []string) error
}

type redisCellIndex struct {
	store cache.SetStore
}

func NewRedisIndex(store cache.SetStore) CellIndex {
	return &redisCellIndex{store: store}
}

func (ci *redisCellIndex) Add(ctx context.Context, res int, cells []string, reportKey string, ttl time.Duration) error {
	for _, k := range keys.CellIndexKeys(res, dedupe(cells)) {
		if err := ci.store.SAdd(ctx, k, ttl, reportKey); err != nil {
			return fmt.Errorf("cellindex add %q: %w", k, err)
		}
	}
	return nil
}

func (ci *redisCellIndex) Lookup(ctx context.Context, res int, cells []string) ([]string, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	ids, err := ci.store.SUnion(ctx, keys.CellIndexKeys(res, dedupe(cells))...)
	if err != nil {
		return nil, fmt.Errorf("cellindex lookup %d cells: %w", len(cells), err)
	}
	return ids, nil
}

func (ci *redisCellIndex) Drop(ctx context.Context, res int, cells []string) error {
	if len(cells) == 0 {
		return nil
	}
	if err := ci.store.Del(ctx, keys.CellIndexKeys(res, dedupe(cells))...); err != nil {
		return fmt.Errorf("cellindex drop %d cells: %w", len(cells), err)
	}
	return nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Package batch evaluates every catalog layer against one prepared parcel.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/parcel-intersections/internal/aggregate"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/executor"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
	"github.com/mohammed-shakir/parcel-intersections/internal/geodata"
	"github.com/mohammed-shakir/parcel-intersections/internal/planner"
)

const DefaultGCEvery = 5

type Options struct {
	Workers int // 1 = sequential
	GCEvery int // forced GC after this many finished layers, 0 disables
}

// Planner maps a catalog entry to its query plan.
type Planner interface {
	Plan(e model.LayerCatalogEntry) planner.Plan
}

// Request is one parcel evaluated against a catalog.
type Request struct {
	Entries []model.LayerCatalogEntry
	Parcel  geodata.Geometry
	RefArea float64
	MinPct  float64
}

// Result holds one slot per catalog entry, in catalog order.
type Result struct {
	Layers []aggregate.Layer
	Failed int
}

type Controller struct {
	logger  *slog.Logger
	planner Planner
	exec    executor.Interface
	workers int
	gcEvery int
	gc      func()
}

func New(logger *slog.Logger, p Planner, exec executor.Interface, opts Options) (*Controller, error) {
	if p == nil || exec == nil {
		return nil, errors.New("batch: planner and executor are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.GCEvery < 0 {
		opts.GCEvery = 0
	}
	return &Controller{
		logger:  logger,
		planner: p,
		exec:    exec,
		workers: opts.Workers,
		gcEvery: opts.GCEvery,
		gc:      runtime.GC,
	}, nil
}

// Run returns an error only when ctx itself is cancelled. Layer failures
// become empty (or dropped, for zoning layers) results with a warning.
func (c *Controller) Run(ctx context.Context, req Request) (Result, error) {
	slots := make([]aggregate.Layer, len(req.Entries))
	var failed atomic.Int64
	var done atomic.Int64

	eval := func(i int) {
		entry := req.Entries[i]
		raw := c.exec.Execute(ctx, c.planner.Plan(entry), req.Parcel)
		layer := aggregate.Normalize(entry, raw.Objects, req.RefArea, req.MinPct)
		if raw.Failed() {
			failed.Add(1)
			layer.Warnings = append(layer.Warnings, failureWarning(entry.Identifier, raw.Err))
			observability.IncLayerOutcome("failed")
		} else {
			observability.IncLayerOutcome(layer.Outcome.String())
		}
		slots[i] = layer
		if n := done.Add(1); c.gcEvery > 0 && n%int64(c.gcEvery) == 0 {
			c.gc()
			observability.IncGCPass()
		}
	}

	if c.workers == 1 {
		for i := range req.Entries {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			eval(i)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for i := range req.Entries {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				eval(i)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	c.logger.DebugContext(ctx, "batch finished",
		"layers", len(req.Entries),
		"failed", failed.Load(),
		"workers", c.workers)
	return Result{Layers: slots, Failed: int(failed.Load())}, nil
}

// failureWarning never embeds driver messages so the report stays
// reproducible across runs.
func failureWarning(layer string, err error) string {
	reason := "query failed"
	switch {
	case errors.Is(err, geodata.ErrLayerNotFound):
		reason = "table not found"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timed out"
	}
	return fmt.Sprintf("layer %s: %s", layer, reason)
}

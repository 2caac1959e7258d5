// Package executor runs intersection plans against the geodata backend and
// normalizes the returned rows. Failures are isolated per layer.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
	"github.com/mohammed-shakir/parcel-intersections/internal/geodata"
	"github.com/mohammed-shakir/parcel-intersections/internal/logger"
	"github.com/mohammed-shakir/parcel-intersections/internal/planner"
)

type Interface interface {
	Execute(ctx context.Context, plan planner.Plan, parcel geodata.Geometry) Result
}

// Result is the raw outcome for one layer. Err is set when the layer failed;
// Objects is then empty.
type Result struct {
	Entry      model.LayerCatalogEntry
	Objects    []model.IntersectionObject
	RawRows    int
	Duplicates int
	Err        error
}

func (r Result) Failed() bool { return r.Err != nil }

type Executor struct {
	logger   *slog.Logger
	backend  geodata.Backend
	timeout  time.Duration
	startNow func() time.Time // for tests
}

var _ Interface = (*Executor)(nil)

func New(logger *slog.Logger, backend geodata.Backend, timeout time.Duration) (*Executor, error) {
	if backend == nil {
		return nil, errors.New("executor: backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:   logger,
		backend:  backend,
		timeout:  timeout,
		startNow: time.Now,
	}, nil
}

// Execute never returns a partial result: any backend error produces an
// empty, failed Result and a warning.
func (e *Executor) Execute(ctx context.Context, plan planner.Plan, parcel geodata.Geometry) Result {
	entry := plan.Layer()
	ctx = logger.WithLayer(ctx, entry.Identifier)
	res := Result{Entry: entry}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := e.startNow()
	rows, err := e.backend.Intersect(ctx, plan, parcel)
	dur := time.Since(start)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		res.Err = fmt.Errorf("layer %s: %w", entry.Identifier, err)
		e.logger.WarnContext(ctx, "layer intersection failed",
			"err", err,
			"timeout", errors.Is(err, context.DeadlineExceeded),
			"missing_table", errors.Is(err, geodata.ErrLayerNotFound),
			"duration", dur.String())
		observability.ObserveLayerQuery(outcomeOf(err), dur.Seconds())
		return res
	}

	res.RawRows = len(rows)
	objs := make([]model.IntersectionObject, 0, len(rows))
	for _, r := range rows {
		objs = append(objs, toObject(entry, r))
	}
	res.Objects, res.Duplicates = Dedupe(objs)
	observability.ObserveLayerQuery("ok", dur.Seconds())

	e.logger.DebugContext(ctx, "layer intersected",
		"rows", res.RawRows,
		"duplicates", res.Duplicates,
		"duration", dur.String())
	return res
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, geodata.ErrLayerNotFound):
		return "missing_table"
	default:
		return "error"
	}
}

// toObject maps row fields onto the catalog's retained attribute names by position.
func toObject(entry model.LayerCatalogEntry, r geodata.Row) model.IntersectionObject {
	attrs := make(model.Attributes, 0, len(r.Fields))
	sameShape := len(r.Fields) == len(entry.RetainedAttributes)
	for i, f := range r.Fields {
		name := f.Name
		if sameShape {
			name = entry.RetainedAttributes[i]
		}
		attrs = append(attrs, model.Attribute{Name: name, Value: Coerce(f.DBType, f.Value)})
	}
	return model.IntersectionObject{
		Attributes:      attrs,
		IntersectedArea: Area(r.Area),
	}
}

// Package engine computes a regulatory report for one parcel request: it
// prepares the parcel, consults the report cache and otherwise runs the layer
// batch and assembles the report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/parcel-intersections/internal/batch"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/keys"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/reportstore"
	"github.com/mohammed-shakir/parcel-intersections/internal/catalog"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
	"github.com/mohammed-shakir/parcel-intersections/internal/geodata"
	"github.com/mohammed-shakir/parcel-intersections/internal/logger"
	"github.com/mohammed-shakir/parcel-intersections/internal/mapper"
	"github.com/mohammed-shakir/parcel-intersections/internal/parcel"
	"github.com/mohammed-shakir/parcel-intersections/internal/report"
	"github.com/mohammed-shakir/parcel-intersections/internal/reportevents"
)

var ErrInvalidMinPct = errors.New("minPct must be within [0, 100]")

type Preparer interface {
	Prepare(inputs []parcel.Input) (*parcel.Parcel, error)
}

type Runner interface {
	Run(ctx context.Context, req batch.Request) (batch.Result, error)
}

// Request is one report computation. A nil MinPct uses the engine default.
type Request struct {
	Parcels []parcel.Input
	MinPct  *float64
}

// Response carries the canonical report bytes. Report is nil on a cache hit.
type Response struct {
	ID         string
	Body       []byte
	Report     *model.RegulatoryReport
	Cached     bool
	ParcelHash string
	Failed     int
}

type Options struct {
	MinPct         float64
	Res            int
	CacheTTL       time.Duration
	CacheOpTimeout time.Duration
}

// Deps groups the collaborators. Store, Footprint and Mapper are optional;
// without all three, reports are computed but never cached.
type Deps struct {
	Preparer  Preparer
	Batch     Runner
	Store     reportstore.Store
	Footprint geodata.Footprinter
	Mapper    mapper.Interface
	Events    reportevents.Publisher
}

type Engine struct {
	logger    *slog.Logger
	cat       catalog.Catalog
	prep      Preparer
	batch     Runner
	store     reportstore.Store
	footprint geodata.Footprinter
	mapper    mapper.Interface
	events    reportevents.Publisher
	opts      Options
	newID     func() string
	now       func() time.Time
}

func New(logger *slog.Logger, cat catalog.Catalog, deps Deps, opts Options) (*Engine, error) {
	if deps.Preparer == nil || deps.Batch == nil {
		return nil, errors.New("engine: preparer and batch are required")
	}
	if opts.MinPct < 0 || opts.MinPct > 100 {
		return nil, fmt.Errorf("engine: %w", ErrInvalidMinPct)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = reportevents.Nop{}
	}
	if opts.CacheOpTimeout <= 0 {
		opts.CacheOpTimeout = 250 * time.Millisecond
	}
	store := deps.Store
	if deps.Footprint == nil || deps.Mapper == nil {
		store = nil
	}
	return &Engine{
		logger:    logger,
		cat:       cat,
		prep:      deps.Preparer,
		batch:     deps.Batch,
		store:     store,
		footprint: deps.Footprint,
		mapper:    deps.Mapper,
		events:    deps.Events,
		opts:      opts,
		newID:     uuid.NewString,
		now:       time.Now,
	}, nil
}

// Compute returns parcel preparation errors unchanged so callers can map them.
// Cache failures are logged and never fail the request.
func (e *Engine) Compute(ctx context.Context, req Request) (Response, error) {
	start := e.now()
	minPct := e.opts.MinPct
	if req.MinPct != nil {
		minPct = *req.MinPct
	}
	if minPct < 0 || minPct > 100 {
		return Response{}, ErrInvalidMinPct
	}

	p, err := e.prep.Prepare(req.Parcels)
	if err != nil {
		return Response{}, err
	}
	hash := p.Hash()
	ctx = logger.WithParcel(ctx, hash)
	key := keys.ReportKey(hash, e.cat.Fingerprint, minPct)

	if resp, ok := e.lookup(ctx, key); ok {
		resp.ParcelHash = hash
		e.finish(ctx, resp, p, nil, start)
		return resp, nil
	}

	res, err := e.batch.Run(ctx, batch.Request{
		Entries: e.cat.Entries,
		Parcel:  geodata.Geometry{WKB: p.WKB(), SRID: p.SRID},
		RefArea: p.Area,
		MinPct:  minPct,
	})
	if err != nil {
		return Response{}, fmt.Errorf("evaluate layers: %w", err)
	}
	rep := report.Assemble(p.Area, res.Layers, e.cat.Skipped)
	body, err := report.Encode(rep)
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		ID:         e.newID(),
		Body:       body,
		Report:     &rep,
		ParcelHash: hash,
		Failed:     res.Failed,
	}
	cells := e.remember(ctx, key, resp, p, res.Failed)
	e.finish(ctx, resp, p, cells, start)
	return resp, nil
}

func (e *Engine) lookup(ctx context.Context, key string) (Response, bool) {
	if e.store == nil {
		return Response{}, false
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.CacheOpTimeout)
	defer cancel()
	ent, ok, err := e.store.Get(cctx, key)
	if err != nil {
		e.logger.WarnContext(ctx, "report cache get", "key", key, "err", err)
		return Response{}, false
	}
	if !ok {
		return Response{}, false
	}
	return Response{ID: ent.ID, Body: ent.Body, Cached: true}, true
}

// remember caches complete reports only; one with failed layers is retried
// on the next request.
func (e *Engine) remember(ctx context.Context, key string, resp Response, p *parcel.Parcel, failed int) []string {
	if e.store == nil || failed > 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.opts.CacheOpTimeout)
	defer cancel()

	gj, err := e.footprint.FootprintGeoJSON(cctx, geodata.Geometry{WKB: p.WKB(), SRID: p.SRID})
	if err != nil {
		e.logger.WarnContext(ctx, "report footprint", "err", err)
		return nil
	}
	cells, err := e.mapper.CellsForPolygon(model.Polygon{GeoJSON: gj}, e.opts.Res)
	if err != nil || len(cells) == 0 {
		e.logger.WarnContext(ctx, "report footprint cells", "err", err)
		return nil
	}
	if err := e.store.Put(cctx, key, reportstore.Entry{ID: resp.ID, Body: resp.Body}, cells, e.opts.CacheTTL); err != nil {
		e.logger.WarnContext(ctx, "report cache put", "key", key, "err", err)
		return nil
	}
	return cells
}

func (e *Engine) finish(ctx context.Context, resp Response, p *parcel.Parcel, cells []string, start time.Time) {
	dur := e.now().Sub(start)
	source := "computed"
	if resp.Cached {
		source = "cached"
	}
	observability.ObserveReport(source, dur.Seconds())

	e.events.Publish(reportevents.Event{
		ReportID:           resp.ID,
		ParcelHash:         resp.ParcelHash,
		CatalogFingerprint: e.cat.Fingerprint,
		ParcelCount:        p.Count,
		ReferenceArea:      p.Area,
		Layers:             len(e.cat.Entries),
		FailedLayers:       resp.Failed,
		Cached:             resp.Cached,
		Cells:              cells,
		DurationMS:         dur.Milliseconds(),
		TS:                 e.now().UTC(),
	})
	e.logger.InfoContext(ctx, "report done",
		"report_id", resp.ID,
		"source", source,
		"failed_layers", resp.Failed,
		"duration", dur.String())
}

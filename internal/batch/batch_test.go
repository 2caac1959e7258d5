package batch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mohammed-shakir/parcel-intersections/internal/aggregate"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/executor"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
	"github.com/mohammed-shakir/parcel-intersections/internal/geodata"
	"github.com/mohammed-shakir/parcel-intersections/internal/planner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBackend answers per table name; unknown tables are missing.
type fakeBackend struct {
	mu     sync.Mutex
	areas  map[string][]float64
	delay  time.Duration
	jitter bool
	calls  []string
}

func (f *fakeBackend) Intersect(ctx context.Context, plan planner.Plan, _ geodata.Geometry) ([]geodata.Row, error) {
	id := plan.Layer().Identifier
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()

	d := f.delay
	if f.jitter {
		d = time.Duration(rand.IntN(5)) * time.Millisecond
	}
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	areas, ok := f.areas[id]
	if !ok {
		return nil, geodata.ErrLayerNotFound
	}
	rows := make([]geodata.Row, 0, len(areas))
	for i, a := range areas {
		rows = append(rows, geodata.Row{
			Fields: []geodata.Field{{Name: "zone", DBType: "TEXT", Value: fmt.Sprintf("%s-%d", id, i)}},
			Area:   geodata.Field{Name: "__intersected_area", DBType: "FLOAT8", Value: a},
		})
	}
	return rows, nil
}

func entry(id string, zoning bool) model.LayerCatalogEntry {
	return model.LayerCatalogEntry{
		Identifier:         id,
		DisplayName:        id,
		GeometryKind:       model.KindSurfacic,
		RetainedAttributes: []string{"zone"},
		Zoning:             zoning,
	}
}

func newController(t *testing.T, be geodata.Backend, timeout time.Duration, opts Options) *Controller {
	t.Helper()
	ex, err := executor.New(nil, be, timeout)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	c, err := New(nil, planner.New(nil), ex, opts)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return c
}

func TestRun_MissingTableIsolated(t *testing.T) {
	be := &fakeBackend{areas: map[string][]float64{
		"ppri":       {400},
		"zonage_plu": {800, 200},
	}}
	c := newController(t, be, time.Second, Options{Workers: 1})

	res, err := c.Run(context.Background(), Request{
		Entries: []model.LayerCatalogEntry{entry("ppri", false), entry("ghost", false), entry("zonage_plu", true)},
		RefArea: 1000,
		MinPct:  aggregate.DefaultMinPct,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("failed=%d want 1", res.Failed)
	}
	ghost := res.Layers[1]
	if ghost.Outcome != aggregate.OutcomeEmpty || len(ghost.Result.Objects) != 0 {
		t.Fatalf("missing layer not empty: %+v", ghost)
	}
	if len(ghost.Warnings) != 1 || ghost.Warnings[0] != "layer ghost: table not found" {
		t.Fatalf("warnings=%v", ghost.Warnings)
	}
	if res.Layers[0].Result.AggregateSurface != 400 {
		t.Fatalf("ppri surface=%v", res.Layers[0].Result.AggregateSurface)
	}
	if p := *res.Layers[2].Result.Objects[0].Percentage; p != 80 {
		t.Fatalf("zonage pct=%v", p)
	}
}

func TestRun_PoolKeepsCatalogOrder(t *testing.T) {
	areas := map[string][]float64{}
	var entries []model.LayerCatalogEntry
	for i := range 24 {
		id := fmt.Sprintf("layer_%02d", i)
		areas[id] = []float64{float64(10 * (i + 1))}
		entries = append(entries, entry(id, false))
	}
	be := &fakeBackend{areas: areas, jitter: true}
	c := newController(t, be, time.Second, Options{Workers: 6, GCEvery: 5})
	var gcs atomic.Int64
	c.gc = func() { gcs.Add(1) }

	res, err := c.Run(context.Background(), Request{Entries: entries, RefArea: 1000})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, l := range res.Layers {
		if l.Result.Entry.Identifier != entries[i].Identifier {
			t.Fatalf("slot %d holds %s", i, l.Result.Entry.Identifier)
		}
		if want := float64(10 * (i + 1)); l.Result.AggregateSurface != want {
			t.Fatalf("slot %d surface=%v want %v", i, l.Result.AggregateSurface, want)
		}
	}
	if got := gcs.Load(); got != 4 {
		t.Fatalf("gc passes=%d want 4", got)
	}
}

func TestRun_SequentialMatchesPool(t *testing.T) {
	areas := map[string][]float64{"a": {10, 10}, "b": {500}, "c": {0.5, 700}}
	entries := []model.LayerCatalogEntry{entry("a", false), entry("b", true), entry("c", true), entry("d", false)}

	seq, err := newController(t, &fakeBackend{areas: areas}, time.Second, Options{Workers: 1}).
		Run(context.Background(), Request{Entries: entries, RefArea: 1000, MinPct: 1})
	if err != nil {
		t.Fatal(err)
	}
	par, err := newController(t, &fakeBackend{areas: areas, jitter: true}, time.Second, Options{Workers: 4}).
		Run(context.Background(), Request{Entries: entries, RefArea: 1000, MinPct: 1})
	if err != nil {
		t.Fatal(err)
	}
	for i := range seq.Layers {
		s, p := seq.Layers[i], par.Layers[i]
		if s.Outcome != p.Outcome || s.Result.AggregateSurface != p.Result.AggregateSurface {
			t.Fatalf("slot %d differs: %+v vs %+v", i, s, p)
		}
	}
}

func TestRun_LayerTimeoutDoesNotAbort(t *testing.T) {
	be := &fakeBackend{areas: map[string][]float64{"slow": {1}}, delay: 200 * time.Millisecond}
	c := newController(t, be, 10*time.Millisecond, Options{Workers: 2})

	res, err := c.Run(context.Background(), Request{
		Entries: []model.LayerCatalogEntry{entry("slow", false)},
		RefArea: 1000,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 1 || res.Layers[0].Warnings[0] != "layer slow: timed out" {
		t.Fatalf("result=%+v", res)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	be := &fakeBackend{areas: map[string][]float64{"a": {1}, "b": {1}}, delay: 50 * time.Millisecond}
	c := newController(t, be, time.Second, Options{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Run(ctx, Request{Entries: []model.LayerCatalogEntry{entry("a", false), entry("b", false)}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(nil, nil, nil, Options{}); err == nil {
		t.Fatal("expected error")
	}
}

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/parcel-intersections/internal/aggregate"
	"github.com/mohammed-shakir/parcel-intersections/internal/batch"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/reportstore"
	"github.com/mohammed-shakir/parcel-intersections/internal/catalog"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
	"github.com/mohammed-shakir/parcel-intersections/internal/geodata"
	h3mapper "github.com/mohammed-shakir/parcel-intersections/internal/mapper/h3"
	"github.com/mohammed-shakir/parcel-intersections/internal/parcel"
	"github.com/mohammed-shakir/parcel-intersections/internal/reportevents"
)

const square = "POLYGON((0 0,100 0,100 100,0 100,0 0))"

type fakeRunner struct {
	calls  int
	failed int
	err    error
	got    batch.Request
}

func (f *fakeRunner) Run(_ context.Context, req batch.Request) (batch.Result, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return batch.Result{}, f.err
	}
	layers := make([]aggregate.Layer, 0, len(req.Entries))
	for _, e := range req.Entries {
		objs := []model.IntersectionObject{{
			Attributes:      model.Attributes{{Name: "zone", Value: "UA"}},
			IntersectedArea: req.RefArea,
		}}
		layers = append(layers, aggregate.Normalize(e, objs, req.RefArea, req.MinPct))
	}
	return batch.Result{Layers: layers, Failed: f.failed}, nil
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]reportstore.Entry
	cells   map[string][]string
	getErr  error
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]reportstore.Entry{}, cells: map[string][]string{}}
}

func (m *memStore) Get(_ context.Context, key string) (reportstore.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return reportstore.Entry{}, false, m.getErr
	}
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *memStore) Put(_ context.Context, key string, e reportstore.Entry, cells []string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = e
	m.cells[key] = cells
	return nil
}

func (m *memStore) Evict(context.Context, []string) (int, error) { return 0, nil }

func (m *memStore) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

type fixedFootprint struct{ err error }

func (f fixedFootprint) FootprintGeoJSON(context.Context, geodata.Geometry) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return `{"type":"Polygon","coordinates":[[[-0.580,44.840],[-0.579,44.840],[-0.579,44.841],[-0.580,44.841],[-0.580,44.840]]]}`, nil
}

type recorder struct {
	mu     sync.Mutex
	events []reportevents.Event
}

func (r *recorder) Publish(ev reportevents.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func testCatalog() catalog.Catalog {
	return catalog.Catalog{
		Entries: []model.LayerCatalogEntry{
			{Identifier: "plu", DisplayName: "PLU", Category: "urbanisme", GeometryKind: model.KindSurfacic, RetainedAttributes: []string{"zone"}, Zoning: true},
			{Identifier: "ppri", DisplayName: "PPRI", Category: "risques", GeometryKind: model.KindSurfacic, RetainedAttributes: []string{"zone"}},
		},
		Fingerprint: "abc123",
		Skipped:     []string{"broken"},
	}
}

func newTestEngine(t *testing.T, run *fakeRunner, store reportstore.Store, fp geodata.Footprinter, ev reportevents.Publisher) *Engine {
	t.Helper()
	e, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), testCatalog(), Deps{
		Preparer:  parcel.NewPreparer(2154, 20),
		Batch:     run,
		Store:     store,
		Footprint: fp,
		Mapper:    h3mapper.New(),
		Events:    ev,
	}, Options{MinPct: aggregate.DefaultMinPct, Res: 9, CacheTTL: time.Hour})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	n := 0
	e.newID = func() string { n++; return []string{"id-1", "id-2", "id-3"}[n-1] }
	return e
}

func TestCompute_MissThenHit(t *testing.T) {
	run := &fakeRunner{}
	store := newMemStore()
	ev := &recorder{}
	e := newTestEngine(t, run, store, fixedFootprint{}, ev)
	req := Request{Parcels: []parcel.Input{{Ref: "AC 42", WKT: square}}}

	first, err := e.Compute(context.Background(), req)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if first.Cached || first.ID != "id-1" || first.Report == nil {
		t.Fatalf("first response = %+v", first)
	}
	if run.got.RefArea != 10000 || run.got.MinPct != 1 || run.got.Parcel.SRID != 2154 {
		t.Fatalf("batch request = %+v", run.got)
	}
	if got := first.Report.Warnings; len(got) != 1 || got[0] != "layer broken: invalid catalog entry" {
		t.Fatalf("warnings = %v", got)
	}
	if len(store.entries) != 1 {
		t.Fatalf("stored %d reports, want 1", len(store.entries))
	}
	for _, cells := range store.cells {
		if len(cells) == 0 {
			t.Fatalf("report indexed without cells")
		}
	}

	second, err := e.Compute(context.Background(), req)
	if err != nil {
		t.Fatalf("compute again: %v", err)
	}
	if !second.Cached || second.ID != "id-1" || second.Report != nil {
		t.Fatalf("second response = %+v", second)
	}
	if string(second.Body) != string(first.Body) {
		t.Fatalf("cached body differs:\n%s\n%s", second.Body, first.Body)
	}
	if run.calls != 1 {
		t.Fatalf("batch ran %d times, want 1", run.calls)
	}

	if len(ev.events) != 2 {
		t.Fatalf("events = %d, want 2", len(ev.events))
	}
	want := reportevents.Event{
		ReportID:           "id-1",
		ParcelHash:         first.ParcelHash,
		CatalogFingerprint: "abc123",
		ParcelCount:        1,
		ReferenceArea:      10000,
		Layers:             2,
		Cached:             true,
	}
	got := ev.events[1]
	got.DurationMS, got.TS = 0, time.Time{}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("cached event mismatch (-want +got):\n%s", diff)
	}
}

func TestCompute_MinPctIsPartOfTheKey(t *testing.T) {
	run := &fakeRunner{}
	store := newMemStore()
	e := newTestEngine(t, run, store, fixedFootprint{}, nil)
	three := 3.0
	in := []parcel.Input{{WKT: square}}

	if _, err := e.Compute(context.Background(), Request{Parcels: in}); err != nil {
		t.Fatalf("compute: %v", err)
	}
	resp, err := e.Compute(context.Background(), Request{Parcels: in, MinPct: &three})
	if err != nil {
		t.Fatalf("compute minPct=3: %v", err)
	}
	if resp.Cached || run.calls != 2 || run.got.MinPct != 3 {
		t.Fatalf("minPct change must miss: cached=%v calls=%d", resp.Cached, run.calls)
	}
}

func TestCompute_FailedLayersAreNotCached(t *testing.T) {
	run := &fakeRunner{failed: 1}
	store := newMemStore()
	e := newTestEngine(t, run, store, fixedFootprint{}, nil)

	resp, err := e.Compute(context.Background(), Request{Parcels: []parcel.Input{{WKT: square}}})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if resp.Failed != 1 || len(store.entries) != 0 {
		t.Fatalf("failed=%d stored=%d", resp.Failed, len(store.entries))
	}
}

func TestCompute_CacheErrorsDoNotFailTheRequest(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("redis down")
	e := newTestEngine(t, &fakeRunner{}, store, fixedFootprint{err: errors.New("db")}, nil)

	resp, err := e.Compute(context.Background(), Request{Parcels: []parcel.Input{{WKT: square}}})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if resp.Cached || len(resp.Body) == 0 {
		t.Fatalf("response = %+v", resp)
	}
	if len(store.entries) != 0 {
		t.Fatalf("report cached without a footprint")
	}
}

func TestCompute_PreparationErrorsPassThrough(t *testing.T) {
	run := &fakeRunner{}
	e := newTestEngine(t, run, nil, nil, nil)

	_, err := e.Compute(context.Background(), Request{Parcels: []parcel.Input{
		{Ref: "a", WKT: "POLYGON((0 0,1 0,1 1,0 1,0 0))"},
		{Ref: "b", WKT: "POLYGON((5 5,6 5,6 6,5 6,5 5))"},
	}})
	var nc *parcel.NonContiguousError
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want NonContiguousError", err)
	}
	if run.calls != 0 {
		t.Fatalf("batch must not run on preparation failure")
	}

	bad := -1.0
	if _, err := e.Compute(context.Background(), Request{Parcels: []parcel.Input{{WKT: square}}, MinPct: &bad}); !errors.Is(err, ErrInvalidMinPct) {
		t.Fatalf("err = %v, want ErrInvalidMinPct", err)
	}
}

func TestCompute_BatchCancellation(t *testing.T) {
	e := newTestEngine(t, &fakeRunner{err: context.Canceled}, nil, nil, nil)
	_, err := e.Compute(context.Background(), Request{Parcels: []parcel.Input{{WKT: square}}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, catalog.Catalog{}, Deps{}, Options{}); err == nil {
		t.Fatalf("expected error without preparer and batch")
	}
	_, err := New(nil, catalog.Catalog{}, Deps{Preparer: parcel.NewPreparer(2154, 1), Batch: &fakeRunner{}}, Options{MinPct: 101})
	if !errors.Is(err, ErrInvalidMinPct) {
		t.Fatalf("err = %v, want ErrInvalidMinPct", err)
	}
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
	"github.com/mohammed-shakir/parcel-intersections/internal/geodata"
	"github.com/mohammed-shakir/parcel-intersections/internal/planner"
)

type fakeBackend struct {
	rows  []geodata.Row
	err   error
	block bool
}

func (f *fakeBackend) Intersect(ctx context.Context, _ planner.Plan, _ geodata.Geometry) ([]geodata.Row, error) {
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("query canceled: %w", ctx.Err())
	}
	return f.rows, f.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func row(zone any, reg any, area any) geodata.Row {
	return geodata.Row{
		Fields: []geodata.Field{
			{Name: "libelle", DBType: "TEXT", Value: zone},
			{Name: "reglementation", DBType: "TEXT", Value: reg},
		},
		Area: geodata.Field{Name: "__intersected_area", DBType: "NUMERIC", Value: area},
	}
}

var entry = model.LayerCatalogEntry{
	Identifier:         "zonage_plu",
	GeometryKind:       model.KindSurfacic,
	RetainedAttributes: []string{"libelle", "reglementation"},
	GroupByKeys:        []string{"libelle"},
}

func TestExecute_CoercesAndDeduplicates(t *testing.T) {
	fb := &fakeBackend{rows: []geodata.Row{
		row("UA", "R1", "800.00"),
		row("N", nil, 150.0),
		row("UA", "R1", "800.00"),
		row("A", "R3", []byte("50")),
	}}
	exec, err := New(quietLogger(), fb, time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := exec.Execute(context.Background(), planner.New([]string{"reglementation"}).Plan(entry), geodata.Geometry{})
	if res.Failed() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if res.RawRows != 4 || res.Duplicates != 1 {
		t.Fatalf("raw=%d dup=%d want 4/1", res.RawRows, res.Duplicates)
	}

	want := []model.IntersectionObject{
		{Attributes: model.Attributes{{Name: "libelle", Value: "UA"}, {Name: "reglementation", Value: "R1"}}, IntersectedArea: 800},
		{Attributes: model.Attributes{{Name: "libelle", Value: "N"}, {Name: "reglementation", Value: nil}}, IntersectedArea: 150},
		{Attributes: model.Attributes{{Name: "libelle", Value: "A"}, {Name: "reglementation", Value: "R3"}}, IntersectedArea: 50},
	}
	if diff := cmp.Diff(want, res.Objects); diff != "" {
		t.Fatalf("objects (-want +got):\n%s", diff)
	}
}

func TestExecute_BackendErrorYieldsEmptyResult(t *testing.T) {
	fb := &fakeBackend{err: fmt.Errorf("check: %w", geodata.ErrLayerNotFound)}
	exec, _ := New(quietLogger(), fb, time.Second)

	res := exec.Execute(context.Background(), planner.New(nil).Plan(entry), geodata.Geometry{})
	if !res.Failed() || !errors.Is(res.Err, geodata.ErrLayerNotFound) {
		t.Fatalf("err=%v want ErrLayerNotFound", res.Err)
	}
	if len(res.Objects) != 0 {
		t.Fatalf("failed layer must have no objects, got %d", len(res.Objects))
	}
	if res.Entry.Identifier != "zonage_plu" {
		t.Fatalf("entry not carried: %+v", res.Entry)
	}
}

func TestExecute_TimeoutIsLayerScoped(t *testing.T) {
	exec, _ := New(quietLogger(), &fakeBackend{block: true}, 20*time.Millisecond)

	start := time.Now()
	res := exec.Execute(context.Background(), planner.New(nil).Plan(entry), geodata.Geometry{})
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", res.Err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestNew_RequiresBackend(t *testing.T) {
	if _, err := New(quietLogger(), nil, 0); err == nil {
		t.Fatalf("expected error for nil backend")
	}
}

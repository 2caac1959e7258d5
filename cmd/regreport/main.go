// Command regreport computes one regulatory report from parcel geometry files
// and a layer catalog, and prints it as JSON.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/parcel-intersections/internal/batch"
	"github.com/mohammed-shakir/parcel-intersections/internal/catalog"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/config"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/executor"
	"github.com/mohammed-shakir/parcel-intersections/internal/engine"
	"github.com/mohammed-shakir/parcel-intersections/internal/geodata/postgis"
	"github.com/mohammed-shakir/parcel-intersections/internal/logger"
	"github.com/mohammed-shakir/parcel-intersections/internal/parcel"
	"github.com/mohammed-shakir/parcel-intersections/internal/planner"
	"github.com/mohammed-shakir/parcel-intersections/internal/report"
)

type options struct {
	catalog    string
	parcels    []string
	dsn        string
	schema     string
	geomColumn string
	srid       int
	minPct     float64
	workers    int
	gcEvery    int
	timeout    time.Duration
	maxParcels int
	out        string
	pretty     bool
	logLevel   string
	longest    []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.FromEnv()
	o := &options{longest: cfg.LongestTextFields}
	cmd := &cobra.Command{
		Use:          "regreport",
		Short:        "Compute the regulatory report of a parcel",
		Long:         "Intersects the union of the given parcels with every catalog layer and prints the report JSON.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.catalog, "catalog", cfg.CatalogPath, "layer catalog file (YAML or JSON)")
	f.StringArrayVar(&o.parcels, "parcel", nil, "parcel geometry file, .wkt or .geojson (repeatable)")
	f.StringVar(&o.dsn, "dsn", cfg.Database.URL, "PostGIS connection string")
	f.StringVar(&o.schema, "schema", cfg.Database.Schema, "default schema for unqualified layer tables")
	f.StringVar(&o.geomColumn, "geom-column", cfg.Database.GeomColumn, "geometry column of the layer tables")
	f.IntVar(&o.srid, "srid", cfg.Database.SRID, "SRID of the parcel and layer geometries")
	f.Float64Var(&o.minPct, "min-pct", cfg.MinPct, "zoning threshold in percent")
	f.IntVar(&o.workers, "workers", cfg.LayerWorkers, "layers evaluated concurrently")
	f.IntVar(&o.gcEvery, "gc-every", cfg.GCEvery, "force a GC pass after this many layers, 0 disables")
	f.DurationVar(&o.timeout, "timeout", cfg.LayerTimeout, "per-layer query timeout")
	f.IntVar(&o.maxParcels, "max-parcels", cfg.MaxParcels, "maximum number of parcels")
	f.StringVar(&o.out, "out", "", "write the report to this file instead of stdout")
	f.BoolVar(&o.pretty, "pretty", false, "indent the JSON output")
	f.StringVar(&o.logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("parcel")
	return cmd
}

func run(ctx context.Context, o *options, stdout, stderr io.Writer) error {
	if o.minPct < 0 || o.minPct > 100 {
		return engine.ErrInvalidMinPct
	}
	inputs, err := readParcels(o.parcels)
	if err != nil {
		return err
	}

	zl := logger.Build(logger.Config{Level: o.logLevel, Console: true, Component: "regreport"}, stderr)
	log := logger.NewSlog(&zl)

	cat, err := catalog.NewLoader(log).LoadFile(o.catalog)
	if err != nil {
		return err
	}

	backend, err := postgis.Open(ctx, o.dsn, postgis.Config{
		Schema:           o.schema,
		GeomColumn:       o.geomColumn,
		StatementTimeout: o.timeout,
	}, postgis.PoolConfig{MaxOpenConns: max(o.workers, 1)}, log)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	eng, err := newEngine(log, cat, backend, o)
	if err != nil {
		return err
	}
	resp, err := eng.Compute(ctx, engine.Request{Parcels: inputs})
	if err != nil {
		return err
	}

	w := stdout
	if o.out != "" {
		f, err := os.Create(o.out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if err := report.Write(w, *resp.Report, o.pretty); err != nil {
		return err
	}
	if resp.Failed > 0 {
		log.Warn("report has failed layers", "failed", resp.Failed)
	}
	return nil
}

func newEngine(log *slog.Logger, cat catalog.Catalog, backend *postgis.Backend, o *options) (*engine.Engine, error) {
	exec, err := executor.New(log, backend, o.timeout)
	if err != nil {
		return nil, err
	}
	ctrl, err := batch.New(log, planner.New(o.longest), exec, batch.Options{
		Workers: o.workers,
		GCEvery: o.gcEvery,
	})
	if err != nil {
		return nil, err
	}
	return engine.New(log, cat, engine.Deps{
		Preparer: parcel.NewPreparer(o.srid, o.maxParcels),
		Batch:    ctrl,
	}, engine.Options{MinPct: o.minPct})
}

// readParcels loads each file as WKT or GeoJSON; the extension decides, and
// content sniffing covers unknown extensions.
func readParcels(paths []string) ([]parcel.Input, error) {
	if len(paths) == 0 {
		return nil, parcel.ErrNoInput
	}
	out := make([]parcel.Input, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read parcel: %w", err)
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			return nil, fmt.Errorf("parcel %s: empty file", p)
		}
		in := parcel.Input{Ref: filepath.Base(p)}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".geojson", ".json":
			in.GeoJSON = text
		case ".wkt":
			in.WKT = text
		default:
			if strings.HasPrefix(text, "{") {
				in.GeoJSON = text
			} else {
				in.WKT = text
			}
		}
		out = append(out, in)
	}
	return out, nil
}

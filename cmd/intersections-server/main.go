package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/parcel-intersections/internal/batch"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/cellindex"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/redisstore"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/reportstore"
	"github.com/mohammed-shakir/parcel-intersections/internal/cadastre"
	"github.com/mohammed-shakir/parcel-intersections/internal/catalog"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/config"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/executor"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/health"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/httpclient"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/server"
	"github.com/mohammed-shakir/parcel-intersections/internal/engine"
	"github.com/mohammed-shakir/parcel-intersections/internal/geodata/postgis"
	"github.com/mohammed-shakir/parcel-intersections/internal/logger"
	h3mapper "github.com/mohammed-shakir/parcel-intersections/internal/mapper/h3"
	"github.com/mohammed-shakir/parcel-intersections/internal/metrics"
	"github.com/mohammed-shakir/parcel-intersections/internal/parcel"
	"github.com/mohammed-shakir/parcel-intersections/internal/planner"
	"github.com/mohammed-shakir/parcel-intersections/internal/reportevents"
	invkafka "github.com/mohammed-shakir/parcel-intersections/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "parcel-intersections",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		reg            prometheus.Registerer
		metricsHandler http.Handler
	)
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.MetricsAddr,
			Path:    cfg.MetricsPath,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		reg = p.Registerer()
		metricsHandler = p.Handler()
		go func() {
			if err := p.Serve(ctx, appLog); err != nil {
				appLog.Error("metrics server exited", "err", err)
			}
		}()
	} else {
		observability.Init(nil, false)
	}

	appLog.Info("starting report server",
		"addr", cfg.Addr,
		"version", Version,
		"catalog", cfg.CatalogPath,
		"workers", cfg.LayerWorkers,
		"report_cache", cfg.ReportCache)

	cat, err := catalog.NewLoader(appLog).LoadFile(cfg.CatalogPath)
	if err != nil {
		appLog.Error("catalog load failed", "err", err)
		return 1
	}
	appLog.Info("catalog loaded", "layers", len(cat.Entries), "skipped", len(cat.Skipped), "fingerprint", cat.Fingerprint)

	backend, err := postgis.Open(ctx, cfg.Database.URL, postgis.Config{
		Schema:           cfg.Database.Schema,
		GeomColumn:       cfg.Database.GeomColumn,
		StatementTimeout: cfg.LayerTimeout,
	}, postgis.PoolConfig{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnLifetime: cfg.Database.ConnLifetime,
	}, appLog)
	if err != nil {
		appLog.Error("database connect failed", "err", err)
		return 1
	}
	defer func() { _ = backend.Close() }()

	exec, err := executor.New(appLog, backend, cfg.LayerTimeout)
	if err != nil {
		appLog.Error("failed to initialize executor", "err", err)
		return 1
	}
	ctrl, err := batch.New(appLog, planner.New(cfg.LongestTextFields), exec, batch.Options{
		Workers: cfg.LayerWorkers,
		GCEvery: cfg.GCEvery,
	})
	if err != nil {
		appLog.Error("failed to initialize batch controller", "err", err)
		return 1
	}

	deps := engine.Deps{
		Preparer: parcel.NewPreparer(cfg.Database.SRID, cfg.MaxParcels),
		Batch:    ctrl,
	}
	checks := []health.Check{{Name: "postgis", Ping: backend.Ping}}

	var store reportstore.Store
	mapper := h3mapper.New()
	if cfg.ReportCache {
		rc, err := redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithReadTimeout(cfg.CacheOpTimeout),
			redisstore.WithWriteTimeout(cfg.CacheOpTimeout))
		if err != nil {
			appLog.Error("redis connect failed", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		store = reportstore.NewRedisStore(rc, cellindex.NewRedisIndex(rc), cfg.H3Res, cfg.ReportCacheTTL)
		deps.Store = store
		deps.Footprint = backend
		deps.Mapper = mapper
		checks = append(checks, health.Check{Name: "redis", Ping: rc.Ping})
	}

	srvDeps := server.Deps{Checks: checks, Metrics: metricsHandler}

	known := make(map[string]struct{}, len(cat.Entries))
	for _, e := range cat.Entries {
		known[e.Identifier] = struct{}{}
	}
	runner := invkafka.New(invkafka.FromEnv(), store, mapper, invkafka.Options{
		Logger:   appLog,
		Register: reg,
		Res:      cfg.H3Res,
		Layers: func(id string) bool {
			_, ok := known[id]
			return ok
		},
	})
	if runner.Enabled() {
		if store == nil {
			appLog.Error("invalidation requires REPORT_CACHE_ENABLED=true")
			return 1
		}
		if err := runner.Start(ctx); err != nil {
			appLog.Error("invalidation runner start failed", "err", err)
			return 1
		}
		defer runner.Stop()
		srvDeps.Ready = runner
	}

	if cfg.ReportEvents {
		pub, err := reportevents.NewPublisher(reportevents.Config{
			Brokers:   splitList(cfg.KafkaBrokers),
			Topic:     cfg.ReportEventsTopic,
			QueueSize: 1024,
			TLS:       invkafka.TLSFromEnv(),
			SASL:      invkafka.SASLFromEnv(),
		}, appLog)
		if err != nil {
			appLog.Error("report events producer failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("report events close", "err", err)
			}
		}()
		deps.Events = pub
	}

	cad, err := cadastre.New(appLog, httpclient.NewOutbound(0), cfg.CadastreURL, cfg.CadastreTypeName)
	if err != nil {
		appLog.Error("failed to initialize cadastre client", "err", err)
		return 1
	}
	srvDeps.Cadastre = cad

	eng, err := engine.New(appLog, cat, deps, engine.Options{
		MinPct:         cfg.MinPct,
		Res:            cfg.H3Res,
		CacheTTL:       cfg.ReportCacheTTL,
		CacheOpTimeout: cfg.CacheOpTimeout,
	})
	if err != nil {
		appLog.Error("failed to initialize engine", "err", err)
		return 1
	}
	srvDeps.Reports = eng

	if err := server.Run(ctx, cfg, appLog, srvDeps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

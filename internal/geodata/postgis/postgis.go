// Package postgis implements the geodata backend on PostgreSQL/PostGIS.
package postgis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
	"github.com/mohammed-shakir/parcel-intersections/internal/geodata"
	"github.com/mohammed-shakir/parcel-intersections/internal/planner"
)

// overridable in tests
var sqlOpen = sql.Open

type Config struct {
	Schema           string
	GeomColumn       string
	StatementTimeout time.Duration
}

type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

type Backend struct {
	db       *sql.DB
	cfg      Config
	logger   *slog.Logger
	startNow func() time.Time // for tests
}

var (
	_ geodata.Backend     = (*Backend)(nil)
	_ geodata.Footprinter = (*Backend)(nil)
)

// Open connects through the pgx stdlib driver and verifies the connection.
func Open(ctx context.Context, dsn string, cfg Config, pool PoolConfig, logger *slog.Logger) (*Backend, error) {
	db, err := sqlOpen("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, cfg, logger), nil
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.GeomColumn == "" {
		cfg.GeomColumn = "geom"
	}
	return &Backend{db: db, cfg: cfg, logger: logger, startNow: time.Now}
}

// Intersect runs one plan inside a read-only transaction carrying the
// statement timeout. A missing table yields geodata.ErrLayerNotFound.
func (b *Backend) Intersect(ctx context.Context, plan planner.Plan, parcel geodata.Geometry) (rows []geodata.Row, err error) {
	start := b.startNow()
	defer func() {
		observability.ObserveUpstreamLatency("postgis", time.Since(start).Seconds())
	}()

	table := tableName(b.cfg.Schema, plan.Layer().Identifier)
	query, err := render(plan, table, b.cfg.GeomColumn)
	if err != nil {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if ms := b.cfg.StatementTimeout.Milliseconds(); ms > 0 {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
			return nil, fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	var exists bool
	if err = tx.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check table %s: %w", table, err)
	}
	if !exists {
		err = fmt.Errorf("%w: %s", geodata.ErrLayerNotFound, table)
		return nil, err
	}

	rows, err = b.query(ctx, tx, query, parcel)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rows, nil
}

func (b *Backend) query(ctx context.Context, tx *sql.Tx, query string, parcel geodata.Geometry) ([]geodata.Row, error) {
	rs, err := tx.QueryContext(ctx, query, parcel.WKB, parcel.SRID)
	if err != nil {
		return nil, fmt.Errorf("intersect query: %w", err)
	}
	defer func() { _ = rs.Close() }()

	cols, err := rs.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}
	if len(cols) == 0 || cols[len(cols)-1].Name() != areaColumn {
		return nil, errors.New("intersect query: area column missing")
	}

	var out []geodata.Row
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rs.Next() {
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := geodata.Row{Fields: make([]geodata.Field, 0, len(cols)-1)}
		for i, c := range cols {
			f := geodata.Field{Name: c.Name(), DBType: c.DatabaseTypeName(), Value: vals[i]}
			if i == len(cols)-1 {
				row.Area = f
				continue
			}
			row.Fields = append(row.Fields, f)
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// FootprintGeoJSON transforms the parcel to EPSG:4326 for cache indexing.
func (b *Backend) FootprintGeoJSON(ctx context.Context, parcel geodata.Geometry) (string, error) {
	var gj string
	err := b.db.QueryRowContext(ctx,
		"SELECT ST_AsGeoJSON(ST_Transform(ST_SetSRID(ST_GeomFromWKB($1), $2), 4326), 7)",
		parcel.WKB, parcel.SRID,
	).Scan(&gj)
	if err != nil {
		return "", fmt.Errorf("footprint: %w", err)
	}
	return gj, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close postgres: %w", err)
	}
	return nil
}

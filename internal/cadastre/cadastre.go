// Package cadastre resolves cadastral references to parcel geometries through
// the national parcel WFS.
package cadastre

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/ogc"
	"github.com/mohammed-shakir/parcel-intersections/internal/parcel"
)

var (
	// ErrUpstream wraps transport and decoding failures of the WFS call.
	ErrUpstream = errors.New("cadastre upstream failure")
	ErrNoRefs   = errors.New("cadastre request has no parcel reference")
)

// Request names parcels of one commune by INSEE code.
type Request struct {
	INSEE string          `json:"insee"`
	Refs  []ogc.ParcelRef `json:"refs"`
}

// Result carries the fetched geometries in request order. IndicativeArea is the
// sum of the declared contenance of the found parcels, in square meters.
type Result struct {
	Inputs         []parcel.Input
	IndicativeArea float64
	Missing        []string
}

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	owsURL   *url.URL
	typeName string
	srs      string
	startNow func() time.Time
}

func New(logger *slog.Logger, client *http.Client, base, typeName string) (*Client, error) {
	u, err := url.Parse(ogc.OWSEndpoint(base))
	if err != nil {
		return nil, fmt.Errorf("parse cadastre url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		logger:   logger,
		client:   client,
		owsURL:   u,
		typeName: typeName,
		srs:      ogc.DefaultSRS,
		startNow: time.Now,
	}, nil
}

type featureCollection struct {
	Features []struct {
		Geometry   json.RawMessage `json:"geometry"`
		Properties struct {
			Section    string          `json:"section"`
			Numero     string          `json:"numero"`
			Contenance json.RawMessage `json:"contenance"`
		} `json:"properties"`
	} `json:"features"`
}

// Fetch issues one GetFeature for all refs. Parcels absent from the response
// are listed in Result.Missing as "section numero".
func (c *Client) Fetch(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.INSEE) == "" || len(req.Refs) == 0 {
		return Result{}, ErrNoRefs
	}
	params := ogc.BuildCadastreParams(c.typeName, c.srs, req.INSEE, req.Refs)

	u := *c.owsURL
	u.RawQuery = params.Encode()
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Accept", "application/json")

	start := c.startNow()
	resp, err := c.client.Do(hreq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency("cadastre", time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var fc featureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return Result{}, fmt.Errorf("%w: decode features: %w", ErrUpstream, err)
	}

	type found struct {
		geom json.RawMessage
		area float64
	}
	byRef := make(map[string]found, len(fc.Features))
	for _, f := range fc.Features {
		if len(f.Geometry) == 0 || string(f.Geometry) == "null" {
			continue
		}
		k := refKey(f.Properties.Section, f.Properties.Numero)
		if _, dup := byRef[k]; dup {
			continue
		}
		byRef[k] = found{geom: f.Geometry, area: contenance(f.Properties.Contenance)}
	}

	var out Result
	for _, r := range req.Refs {
		f, ok := byRef[refKey(r.Section, r.Numero)]
		if !ok {
			out.Missing = append(out.Missing, r.String())
			continue
		}
		out.Inputs = append(out.Inputs, parcel.Input{Ref: r.String(), GeoJSON: string(f.geom)})
		out.IndicativeArea += f.area
	}
	c.logger.Debug("cadastre fetch done",
		"insee", req.INSEE,
		"requested", len(req.Refs),
		"found", len(out.Inputs),
		"missing", len(out.Missing))
	return out, nil
}

// the service pads numero to four digits and upper-cases sections
func refKey(section, numero string) string {
	n := strings.TrimLeft(strings.TrimSpace(numero), "0")
	return strings.ToUpper(strings.TrimSpace(section)) + "|" + n
}

// contenance is an integer in the service output but strings show up in exports
func contenance(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &v); err == nil {
			return v
		}
	}
	return 0
}

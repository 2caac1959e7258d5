package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mohammed-shakir/parcel-intersections/internal/cadastre"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/ogc"
	"github.com/mohammed-shakir/parcel-intersections/internal/engine"
	"github.com/mohammed-shakir/parcel-intersections/internal/parcel"
)

const reportRoute = "/v1/reports"

// ReportHandler computes a report for validated parcel inputs.
type ReportHandler interface {
	Compute(ctx context.Context, req engine.Request) (engine.Response, error)
}

// CadastreFetcher resolves cadastral references to geometries.
type CadastreFetcher interface {
	Fetch(ctx context.Context, req cadastre.Request) (cadastre.Result, error)
}

// ReportRequest is the POST /v1/reports body. Exactly one of Parcels and
// Cadastre is set.
type ReportRequest struct {
	Parcels  []ParcelInput    `json:"parcels" validate:"omitempty,dive"`
	Cadastre *CadastreRequest `json:"cadastre" validate:"omitempty"`
	MinPct   *float64         `json:"minPct" validate:"omitempty,gte=0,lte=100"`
}

// ParcelInput accepts GeoJSON either as an object or as an encoded string.
type ParcelInput struct {
	Ref     string          `json:"ref"`
	WKT     string          `json:"wkt"`
	GeoJSON json.RawMessage `json:"geojson"`
}

type CadastreRequest struct {
	INSEE string          `json:"insee" validate:"required,len=5,alphanum"`
	Refs  []ogc.ParcelRef `json:"refs" validate:"required,min=1,dive"`
}

type errorBody struct {
	Error   string     `json:"error"`
	Units   [][]string `json:"units,omitempty"`
	Missing []string   `json:"missing,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		r := sl.Current().Interface().(ogc.ParcelRef)
		if strings.TrimSpace(r.Section) == "" {
			sl.ReportError(r.Section, "section", "Section", "required", "")
		}
		if strings.TrimSpace(r.Numero) == "" {
			sl.ReportError(r.Numero, "numero", "Numero", "required", "")
		}
	}, ogc.ParcelRef{})
	return v
}

// HandleReport decodes and validates the body, resolves cadastral refs when
// given, and writes the canonical report JSON. cad may be nil, in which case
// cadastral requests are rejected.
func HandleReport(logger *slog.Logger, h ReportHandler, cad CadastreFetcher, maxBody int64) http.HandlerFunc {
	if maxBody <= 0 {
		maxBody = 4 << 20
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, reportRoute, sw.code, time.Since(start).Seconds())
		}()

		req, err := ParseReportRequest(http.MaxBytesReader(sw, r.Body, maxBody))
		if err != nil {
			writeError(sw, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}

		inputs := req.inputs()
		indicative := ""
		if req.Cadastre != nil {
			if cad == nil {
				writeError(sw, http.StatusBadRequest, errorBody{Error: "cadastre lookups are not configured"})
				return
			}
			res, err := cad.Fetch(r.Context(), cadastre.Request{INSEE: req.Cadastre.INSEE, Refs: req.Cadastre.Refs})
			if err != nil {
				logger.WarnContext(r.Context(), "cadastre fetch failed", "insee", req.Cadastre.INSEE, "err", err)
				writeError(sw, http.StatusBadGateway, errorBody{Error: "cadastre lookup failed"})
				return
			}
			if len(res.Missing) > 0 {
				writeError(sw, http.StatusUnprocessableEntity, errorBody{Error: "cadastral parcels not found", Missing: res.Missing})
				return
			}
			inputs = res.Inputs
			indicative = strconv.FormatFloat(res.IndicativeArea, 'f', 2, 64)
		}

		resp, err := h.Compute(r.Context(), engine.Request{Parcels: inputs, MinPct: req.MinPct})
		if err != nil {
			code, body := classify(err)
			if code >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "report failed", "err", err)
			}
			writeError(sw, code, body)
			return
		}

		hdr := sw.Header()
		hdr.Set("Content-Type", "application/json")
		hdr.Set("X-Report-ID", resp.ID)
		if resp.Cached {
			hdr.Set("X-Cache", "hit")
		} else {
			hdr.Set("X-Cache", "miss")
		}
		if indicative != "" {
			hdr.Set("X-Indicative-Area", indicative)
		}
		sw.WriteHeader(http.StatusOK)
		_, _ = sw.Write(resp.Body)
	}
}

// ParseReportRequest decodes one JSON body and checks its shape. Geometry
// content is checked later by the parcel preparer.
func ParseReportRequest(body io.Reader) (ReportRequest, error) {
	var req ReportRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return ReportRequest{}, fmt.Errorf("invalid json body: %w", err)
	}
	if dec.More() {
		return ReportRequest{}, errors.New("invalid json body: trailing data")
	}
	switch {
	case len(req.Parcels) > 0 && req.Cadastre != nil:
		return ReportRequest{}, errors.New("parcels and cadastre are mutually exclusive")
	case len(req.Parcels) == 0 && req.Cadastre == nil:
		return ReportRequest{}, errors.New("one of parcels or cadastre is required")
	}
	for i, p := range req.Parcels {
		if strings.TrimSpace(p.WKT) == "" && len(bytes.TrimSpace(p.GeoJSON)) == 0 {
			return ReportRequest{}, fmt.Errorf("parcels[%d]: wkt or geojson is required", i)
		}
	}
	if err := validate.Struct(req); err != nil {
		return ReportRequest{}, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

func (r ReportRequest) inputs() []parcel.Input {
	out := make([]parcel.Input, 0, len(r.Parcels))
	for i, p := range r.Parcels {
		ref := p.Ref
		if ref == "" {
			ref = "#" + strconv.Itoa(i+1)
		}
		out = append(out, parcel.Input{Ref: ref, WKT: p.WKT, GeoJSON: geoJSONText(p.GeoJSON)})
	}
	return out
}

// a JSON string is unwrapped, an object is passed through
func geoJSONText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func classify(err error) (int, errorBody) {
	var nc *parcel.NonContiguousError
	switch {
	case errors.As(err, &nc):
		return http.StatusUnprocessableEntity, errorBody{Error: parcel.ErrNonContiguous.Error(), Units: nc.Units}
	case errors.Is(err, parcel.ErrTooManyParcels), errors.Is(err, parcel.ErrEmptyGeometry):
		return http.StatusUnprocessableEntity, errorBody{Error: err.Error()}
	case errors.Is(err, parcel.ErrInvalidInput), errors.Is(err, parcel.ErrNoInput), errors.Is(err, engine.ErrInvalidMinPct):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorBody{Error: "report timed out"}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errorBody{Error: "request cancelled"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func writeError(w http.ResponseWriter, code int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

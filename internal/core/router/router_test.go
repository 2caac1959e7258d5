package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/parcel-intersections/internal/cadastre"
	"github.com/mohammed-shakir/parcel-intersections/internal/engine"
	"github.com/mohammed-shakir/parcel-intersections/internal/parcel"
)

type fakeEngine struct {
	got  engine.Request
	resp engine.Response
	err  error
}

func (f *fakeEngine) Compute(_ context.Context, req engine.Request) (engine.Response, error) {
	f.got = req
	return f.resp, f.err
}

type fakeCadastre struct {
	res cadastre.Result
	err error
}

func (f fakeCadastre) Fetch(context.Context, cadastre.Request) (cadastre.Result, error) {
	return f.res, f.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func post(t *testing.T, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/v1/reports", strings.NewReader(body)))
	return rr
}

func TestHandleReport_ComputesFromGeometries(t *testing.T) {
	fe := &fakeEngine{resp: engine.Response{ID: "r-1", Body: []byte(`{"parcelReferenceArea":1,"layers":{}}`)}}
	h := HandleReport(quietLogger(), fe, nil, 0)

	rr := post(t, h, `{"parcels":[{"wkt":"POLYGON((0 0,1 0,1 1,0 1,0 0))"},
		{"ref":"b","geojson":{"type":"Polygon","coordinates":[[[1,0],[2,0],[2,1],[1,1],[1,0]]]}}],"minPct":3}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Report-ID") != "r-1" || rr.Header().Get("X-Cache") != "miss" {
		t.Fatalf("headers=%v", rr.Header())
	}
	if rr.Header().Get("X-Indicative-Area") != "" {
		t.Fatalf("indicative area only applies to cadastral requests")
	}
	if got := rr.Body.String(); got != `{"parcelReferenceArea":1,"layers":{}}` {
		t.Fatalf("body=%s", got)
	}
	if len(fe.got.Parcels) != 2 || fe.got.Parcels[0].Ref != "#1" || fe.got.Parcels[1].Ref != "b" {
		t.Fatalf("inputs=%+v", fe.got.Parcels)
	}
	if !strings.HasPrefix(fe.got.Parcels[1].GeoJSON, `{"type":"Polygon"`) {
		t.Fatalf("geojson=%q", fe.got.Parcels[1].GeoJSON)
	}
	if fe.got.MinPct == nil || *fe.got.MinPct != 3 {
		t.Fatalf("minPct=%v", fe.got.MinPct)
	}
}

func TestHandleReport_CachedResponse(t *testing.T) {
	fe := &fakeEngine{resp: engine.Response{ID: "r-0", Cached: true, Body: []byte(`{}`)}}
	rr := post(t, HandleReport(quietLogger(), fe, nil, 0), `{"parcels":[{"geojson":"{\"type\":\"Polygon\",\"coordinates\":[]}"}]}`)
	if rr.Code != http.StatusOK || rr.Header().Get("X-Cache") != "hit" {
		t.Fatalf("status=%d x-cache=%q", rr.Code, rr.Header().Get("X-Cache"))
	}
	if fe.got.Parcels[0].GeoJSON != `{"type":"Polygon","coordinates":[]}` {
		t.Fatalf("string geojson not unwrapped: %q", fe.got.Parcels[0].GeoJSON)
	}
}

func TestHandleReport_BadRequests(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"unknown field":  `{"parcels":[{"wkt":"POINT(0 0)"}],"extra":1}`,
		"neither":        `{}`,
		"both":           `{"parcels":[{"wkt":"x"}],"cadastre":{"insee":"33234","refs":[{"section":"AC","numero":"1"}]}}`,
		"empty parcel":   `{"parcels":[{"ref":"a"}]}`,
		"minPct":         `{"parcels":[{"wkt":"x"}],"minPct":101}`,
		"insee":          `{"cadastre":{"insee":"332","refs":[{"section":"AC","numero":"1"}]}}`,
		"no refs":        `{"cadastre":{"insee":"33234","refs":[]}}`,
		"blank section":  `{"cadastre":{"insee":"33234","refs":[{"section":" ","numero":"1"}]}}`,
		"trailing value": `{"parcels":[{"wkt":"x"}]} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			fe := &fakeEngine{}
			rr := post(t, HandleReport(quietLogger(), fe, fakeCadastre{}, 0), body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestHandleReport_ErrorMapping(t *testing.T) {
	nc := &parcel.NonContiguousError{Units: [][]string{{"a"}, {"b"}}}
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("prepare: %w", nc), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: 21 > 20", parcel.ErrTooManyParcels), http.StatusUnprocessableEntity},
		{fmt.Errorf("parcel a: %w", parcel.ErrInvalidInput), http.StatusBadRequest},
		{engine.ErrInvalidMinPct, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		fe := &fakeEngine{err: tc.err}
		rr := post(t, HandleReport(quietLogger(), fe, nil, 0), `{"parcels":[{"wkt":"x"}]}`)
		if rr.Code != tc.code {
			t.Fatalf("%v: status=%d want %d", tc.err, rr.Code, tc.code)
		}
	}

	fe := &fakeEngine{err: nc}
	rr := post(t, HandleReport(quietLogger(), fe, nil, 0), `{"parcels":[{"wkt":"x"}]}`)
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Units) != 2 || body.Units[1][0] != "b" {
		t.Fatalf("units=%v", body.Units)
	}
}

func TestHandleReport_Cadastre(t *testing.T) {
	body := `{"cadastre":{"insee":"33234","refs":[{"section":"AC","numero":"0042"}]}}`

	t.Run("found", func(t *testing.T) {
		fe := &fakeEngine{resp: engine.Response{ID: "r-2", Body: []byte(`{}`)}}
		cad := fakeCadastre{res: cadastre.Result{
			Inputs:         []parcel.Input{{Ref: "AC 0042", GeoJSON: `{"type":"Polygon","coordinates":[]}`}},
			IndicativeArea: 1234,
		}}
		rr := post(t, HandleReport(quietLogger(), fe, cad, 0), body)
		if rr.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
		}
		if got := rr.Header().Get("X-Indicative-Area"); got != "1234.00" {
			t.Fatalf("X-Indicative-Area=%q", got)
		}
		if len(fe.got.Parcels) != 1 || fe.got.Parcels[0].Ref != "AC 0042" {
			t.Fatalf("inputs=%+v", fe.got.Parcels)
		}
	})

	t.Run("missing", func(t *testing.T) {
		cad := fakeCadastre{res: cadastre.Result{Missing: []string{"AC 0042"}}}
		rr := post(t, HandleReport(quietLogger(), &fakeEngine{}, cad, 0), body)
		if rr.Code != http.StatusUnprocessableEntity || !strings.Contains(rr.Body.String(), "AC 0042") {
			t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("upstream", func(t *testing.T) {
		cad := fakeCadastre{err: fmt.Errorf("%w: status 503", cadastre.ErrUpstream)}
		rr := post(t, HandleReport(quietLogger(), &fakeEngine{}, cad, 0), body)
		if rr.Code != http.StatusBadGateway {
			t.Fatalf("status=%d", rr.Code)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		rr := post(t, HandleReport(quietLogger(), &fakeEngine{}, nil, 0), body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status=%d", rr.Code)
		}
	})
}

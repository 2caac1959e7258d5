package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/health"
	"github.com/mohammed-shakir/parcel-intersections/internal/engine"
)

type stubEngine struct{}

func (stubEngine) Compute(context.Context, engine.Request) (engine.Response, error) {
	return engine.Response{ID: "r-1", Body: []byte(`{"parcelReferenceArea":1,"layers":{}}`)}, nil
}

func TestNewRouter_Routes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics")
	})
	h := NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), Deps{
		Reports: stubEngine{},
		Checks:  []health.Check{{Name: "postgis", Ping: func(context.Context) error { return nil }}},
		Metrics: metrics,
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	for path, want := range map[string]int{"/healthz": 200, "/readyz": 200, "/metrics": 200, "/nope": 404} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s status=%d want %d", path, resp.StatusCode, want)
		}
	}

	resp, err := http.Post(srv.URL+"/v1/reports", "application/json",
		strings.NewReader(`{"parcels":[{"wkt":"POLYGON((0 0,1 0,1 1,0 1,0 0))"}]}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Report-ID") != "r-1" {
		t.Fatalf("status=%d id=%q", resp.StatusCode, resp.Header.Get("X-Report-ID"))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}

	resp2, err := http.Get(srv.URL + "/v1/reports")
	if err != nil {
		t.Fatalf("GET reports: %v", err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /v1/reports status=%d want 405", resp2.StatusCode)
	}
}

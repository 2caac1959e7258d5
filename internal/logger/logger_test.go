package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestSlogBridge_CarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug", Service: "intersections"}, &buf)
	log := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithLayer(ctx, "zonage_plu")
	log.WarnContext(ctx, "layer failed", "rows", 3, "ratio", 0.5, "ok", false)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	want := map[string]any{
		"level":      "warn",
		"msg":        "layer failed",
		"service":    "intersections",
		"request_id": "req-1",
		"layer":      "zonage_plu",
		"rows":       float64(3),
		"ratio":      0.5,
		"ok":         false,
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("field %s=%v want %v (line=%s)", k, line[k], v, buf.String())
		}
	}
	if _, ok := line["parcel"]; ok {
		t.Fatalf("parcel field must be absent when unset")
	}
}

func TestWithRequestID_GeneratesWhenEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if got := RequestID(ctx); len(got) != 16 {
		t.Fatalf("generated id=%q want 16 hex chars", got)
	}
}

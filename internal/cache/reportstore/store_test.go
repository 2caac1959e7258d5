package reportstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/parcel-intersections/internal/cache/cellindex"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/keys"
	"github.com/mohammed-shakir/parcel-intersections/internal/cache/redisstore"
)

func newStore(t *testing.T, defaultTTL time.Duration) (Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	cli, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	return NewRedisStore(cli, cellindex.NewRedisIndex(cli), 9, defaultTTL), mr
}

func TestRedisReportStore_RoundTrip_HitAndMiss(t *testing.T) {
	s, mr := newStore(t, 10*time.Minute)
	ctx := context.Background()

	key := keys.ReportKey("aa", "fp", 1)
	body := []byte(`{"parcelReferenceArea":1000,"layers":{}}`)
	ttl := 2 * time.Minute

	if err := s.Put(ctx, key, Entry{ID: "r-1", Body: body}, []string{"c1", "c2"}, ttl); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get ok=%v err=%v", ok, err)
	}
	if got.ID != "r-1" || string(got.Body) != string(body) {
		t.Fatalf("entry mismatch: %+v", got)
	}

	if _, ok, err := s.Get(ctx, keys.ReportKey("bb", "fp", 1)); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}

	if tt := mr.TTL(key); tt <= 0 || tt > ttl {
		t.Fatalf("unexpected TTL for key %q: %v", key, tt)
	}
}

func TestRedisReportStore_DefaultTTLUsedWhenZeroTTL(t *testing.T) {
	defaultTTL := 3 * time.Minute
	s, mr := newStore(t, defaultTTL)

	key := keys.ReportKey("cc", "fp", 1)
	if err := s.Put(context.Background(), key, Entry{ID: "x", Body: []byte("{}")}, nil, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if tt := mr.TTL(key); tt <= 0 || tt > defaultTTL {
		t.Fatalf("unexpected TTL for defaultTTL key %q: %v", key, tt)
	}
}

func TestRedisReportStore_EvictByCells(t *testing.T) {
	s, mr := newStore(t, time.Hour)
	ctx := context.Background()

	a := keys.ReportKey("a", "fp", 1)
	b := keys.ReportKey("b", "fp", 1)
	_ = s.Put(ctx, a, Entry{ID: "1", Body: []byte("{}")}, []string{"c1", "c2"}, 0)
	_ = s.Put(ctx, b, Entry{ID: "2", Body: []byte("{}")}, []string{"c3"}, 0)

	n, err := s.Evict(ctx, []string{"c2", "c9"})
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if n != 1 {
		t.Fatalf("evicted=%d want 1", n)
	}
	if mr.Exists(a) {
		t.Fatal("report a still cached")
	}
	if !mr.Exists(b) {
		t.Fatal("report b evicted without overlap")
	}
}

func TestRedisReportStore_CorruptValue(t *testing.T) {
	s, mr := newStore(t, time.Hour)
	key := keys.ReportKey("d", "fp", 1)
	if err := mr.Set(key, "no-separator"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Get(context.Background(), key); ok || err == nil {
		t.Fatalf("expected corrupt error, ok=%v err=%v", ok, err)
	}
}

func TestRedisReportStore_Remove(t *testing.T) {
	s, mr := newStore(t, time.Hour)
	ctx := context.Background()
	key := keys.ReportKey("e", "fp", 1)
	_ = s.Put(ctx, key, Entry{ID: "1", Body: []byte("{}")}, nil, 0)

	if err := s.Remove(ctx, key, keys.ReportKey("absent", "fp", 1)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("report still cached")
	}
}

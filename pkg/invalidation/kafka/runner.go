// Package kafka consumes layer-update events and evicts the cached reports
// whose parcel footprint may be affected.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
	"github.com/mohammed-shakir/parcel-intersections/internal/invalidation"
	"github.com/mohammed-shakir/parcel-intersections/internal/mapper"
)

// ReportCache is the eviction side of the report store.
type ReportCache interface {
	Evict(ctx context.Context, cells []string) (int, error)
	Remove(ctx context.Context, keys ...string) error
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	cache    ReportCache
	mapper   mapper.Interface
	res      int
	layers   func(string) bool
	ms       *metricSet
	ver      *versionGate
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// Res is the H3 resolution reports are indexed at.
	Res int
	// Layers reports whether a layer id belongs to the active catalog.
	// Events for other layers are acknowledged without evicting. Nil accepts all.
	Layers func(id string) bool
}

func New(cfg InvalidationConfig, c ReportCache, m mapper.Interface, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		cache:  c,
		mapper: m,
		res:    opts.Res,
		layers: opts.Layers,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionGate(8192),
		assign: map[int32]struct{}{},
	}
	if r.res <= 0 {
		r.res = 9
	}
	return r
}

func (r *Runner) Enabled() bool {
	return r.cfg.Enabled && r.cfg.Driver == DriverKafka
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.Enabled() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.cache == nil || r.mapper == nil {
		return errors.New("kafka runner: report cache and mapper are required")
	}

	cfg, err := ClientConfig(r.cfg.TLS, r.cfg.SASL)
	if err != nil {
		return fmt.Errorf("kafka client config: %w", err)
	}
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers, "res", r.res)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

// Readiness reports whether the group currently owns partitions.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage returns an error only for transient cache failures, so the
// message is redelivered. Undecodable events are counted and skipped.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var w WireEvent
	if err := json.Unmarshal(msg.Value, &w); err == nil && (w.Key != "" || len(w.H3Cells) > 0) {
		ts := w.TS
		if ts.IsZero() {
			ts = msg.Timestamp
		}
		err := r.applyWire(ctx, w)
		r.observe(w.Op, err, time.Since(start))
		if err == nil && w.Layer != "" && !ts.IsZero() {
			observability.SetLayerInvalidatedAt(w.Layer, ts)
		}
		return err
	}

	ev, err := invalidation.Decode(msg.Value)
	if err != nil {
		r.ms.msgs.WithLabelValues("invalid").Inc()
		r.log.Warn("invalidation event skipped",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	err = r.applySpatial(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	if err == nil {
		observability.SetLayerInvalidatedAt(ev.Layer, ev.TS)
	}
	return err
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

func (r *Runner) relevant(layer string) bool {
	if layer == "" || r.layers == nil {
		return true
	}
	return r.layers(layer)
}

func (r *Runner) applyWire(ctx context.Context, w WireEvent) error {
	if !r.relevant(w.Layer) {
		r.ms.apply.WithLabelValues("skip_layer").Inc()
		return nil
	}

	if w.Key != "" {
		scope := keyScope(w.Key)
		if r.ver.stale(scope, w.Version) {
			r.ms.apply.WithLabelValues("skip_version").Inc()
			return nil
		}
		if err := r.cache.Remove(ctx, w.Key); err != nil {
			return err
		}
		r.ver.commit(w.Version, scope)
		r.ms.apply.WithLabelValues("delete").Inc()
		return nil
	}

	cells := make([]string, 0, len(w.H3Cells))
	scopes := make([]string, 0, len(w.H3Cells))
	for _, c := range w.H3Cells {
		scope := cellScope(w.Layer, c)
		if r.ver.stale(scope, w.Version) {
			r.ms.apply.WithLabelValues("skip_version").Inc()
			continue
		}
		cells = append(cells, c)
		scopes = append(scopes, scope)
	}
	if err := r.evict(ctx, w.Layer, cells); err != nil {
		return err
	}
	r.ver.commit(w.Version, scopes...)
	return nil
}

func (r *Runner) applySpatial(ctx context.Context, ev invalidation.Event) error {
	if !r.relevant(ev.Layer) {
		r.ms.apply.WithLabelValues("skip_layer").Inc()
		return nil
	}
	cells, err := ev.Cells(r.mapper, r.res)
	if err != nil {
		// a footprint the mapper rejects will not map on redelivery either
		r.log.Warn("invalidation footprint unmappable", "layer", ev.Layer, "err", err)
		r.ms.msgs.WithLabelValues("invalid").Inc()
		return nil
	}
	return r.evict(ctx, ev.Layer, cells)
}

func (r *Runner) evict(ctx context.Context, layer string, cells []string) error {
	if len(cells) == 0 {
		return nil
	}
	n, err := r.cache.Evict(ctx, cells)
	if err != nil {
		return fmt.Errorf("evict %d cells: %w", len(cells), err)
	}
	r.ms.apply.WithLabelValues("delete").Add(float64(n))
	r.log.Debug("reports evicted", "layer", layer, "cells", len(cells), "reports", n)
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

// Package reportevents publishes report-computed events to Kafka without
// ever blocking the request path.
package reportevents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/observability"
	invkafka "github.com/mohammed-shakir/parcel-intersections/pkg/invalidation/kafka"
)

type Event struct {
	ReportID           string    `json:"report_id"`
	ParcelHash         string    `json:"parcel_hash"`
	CatalogFingerprint string    `json:"catalog_fingerprint"`
	ParcelCount        int       `json:"parcel_count"`
	ReferenceArea      float64   `json:"reference_area"`
	Layers             int       `json:"layers"`
	FailedLayers       int       `json:"failed_layers"`
	Cached             bool      `json:"cached"`
	Cells              []string  `json:"h3_cells,omitempty"`
	DurationMS         int64     `json:"duration_ms"`
	TS                 time.Time `json:"ts"`
}

// Publisher is what the engine needs; Nop satisfies it when events are off.
type Publisher interface {
	Publish(ev Event)
}

type Nop struct{}

func (Nop) Publish(Event) {}

type KafkaPublisher struct {
	topic   string
	logger  *slog.Logger
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
	errDone chan struct{}
}

type Config struct {
	Brokers   []string
	Topic     string
	QueueSize int
	TLS       invkafka.TLSConfig
	SASL      invkafka.SASLConfig
}

func NewPublisher(cfg Config, logger *slog.Logger) (*KafkaPublisher, error) {
	sc, err := invkafka.ClientConfig(cfg.TLS, cfg.SASL)
	if err != nil {
		return nil, fmt.Errorf("reportevents: %w", err)
	}
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false
	sc.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("reportevents: create async producer: %w", err)
	}
	return newWithProducer(prod, cfg.Topic, cfg.QueueSize, logger), nil
}

func newWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{
		topic:   topic,
		logger:  logger,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Warn("report event marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.ParcelHash),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			observability.IncReportEvent("failed")
			p.logger.Warn("report event producer error", "err", err)
		}
	}()

	return p
}

// Publish enqueues ev or drops it when the queue is full.
func (p *KafkaPublisher) Publish(ev Event) {
	select {
	case p.events <- ev:
		observability.IncReportEvent("queued")
	default:
		observability.IncReportEvent("dropped")
	}
}

// Close drains the queue and flushes the producer. Publish must not be
// called afterwards.
func (p *KafkaPublisher) Close() error {
	close(p.events)
	<-p.stopped

	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("reportevents: close producer: %w", err)
	}
	return nil
}

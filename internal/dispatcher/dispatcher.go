// Package dispatcher implements the outbound consume loop: read from the
// outbound stream with a consumer group, validate, check idempotency,
// deliver via the matching channel adapter, mark-sent, and ACK. Symmetric
// to internal/worker, sharing the same bounded-concurrency shape.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/nexus-gateway/conversant/internal/channels"
	"github.com/nexus-gateway/conversant/internal/metrics"
	"github.com/nexus-gateway/conversant/internal/streaming"
	"github.com/nexus-gateway/conversant/pkg/envelope"
)

// streamClient is the subset of *streaming.Client the dispatcher depends on.
type streamClient interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]streaming.Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
}

// idempotencyStore is the subset of *idempotency.Store the dispatcher depends on.
type idempotencyStore interface {
	WasSent(ctx context.Context, outID string) (bool, error)
	MarkSent(ctx context.Context, outID string) error
}

// channelRegistry is the subset of *channels.Registry the dispatcher depends on.
type channelRegistry interface {
	GetOutbound(channelType string) (channels.OutboundAdapter, bool)
}

// Config configures a Dispatcher.
type Config struct {
	OutboundStream string
	ConsumerGroup  string
	ConsumerName   string

	BatchSize      int64
	BlockTimeout   time.Duration
	MaxConcurrency int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 16
	}
}

// Dispatcher consumes outbound envelopes and delivers them to channels.
type Dispatcher struct {
	cfg        Config
	stream     streamClient
	idempotent idempotencyStore
	channels   channelRegistry
	logger     *slog.Logger
	sem        chan struct{}
}

// New builds a Dispatcher.
func New(cfg Config, stream streamClient, idempotent idempotencyStore, channels channelRegistry, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		stream:     stream,
		idempotent: idempotent,
		channels:   channels,
		logger:     logger.With("component", "dispatcher"),
		sem:        make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Run consumes until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.stream.EnsureGroup(ctx, d.cfg.OutboundStream, d.cfg.ConsumerGroup); err != nil {
		return err
	}
	d.logger.Info("dispatcher started",
		"stream", d.cfg.OutboundStream, "group", d.cfg.ConsumerGroup, "consumer", d.cfg.ConsumerName,
		"max_concurrency", d.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := d.stream.Consume(ctx, d.cfg.OutboundStream, d.cfg.ConsumerGroup, d.cfg.ConsumerName, d.cfg.BatchSize, d.cfg.BlockTimeout)
		if err != nil {
			d.logger.Error("consume failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, entry := range entries {
			entry := entry
			select {
			case d.sem <- struct{}{}:
				go func() {
					defer func() { <-d.sem }()
					d.processEntry(ctx, entry)
				}()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (d *Dispatcher) processEntry(ctx context.Context, entry streaming.Entry) {
	out, err := envelope.OutboundFromFields(entry.Fields)
	if err != nil {
		d.logger.Error("malformed outbound entry, acking to drain", "id", entry.ID, "error", err)
		d.ack(ctx, entry.ID)
		return
	}
	if err := out.Validate(); err != nil {
		d.logger.Error("invalid outbound envelope, acking to drain", "id", entry.ID, "error", err)
		d.ack(ctx, entry.ID)
		return
	}

	sent, err := d.idempotent.WasSent(ctx, out.OutID)
	if err != nil {
		d.logger.Error("idempotency check failed", "out_id", out.OutID, "error", err)
		return // do not ACK; the entry stays in the group's pending list
	}
	if sent {
		d.logger.Info("already sent, skipping", "out_id", out.OutID)
		d.ack(ctx, entry.ID)
		return
	}

	adapter, ok := d.channels.GetOutbound(out.Source)
	if !ok {
		d.logger.Error("no adapter for source, acking to drain", "source", out.Source, "out_id", out.OutID)
		metrics.DispatchResult.WithLabelValues(out.Source, "no_adapter").Inc()
		d.ack(ctx, entry.ID)
		return
	}

	if err := adapter.Send(ctx, out); err != nil {
		d.logger.Error("delivery failed", "out_id", out.OutID, "source", out.Source, "error", err)
		metrics.DispatchResult.WithLabelValues(out.Source, "error").Inc()
		return // do not ACK; the entry stays in the group's pending list
	}
	metrics.DispatchResult.WithLabelValues(out.Source, "sent").Inc()

	if err := d.idempotent.MarkSent(ctx, out.OutID); err != nil {
		d.logger.Error("mark_sent failed", "out_id", out.OutID, "error", err)
	}
	d.ack(ctx, entry.ID)
}

func (d *Dispatcher) ack(ctx context.Context, id string) {
	if err := d.stream.Ack(ctx, d.cfg.OutboundStream, d.cfg.ConsumerGroup, id); err != nil {
		d.logger.Error("ack failed", "id", id, "error", err)
	}
}

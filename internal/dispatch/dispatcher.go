package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/echotrail/internal/message"
	"github.com/ashita-ai/echotrail/internal/schemas"
	"github.com/ashita-ai/echotrail/internal/telemetry"
)

// Channels names the two logical outbound channels.
type Channels struct {
	Telemetry  string
	Downstream string
}

// Dispatcher serializes messages, checks them against their schema, and
// publishes them. All failures are logged with event=dispatch-failed.
type Dispatcher struct {
	pub      Publisher
	channels Channels
	logger   *slog.Logger
	checked  bool
	sent     metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithoutSchemaCheck skips schema validation before publishing.
func WithoutSchemaCheck() Option {
	return func(d *Dispatcher) { d.checked = false }
}

// New creates a Dispatcher.
func New(pub Publisher, channels Channels, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{pub: pub, channels: channels, logger: logger, checked: true}
	for _, o := range opts {
		o(d)
	}
	d.sent, _ = telemetry.Meter("echotrail/dispatch").Int64Counter("echotrail.dispatch.messages",
		metric.WithDescription("Messages handed to the publisher, by channel and result"))
	return d
}

// Channels returns the configured channels.
func (d *Dispatcher) Channels() Channels { return d.channels }

// SendSummary publishes a FileSummary on the telemetry channel.
func (d *Dispatcher) SendSummary(ctx context.Context, s message.FileSummary) error {
	return d.send(ctx, d.channels.Telemetry, schemas.FileSummary, s.Filename, s)
}

// SendDetections publishes each record on the telemetry channel. It keeps
// going after a failure and returns the joined errors.
func (d *Dispatcher) SendDetections(ctx context.Context, recs []message.DetectionRecord) error {
	var errs []error
	for _, r := range recs {
		name, _ := r["filename"].(string)
		if err := d.send(ctx, d.channels.Telemetry, schemas.DetectionRecord, name, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendDownstream publishes a DownstreamNotice on the downstream channel.
func (d *Dispatcher) SendDownstream(ctx context.Context, n message.DownstreamNotice) error {
	return d.send(ctx, d.channels.Downstream, schemas.DownstreamNotice, n.Filename, n)
}

func (d *Dispatcher) send(ctx context.Context, channel string, kind schemas.Kind, filename string, v any) error {
	err := d.publish(ctx, channel, kind, v)
	result := "ok"
	if err != nil {
		result = "error"
		d.logger.ErrorContext(ctx, "dispatch: publish failed",
			"event", "dispatch-failed",
			"channel", channel,
			"kind", string(kind),
			"filename", filename,
			"error", err,
		)
	}
	d.sent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("kind", string(kind)),
		attribute.String("result", result),
	))
	return err
}

func (d *Dispatcher) publish(ctx context.Context, channel string, kind schemas.Kind, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("dispatch: marshal %s: %w", kind, err)
	}
	if d.checked {
		if err := schemas.Validate(kind, payload); err != nil {
			return err
		}
	}
	return d.pub.Publish(ctx, channel, payload)
}

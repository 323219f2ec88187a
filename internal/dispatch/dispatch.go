// Package dispatch delivers notification payloads through channel
// transports with bounded concurrency, per-call timeouts and per-channel
// rate limits.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"scoparia/internal/model"
)

// Transport sends one payload over one channel.
type Transport interface {
	Send(ctx context.Context, p model.NotificationPayload) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, p model.NotificationPayload) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, p model.NotificationPayload) error {
	return f(ctx, p)
}

// Result is the outcome of one payload.
type Result struct {
	Payload  model.NotificationPayload
	Err      error
	Duration time.Duration
}

// OK reports whether the payload was delivered.
func (r Result) OK() bool {
	return r.Err == nil
}

// Kind classifies a failed result.
func (r Result) Kind() Kind {
	return Classify(r.Err)
}

// Options tunes a Dispatcher.
type Options struct {
	// Workers bounds concurrent sends per Dispatch call.
	Workers int
	// Timeout bounds each Send call.
	Timeout time.Duration
	// Rate is the per-channel send rate in messages per second. Zero
	// disables throttling.
	Rate float64
}

// Dispatcher routes payloads to transports.
type Dispatcher struct {
	transports map[model.Channel]Transport
	limiters   map[model.Channel]*rate.Limiter
	opts       Options
	logger     *slog.Logger
}

// New creates a Dispatcher. Channels without a transport fail permanently.
func New(transports map[model.Channel]Transport, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	d := &Dispatcher{
		transports: transports,
		limiters:   make(map[model.Channel]*rate.Limiter),
		opts:       opts,
		logger:     logger,
	}
	if opts.Rate > 0 {
		burst := max(int(opts.Rate), 1)
		for _, ch := range model.Channels {
			d.limiters[ch] = rate.NewLimiter(rate.Limit(opts.Rate), burst)
		}
	}
	return d
}

// Dispatch sends every payload once and returns one result per payload, in
// input order. A failure never prevents other payloads from being sent.
func (d *Dispatcher) Dispatch(ctx context.Context, payloads []model.NotificationPayload) []Result {
	results := make([]Result, len(payloads))

	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for i, p := range payloads {
		g.Go(func() error {
			start := time.Now()
			err := d.send(ctx, p)
			results[i] = Result{Payload: p, Err: err, Duration: time.Since(start)}
			d.log(results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) send(ctx context.Context, p model.NotificationPayload) error {
	t, ok := d.transports[p.Channel]
	if !ok {
		return Permanent(fmt.Errorf("no transport for channel %s", p.Channel))
	}
	if lim, ok := d.limiters[p.Channel]; ok {
		if err := lim.Wait(ctx); err != nil {
			return Transient(fmt.Errorf("wait for rate limit: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	return t.Send(ctx, p)
}

func (d *Dispatcher) log(r Result) {
	attrs := []any{
		"user", r.Payload.Username,
		"channel", r.Payload.Channel.String(),
		"item", r.Payload.Item.ItemID,
		"duration", r.Duration,
	}
	if r.OK() {
		d.logger.Info("notification sent", attrs...)
		return
	}
	attrs = append(attrs, "kind", r.Kind().String(), "error", r.Err)
	if r.Kind() == KindTransient {
		d.logger.Warn("notification failed", attrs...)
		return
	}
	d.logger.Error("notification failed", attrs...)
}

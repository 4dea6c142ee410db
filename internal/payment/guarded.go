package payment

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nip05/internal/platform/metrics"
	"nip05/pkg/domain"
	"nip05/pkg/platform/circuit"
	"nip05/pkg/requestcontext"
)

const tracerName = "nip05/internal/payment"

// Guarded bounds every provider call with a timeout and a circuit breaker.
// While the breaker is open calls fail fast with ErrorCircuitOpen, except for
// one probe per open interval.
type Guarded struct {
	next    Provider
	breaker *circuit.Breaker
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type GuardOption func(*Guarded)

func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guarded) {
		g.timeout = d
	}
}

func WithBreaker(b *circuit.Breaker) GuardOption {
	return func(g *Guarded) {
		g.breaker = b
	}
}

func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guarded) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guarded) {
		g.metrics = m
	}
}

func Guard(next Provider, opts ...GuardOption) *Guarded {
	g := &Guarded{
		next:    next,
		timeout: 10 * time.Second,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = circuit.New("payment:" + next.ID())
	}
	return g
}

func (g *Guarded) ID() string {
	return g.next.ID()
}

func (g *Guarded) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	var inv *Invoice
	err := g.call(ctx, "create_invoice", func(ctx context.Context) error {
		var err error
		inv, err = g.next.CreateInvoice(ctx, amountSats, memo)
		return err
	}, attribute.Int64("payment.amount_sats", amountSats))
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (g *Guarded) Status(ctx context.Context, ref domain.InvoiceReference) (*Status, error) {
	var st *Status
	err := g.call(ctx, "status", func(ctx context.Context) error {
		var err error
		st, err = g.next.Status(ctx, ref)
		return err
	}, attribute.String("payment.reference", ref.Short()))
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (g *Guarded) call(ctx context.Context, operation string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := g.tracer.Start(ctx, "payment."+operation, trace.WithAttributes(
		append(attrs, attribute.String("payment.provider", g.next.ID()))...,
	))
	defer span.End()

	if !g.breaker.Allow() {
		g.metrics.IncProviderError(operation)
		err := NewProviderError(ErrorCircuitOpen, g.next.ID(), "payment provider temporarily unavailable", nil)
		span.SetStatus(codes.Error, string(ErrorCircuitOpen))
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		if _, change := g.breaker.RecordSuccess(); change.Closed {
			g.logger.InfoContext(ctx, "payment provider recovered",
				"request_id", requestcontext.RequestID(ctx),
				"provider", g.next.ID(),
			)
		}
		return nil
	}

	if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && GetCategory(err) != ErrorTimeout {
		err = NewProviderError(ErrorTimeout, g.next.ID(), "payment provider timed out", err)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, string(GetCategory(err)))
	g.metrics.IncProviderError(operation)

	if countsAsFailure(err) {
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.WarnContext(ctx, "payment provider circuit opened",
				"request_id", requestcontext.RequestID(ctx),
				"provider", g.next.ID(),
				"error", err,
			)
		}
	}
	return err
}

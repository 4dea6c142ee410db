// Package audit records registration outcomes that matter after the request ends:
// commits, lost races that need a refund, and admin changes.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"nip05/pkg/requestcontext"
)

// Store is an append-only sink.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Publisher enriches events with request and trace correlation before handing
// them to the store.
type Publisher struct {
	store  Store
	logger *slog.Logger
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Action == "" {
		return fmt.Errorf("audit event requires Action")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		event.SpanID = sc.SpanID().String()
	}

	if err := p.store.Append(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "audit append failed",
			"request_id", event.RequestID,
			"action", string(event.Action),
			"identifier", event.Identifier,
			"reference", event.Reference,
			"error", err,
		)
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

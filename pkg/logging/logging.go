// Package logging provides operation-scoped structured logging.
//
// This file implements:
//   - Operation ID propagation through context.Context
//   - slog loggers annotated with the current operation ID
//   - Rate-sampled logging for repetitive warnings
//
// Design Notes:
//   - Operation IDs are UUID v4 strings, one per batch, search or optimize
//     pass, so every log line a pass emits can be correlated
//   - A nil base logger means discard; library code never writes to the
//     process-wide default logger unless the caller passes it in
//   - Sampled lines report how many lines were suppressed since the last one
//
// Trade-offs:
//   - Sampling drops detail under sustained faults; counters in
//     monitoring remain exact
package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey string

// operationIDKey is the context key for operation IDs.
const operationIDKey contextKey = "operation-id"

// OperationIDAttr is the attribute name carrying the operation ID.
const OperationIDAttr = "op_id"

// NewOperationID creates a new UUID-based operation ID.
func NewOperationID() string {
	return uuid.New().String()
}

// WithOperationID adds an operation ID to the context.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey, id)
}

// OperationIDFromCtx returns the operation ID stored in ctx, or "".
func OperationIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

// Start returns ctx carrying an operation ID, creating one if ctx has none.
func Start(ctx context.Context) (context.Context, string) {
	if id := OperationIDFromCtx(ctx); id != "" {
		return ctx, id
	}
	id := NewOperationID()
	return WithOperationID(ctx, id), id
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns base, or a discarding logger when base is nil.
func OrDiscard(base *slog.Logger) *slog.Logger {
	if base == nil {
		return Discard()
	}
	return base
}

// FromContext returns base annotated with the operation ID in ctx, if any.
//
// Example:
//
//	ctx, _ = logging.Start(ctx)
//	logging.FromContext(ctx, logger).Info("sweep complete", "evicted", n)
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	base = OrDiscard(base)
	if id := OperationIDFromCtx(ctx); id != "" {
		return base.With(OperationIDAttr, id)
	}
	return base
}

// Sampler rate-limits a repetitive log line.
//
// Thread Safety: safe for concurrent use.
type Sampler struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewSampler allows burst lines at once and one more line per interval.
func NewSampler(interval time.Duration, burst int) *Sampler {
	return &Sampler{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Log writes the record if the sampler allows it, attaching the number of
// suppressed lines since the last one written. It reports whether the
// record was written.
func (s *Sampler) Log(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, args ...any) bool {
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return false
	}
	if n := s.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	FromContext(ctx, logger).Log(ctx, level, msg, args...)
	return true
}

// Suppressed returns the number of lines dropped since the last one written.
func (s *Sampler) Suppressed() int64 {
	return s.suppressed.Load()
}

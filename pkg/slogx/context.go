package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithPollID tags the context logger with the id of the current sync cycle so
// every log line produced while processing that cycle can be correlated.
func WithPollID(ctx context.Context, pollID string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("poll_id", pollID))
}

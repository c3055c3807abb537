package logging

import (
	"context"

	"go.uber.org/zap"
)

type fieldsCtxKey struct{}

// WithFields returns a context carrying extra log fields. Fields accumulate
// across calls.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	existing := fieldsFromContext(ctx)
	merged := make([]zap.Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsCtxKey{}, merged)
}

// ContextFields returns the fields attached with WithFields.
func ContextFields(ctx context.Context) []zap.Field {
	existing := fieldsFromContext(ctx)
	out := make([]zap.Field, len(existing), len(existing)+4)
	copy(out, existing)
	return out
}

func fieldsFromContext(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsCtxKey{}).([]zap.Field)
	return fields
}

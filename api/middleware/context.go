package middleware

import "context"

type contextKey string

const (
	ctxUID  contextKey = "uid"
	ctxTier contextKey = "tier"
)

func UIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxUID).(string); ok {
		return v
	}
	return ""
}

func TierFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxTier).(string); ok {
		return v
	}
	return ""
}

// WithUID injects the account identifier into the context.
func WithUID(ctx context.Context, uid string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxUID, uid)
}

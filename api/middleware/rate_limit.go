package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/pixmint/credits-backend/api/responses"
	"github.com/pixmint/credits-backend/pkg/config"
	pkgerrors "github.com/pixmint/credits-backend/pkg/errors"
	"github.com/pixmint/credits-backend/pkg/logger"
)

type rateLimiterStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// GenerateRateLimit throttles generation requests per account. The window is
// fixed; a token that has already been admitted past the limit sees a 429
// until the window rolls over.
func GenerateRateLimit(cfg config.RateLimitConfig, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.GenerateLimit <= 0 || cfg.GenerateWindow <= 0 || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			uid := UIDFromContext(ctx)
			if uid == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			allowed, count, err := store.FixedWindowAllow(ctx, "generate:"+uid, int64(cfg.GenerateLimit), cfg.GenerateWindow)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
				return
			}
			if !allowed {
				if logg != nil {
					logCtx := logg.WithFields(ctx, map[string]any{
						"attempts":       count,
						"limit":          cfg.GenerateLimit,
						"window_seconds": int(cfg.GenerateWindow.Seconds()),
					})
					logg.Warn(logCtx, "generate.rate_limit.blocked")
				}
				responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"edo/message"
)

// RateLimitMiddleware admits at most r invocations per second with bursts of burst,
// using a token bucket. Excess invocations fail without running.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) *message.InvocationResponse {
			if !limiter.Allow() {
				return reject(req, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

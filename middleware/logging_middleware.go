package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"edo/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) *message.InvocationResponse {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("selector", req.Selector),
				zap.String("target", req.Target.TypeDescriptor),
				zap.Uint64("handle", req.Target.LocalID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Error != nil {
				logger.Info("invocation failed", append(fields,
					zap.String("kind", resp.Error.Kind),
					zap.String("error", resp.Error.Message))...)
				return resp
			}
			logger.Debug("invocation", fields...)
			return resp
		}
	}
}

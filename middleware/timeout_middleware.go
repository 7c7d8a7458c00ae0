package middleware

import (
	"context"
	"time"

	"edo/message"
)

// TimeOutMiddleware answers with an InvocationFailed error when the invocation takes
// longer than timeout. The invocation itself keeps running with a canceled context;
// its late response goes to Discard.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) *message.InvocationResponse {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.InvocationResponse)
			abandoned := make(chan struct{})
			go func() {
				resp := next(callCtx, req)
				select {
				case done <- resp:
				case <-abandoned:
					Discard(ctx, resp)
				}
			}()

			select {
			case resp := <-done:
				return resp
			case <-callCtx.Done():
				close(abandoned)
				return reject(req, "request timed out")
			}
		}
	}
}

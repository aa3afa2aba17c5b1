package middleware

import (
	"context"

	"chan-rpc/message"
	"chan-rpc/transport"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects requests beyond a token-bucket rate of r per second with
// bursts of up to burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
			if !limiter.Allow() {
				reply(message.NewError("rate limit exceeded", ""))
				return
			}
			next(ctx, msg, reply)
		}
	}
}

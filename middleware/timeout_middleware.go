package middleware

import (
	"context"
	"time"

	"chan-rpc/message"
	"chan-rpc/transport"
)

// TimeOutMiddleware answers "request timed out" when the handler has not replied within
// timeout. The handler's context is cancelled at that point and its late reply is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
			ctx, cancel := context.WithTimeout(ctx, timeout)

			once, _ := transport.OnceReply(func(out *message.Message) error {
				cancel()
				return reply(out)
			})
			timer := time.AfterFunc(timeout, func() {
				once(message.NewError("request timed out", ""))
			})

			next(ctx, msg, func(out *message.Message) error {
				timer.Stop()
				return once(out)
			})
		}
	}
}

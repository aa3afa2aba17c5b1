package middleware

import (
	"context"
	"time"

	"chan-rpc/message"
	"chan-rpc/transport"

	metrics "github.com/rcrowley/go-metrics"
)

// MetricsMiddleware records a latency timer and an error counter per method in reg:
// "rpc.<method>.latency" and "rpc.<method>.errors". A nil reg uses metrics.DefaultRegistry.
func MetricsMiddleware(reg metrics.Registry) Middleware {
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
			prefix := "rpc." + label(msg)
			timer := metrics.GetOrRegisterTimer(prefix+".latency", reg)
			failures := metrics.GetOrRegisterCounter(prefix+".errors", reg)
			start := time.Now()
			next(ctx, msg, func(out *message.Message) error {
				timer.UpdateSince(start)
				if out.Kind == message.KindError {
					failures.Inc(1)
				}
				return reply(out)
			})
		}
	}
}

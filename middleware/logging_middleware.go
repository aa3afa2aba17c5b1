package middleware

import (
	"context"
	"time"

	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs every request with its duration, and error replies at warn level.
func LoggingMiddleware(log logrus.FieldLogger) Middleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message, reply transport.ReplyFunc) {
			start := time.Now()
			next(ctx, msg, func(out *message.Message) error {
				entry := log.WithFields(logrus.Fields{
					"method":   label(msg),
					"duration": time.Since(start),
				})
				if out.Kind == message.KindError && out.Err != nil {
					entry.WithField("error", out.Err.Message).Warn("call failed")
				} else {
					entry.Info("call served")
				}
				return reply(out)
			})
		}
	}
}

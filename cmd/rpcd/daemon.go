package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"chan-rpc/config"
	"chan-rpc/discovery"
	"chan-rpc/message"
	"chan-rpc/middleware"
	"chan-rpc/responder"
	"chan-rpc/server"
	"chan-rpc/transport/amqpchan"
	"chan-rpc/transport/grpcchan"
	"chan-rpc/transport/httpjson"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// daemon owns the TCP server and the optional extra channels, all answering through the
// same responder.
type daemon struct {
	cfg *config.Config
	reg discovery.Registry
	log *logrus.Logger

	srv  *server.Server
	grpc *grpcchan.Server
	http *http.Server
	amqp *amqpchan.Server
	conn *amqp.Connection

	ctx    context.Context
	cancel context.CancelFunc
}

func newDaemon(cfg *config.Config, reg discovery.Registry, log *logrus.Logger) (*daemon, error) {
	srv := server.NewServer(
		server.WithTTL(cfg.TTL),
		server.WithWeight(cfg.Weight),
		server.WithVersion(cfg.Version),
		server.WithIdleTimeout(cfg.IdleTimeout),
		server.WithLogger(log),
	)
	srv.Use(middleware.LoggingMiddleware(log))
	srv.Use(middleware.MetricsMiddleware(metrics.DefaultRegistry))
	if cfg.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.Timeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(cfg.Timeout))
	}
	if err := exposeDemo(srv.Responder); err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, reg: reg, log: log, srv: srv}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// exposeDemo registers the demo methods.
func exposeDemo(r *responder.Responder) error {
	return r.ExposeAll(
		responder.Method{
			Name:   "add",
			Func:   func(a, b float64, done func(error, float64)) { done(nil, a+b) },
			Params: []string{"a", "b"},
		},
		responder.Method{
			Name:   "sub",
			Func:   func(a, b float64, done func(error, float64)) { done(nil, a-b) },
			Params: []string{"a", "b"},
		},
		responder.Method{
			Name: "echo",
			Func: responder.HandlerFunc(func(ctx context.Context, args message.Values, done responder.Done) {
				out := make([]any, len(args))
				for i, a := range args {
					out[i] = a
				}
				done(nil, out...)
			}),
		},
		responder.Method{
			Name: "sleep",
			Func: func(ctx context.Context, ms int, done func(error)) {
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
					done(nil)
				case <-ctx.Done():
					done(ctx.Err())
				}
			},
			Params: []string{"ms"},
		},
	)
}

// run starts every configured channel and blocks in the TCP accept loop.
func (d *daemon) run() error {
	if d.cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", d.cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		d.grpc = grpcchan.NewServer(d.log)
		if err := d.srv.Listen(d.grpc); err != nil {
			return err
		}
		go func() {
			if err := d.grpc.Serve(lis); err != nil {
				d.log.WithError(err).Error("grpc channel stopped")
			}
		}()
	}

	if d.cfg.HTTPListen != "" {
		h, err := httpjson.NewServer(d.log)
		if err != nil {
			return err
		}
		if err := d.srv.Listen(h); err != nil {
			return err
		}
		d.http = &http.Server{Addr: d.cfg.HTTPListen, Handler: h}
		go func() {
			if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.WithError(err).Error("http channel stopped")
			}
		}()
	}

	if d.cfg.AMQPURL != "" {
		conn, err := amqp.Dial(d.cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("amqp dial: %w", err)
		}
		d.conn = conn
		d.amqp, err = amqpchan.NewServer(conn, d.cfg.AMQPService, amqpchan.WithServerLogger(d.log))
		if err != nil {
			return err
		}
		if err := d.srv.Listen(d.amqp); err != nil {
			return err
		}
		go func() {
			if err := d.amqp.Serve(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.WithError(err).Error("amqp channel stopped")
			}
		}()
	}

	go metrics.Log(metrics.DefaultRegistry, time.Minute, d.log)

	return d.srv.Serve("tcp", d.cfg.Listen, d.cfg.Advertise, d.reg)
}

// shutdown stops the extra channels, then the TCP server.
func (d *daemon) shutdown(timeout time.Duration) error {
	d.cancel()
	if d.grpc != nil {
		d.grpc.Stop()
	}
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		d.http.Shutdown(ctx)
		cancel()
	}
	if d.amqp != nil {
		d.amqp.Close()
		d.conn.Close()
	}
	return d.srv.Shutdown(timeout)
}

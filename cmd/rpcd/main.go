// Command rpcd serves a few demo methods over the framed TCP channel and, when configured,
// over gRPC, HTTP JSON-RPC and AMQP as well.
//
//	rpcd -config rpcd.yaml
//	rpcd -call add 2 3
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"chan-rpc/client"
	"chan-rpc/codec"
	"chan-rpc/config"
	"chan-rpc/discovery"
	"chan-rpc/loadbalance"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "config file (optional)")
	call := flag.String("call", "", "call this method with the remaining arguments as JSON values and exit")
	flag.Parse()

	log := logrus.New()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Couldn't load config.")
	}
	cfg.ApplyLogLevel(log)

	var reg discovery.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		etcd, err := discovery.NewEtcdRegistry(cfg.EtcdEndpoints, discovery.WithLogger(log))
		if err != nil {
			log.WithError(err).Fatal("Couldn't connect to etcd.")
		}
		defer etcd.Close()
		reg = etcd
	}

	if *call != "" {
		if err := runCall(os.Stdout, cfg, reg, log, *call, flag.Args()); err != nil {
			log.WithError(err).Fatal("call failed")
		}
		return
	}

	d, err := newDaemon(cfg, reg, log)
	if err != nil {
		log.WithError(err).Fatal("Couldn't start.")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() { errc <- d.run() }()

	select {
	case sig := <-sigs:
		log.Infof("Received %s signal, shutting down...", sig)
	case err := <-errc:
		if err != nil {
			log.WithError(err).Error("server stopped")
		}
	}
	if err := d.shutdown(cfg.ShutdownTimeout); err != nil {
		log.WithError(err).Warn("unclean shutdown")
	}
}

// runCall calls method once through a client and writes the results to w as JSON. Without etcd
// the method is looked up at the advertised (or listen) address.
func runCall(w io.Writer, cfg *config.Config, reg discovery.Registry, log logrus.FieldLogger, method string, rawArgs []string) error {
	ctype, err := codec.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	bal, err := loadbalance.ByName(cfg.Balancer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if reg == nil {
		addr := cfg.Advertise
		if addr == "" {
			addr = cfg.Listen
		}
		mem := discovery.NewMemoryRegistry()
		if err := mem.Register(ctx, method, discovery.Instance{Addr: addr, Weight: cfg.Weight}, cfg.TTL); err != nil {
			return err
		}
		reg = mem
	}

	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		if !json.Valid([]byte(a)) {
			return fmt.Errorf("argument %d is not a JSON value: %s", i, a)
		}
		args[i] = json.RawMessage(a)
	}

	cli := client.New(reg,
		client.WithCodec(ctype.Type()),
		client.WithBalancer(bal),
		client.WithLogger(log),
	)
	defer cli.Close()

	vals, err := cli.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	out, err := json.Marshal(append([]json.RawMessage{}, vals...))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// Package config loads daemon settings from defaults, an optional config file and
// CHANRPC_* environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the daemon settings.
type Config struct {
	Listen          string
	Advertise       string
	Codec           string
	Balancer        string
	EtcdEndpoints   []string
	TTL             int64
	Weight          int
	Version         string
	Timeout         time.Duration
	RateLimit       float64
	RateBurst       int
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string

	// Optional extra channels serving the same methods. Empty disables them.
	GRPCListen  string
	HTTPListen  string
	AMQPURL     string
	AMQPService string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":9090")
	v.SetDefault("advertise", "")
	v.SetDefault("codec", "json")
	v.SetDefault("balancer", "round_robin")
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("ttl", 10)
	v.SetDefault("weight", 10)
	v.SetDefault("version", "")
	v.SetDefault("timeout", "5s")
	v.SetDefault("rate_limit", 0)
	v.SetDefault("rate_burst", 100)
	v.SetDefault("idle_timeout", "0s")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("grpc_listen", "")
	v.SetDefault("http_listen", "")
	v.SetDefault("amqp_url", "")
	v.SetDefault("amqp_service", "chan-rpc")
}

// Load reads the configuration. path names an optional config file in any format viper
// understands; empty skips it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHANRPC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Listen:          v.GetString("listen"),
		Advertise:       v.GetString("advertise"),
		Codec:           v.GetString("codec"),
		Balancer:        v.GetString("balancer"),
		EtcdEndpoints:   splitList(v.GetStringSlice("etcd_endpoints")),
		TTL:             v.GetInt64("ttl"),
		Weight:          v.GetInt("weight"),
		Version:         v.GetString("version"),
		Timeout:         v.GetDuration("timeout"),
		RateLimit:       v.GetFloat64("rate_limit"),
		RateBurst:       v.GetInt("rate_burst"),
		IdleTimeout:     v.GetDuration("idle_timeout"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		LogLevel:        v.GetString("log_level"),
		GRPCListen:      v.GetString("grpc_listen"),
		HTTPListen:      v.GetString("http_listen"),
		AMQPURL:         v.GetString("amqp_url"),
		AMQPService:     v.GetString("amqp_service"),
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("config: ttl must be positive, got %d", cfg.TTL)
	}
	return cfg, nil
}

// ApplyLogLevel sets log's level from LogLevel. An unparsable level is logged and left
// unchanged.
func (c *Config) ApplyLogLevel(log *logrus.Logger) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithError(err).Warn("Couldn't parse log level.")
		return
	}
	log.SetLevel(level)
}

// splitList accepts both list values and a single comma separated string, as environment
// variables provide.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

package client

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"chan-rpc/discovery"
	"chan-rpc/loadbalance"
	"chan-rpc/middleware"
	"chan-rpc/server"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Client → Registry(etcd) → LB → Pool → Protocol → Codec → Middleware → Responder
func TestFullIntegrationWithEtcd(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	reg, err := discovery.NewEtcdRegistry(strings.Split(endpoints, ","))
	require.NoError(t, err)
	defer reg.Close()

	svr := server.NewServer()
	svr.Use(middleware.LoggingMiddleware(logrus.StandardLogger()))
	require.NoError(t, svr.Expose("integration.add", func(a, b int, done func(error, int)) {
		done(nil, a+b)
	}))
	go svr.Serve("tcp", "127.0.0.1:0", "", reg)
	<-svr.Ready()
	defer svr.Shutdown(3 * time.Second)

	cli := New(reg, WithBalancer(&loadbalance.WeightedRandomBalancer{}))
	defer cli.Close()

	vals, err := cli.Call(context.Background(), "integration.add", 3, 5)
	require.NoError(t, err)
	var sum int
	require.NoError(t, vals.Scan(&sum))
	assert.Equal(t, 8, sum)
}

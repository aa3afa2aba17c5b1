package grpcchan

import (
	"context"
	"fmt"

	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"
)

// Client is a transport.Sender issuing one unary gRPC call per message.
type Client struct {
	cc  *grpc.ClientConn
	own bool
	log logrus.FieldLogger
}

// NewClient wraps an existing connection. Closing the Client leaves cc open.
func NewClient(cc *grpc.ClientConn, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{cc: cc, log: log}
}

// Dial creates a connection to target. opts are passed to grpc.NewClient and must include
// transport credentials.
func Dial(target string, log logrus.FieldLogger, opts ...grpc.DialOption) (*Client, error) {
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpcchan: dial %s: %w", target, err)
	}
	c := NewClient(cc, log)
	c.own = true
	return c, nil
}

// Format accepts only "json", the single encoding this channel carries.
func (c *Client) Format(name string) error {
	if name != "json" {
		return fmt.Errorf("grpcchan: unsupported format %q", name)
	}
	return nil
}

// Send starts the unary call and returns. A failed call is delivered to onReply as an
// error reply carrying the gRPC status message.
func (c *Client) Send(ctx context.Context, msg *message.Message, onReply transport.ReplyHandler) error {
	if c.cc.GetState() == connectivity.Shutdown {
		return transport.ErrClosed
	}
	go func() {
		out := new(message.Message)
		if err := c.cc.Invoke(ctx, sendMethod, msg, out, grpc.ForceCodec(jsonCodec{})); err != nil {
			st := status.Convert(err)
			c.log.WithFields(logrus.Fields{
				"method": msg.Method,
				"code":   st.Code().String(),
			}).Debug("grpc call failed")
			out = message.NewError(st.Message(), "")
		}
		onReply(out)
	}()
	return nil
}

// Close closes the connection if the Client created it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.cc.Close()
}

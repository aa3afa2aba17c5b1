package httpjson

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/sirupsen/logrus"
)

// Client is a transport.Sender posting one JSON-RPC request per message.
type Client struct {
	url  string
	http *http.Client
	log  logrus.FieldLogger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(log logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient posts to url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{url: url, http: http.DefaultClient, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Format accepts only "json".
func (c *Client) Format(name string) error {
	if name != "json" {
		return fmt.Errorf("httpjson: unsupported format %q", name)
	}
	return nil
}

// Send encodes the request and posts it in the background. HTTP and JSON-RPC failures are
// delivered to onReply as error replies.
func (c *Client) Send(ctx context.Context, msg *message.Message, onReply transport.ReplyHandler) error {
	body, err := json2.EncodeClientRequest(sendMethod, &SendArgs{Message: msg})
	if err != nil {
		return fmt.Errorf("httpjson: encode request: %w", err)
	}
	go func() {
		reply, err := c.post(ctx, body)
		if err != nil {
			c.log.WithError(err).WithField("method", msg.Method).Debug("http call failed")
			reply = message.NewError(err.Error(), "")
		}
		onReply(reply)
	}()
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (*message.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("received status code: %d", resp.StatusCode)
	}

	var out SendReply
	if err := json2.DecodeClientResponse(resp.Body, &out); err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, fmt.Errorf("httpjson: empty result")
	}
	return out.Message, nil
}

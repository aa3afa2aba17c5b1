// Package httpjson carries messages as JSON-RPC 2.0 requests over HTTP.
//
// The server exposes a single JSON-RPC method, "Channel.Send", whose params and result
// wrap one message each:
//
//	{"jsonrpc":"2.0","method":"Channel.Send","params":{"message":["call","add",2,3]},"id":1}
//	{"jsonrpc":"2.0","result":{"message":["result",5]},"id":1}
package httpjson

import (
	"errors"
	"net/http"

	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/sirupsen/logrus"
)

const sendMethod = "Channel.Send"

// SendArgs are the params of Channel.Send.
type SendArgs struct {
	Message *message.Message `json:"message"`
}

// SendReply is the result of Channel.Send.
type SendReply struct {
	Message *message.Message `json:"message"`
}

// Server is a transport.Receiver and an http.Handler.
type Server struct {
	rpc     *rpc.Server
	handler transport.MessageHandler
	log     logrus.FieldLogger
}

// NewServer builds the JSON-RPC server. Mount it on any path.
func NewServer(log logrus.FieldLogger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{rpc: rpc.NewServer(), log: log}
	s.rpc.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.rpc.RegisterService(&Channel{srv: s}, ""); err != nil {
		return nil, err
	}
	return s, nil
}

// OnMessage sets the handler for inbound messages.
func (s *Server) OnMessage(h transport.MessageHandler) {
	s.handler = h
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.rpc.ServeHTTP(w, r)
}

// Channel is the JSON-RPC service behind Server.
type Channel struct {
	srv *Server
}

// Send hands the message to the handler and waits for its reply or for the request to be
// cancelled.
func (c *Channel) Send(r *http.Request, args *SendArgs, reply *SendReply) error {
	if args.Message == nil {
		return errors.New("params.message required")
	}
	if c.srv.handler == nil {
		reply.Message = message.NewError("no handler registered", "")
		return nil
	}

	out := make(chan *message.Message, 1)
	once, _ := transport.OnceReply(func(m *message.Message) error {
		out <- m
		return nil
	})
	ctx := r.Context()
	c.srv.handler(ctx, args.Message, once)

	select {
	case m := <-out:
		reply.Message = m
		return nil
	case <-ctx.Done():
		c.srv.log.WithField("method", args.Message.Method).Warn("request abandoned before reply")
		return ctx.Err()
	}
}

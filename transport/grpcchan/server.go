package grpcchan

import (
	"context"
	"net"

	"chan-rpc/message"
	"chan-rpc/transport"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// channelServer is the handler type of the service descriptor.
type channelServer interface {
	send(ctx context.Context, msg *message.Message) (*message.Message, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*channelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(message.Message)
	if err := dec(in); err != nil {
		return message.NewError("malformed message: "+err.Error(), ""), nil
	}
	if interceptor == nil {
		return srv.(channelServer).send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(channelServer).send(ctx, req.(*message.Message))
	}
	return interceptor(ctx, in, info, handler)
}

// Server is a transport.Receiver backed by a gRPC server.
type Server struct {
	grpc    *grpc.Server
	handler transport.MessageHandler
	log     logrus.FieldLogger
}

// NewServer creates a gRPC server with the channel service registered. opts are passed to
// grpc.NewServer.
func NewServer(log logrus.FieldLogger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{log: log}
	s.grpc = grpc.NewServer(append(opts, grpc.ForceServerCodec(jsonCodec{}))...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// OnMessage sets the handler for inbound messages.
func (s *Server) OnMessage(h transport.MessageHandler) {
	s.handler = h
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.WithField("addr", lis.Addr().String()).Info("grpc channel listening")
	return s.grpc.Serve(lis)
}

// Stop stops the server after in-flight calls finish.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// send hands msg to the handler and waits for its reply or for the call to be cancelled.
func (s *Server) send(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if s.handler == nil {
		return message.NewError("no handler registered", ""), nil
	}
	out := make(chan *message.Message, 1)
	reply, _ := transport.OnceReply(func(m *message.Message) error {
		out <- m
		return nil
	})
	s.handler(ctx, msg, reply)

	select {
	case m := <-out:
		return m, nil
	case <-ctx.Done():
		s.log.WithField("method", msg.Method).Warn("call abandoned before reply")
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

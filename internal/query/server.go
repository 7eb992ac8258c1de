package query

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/caesar-terminal/bookreplay/internal/archive"
)

// Server wraps the gRPC server and its listener.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
}

// New creates a query server listening on a TCP address.
func New(addr string, a *archive.Archive, log logrus.FieldLogger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return NewWithListener(lis, a, log), nil
}

// NewWithListener creates a query server on an existing listener.
func NewWithListener(lis net.Listener, a *archive.Archive, log logrus.FieldLogger) *Server {
	gs := grpc.NewServer(grpc.UnaryInterceptor(logUnary(log.WithField("component", "grpc"))))
	RegisterSnapshotQueryServer(gs, NewHandler(a))
	return &Server{grpcServer: gs, listener: lis}
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve starts accepting gRPC connections. It blocks until the server
// is stopped or an error occurs.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// GracefulStop drains in-flight RPCs.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

func logUnary(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.WithFields(logrus.Fields{
			"method":  info.FullMethod,
			"code":    status.Code(err).String(),
			"latency": time.Since(start),
		}).Debug("rpc")
		return resp, err
	}
}

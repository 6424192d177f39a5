package grpc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/PlainFunction/vaultquery/internal/common/config"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
)

// Server wraps the gRPC server with common functionality
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
	log        *logrus.Entry
}

// NewServer listens on the decryptor port from cfg.
func NewServer(cfg *config.Config) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.DecryptorGRPCPort))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %s: %w", cfg.DecryptorGRPCPort, err)
	}

	s := NewServerWithListener(lis, cfg.InternalChannelSecret)

	// Enable reflection for development
	if cfg.Environment == "development" {
		reflection.Register(s.grpcServer)
	}
	return s, nil
}

// NewServerWithListener builds a server on an existing listener. When secret
// is non-empty every call outside the health service must present it.
func NewServerWithListener(lis net.Listener, secret string) *Server {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor, secretInterceptor(secret)),
		grpc.StreamInterceptor(streamLoggingInterceptor),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &Server{
		grpcServer: grpcServer,
		listener:   lis,
		health:     hs,
		log:        logger.WithComponent("gRPC Server"),
	}
}

// RegisterService registers a gRPC service with the server
func (s *Server) RegisterService(registerFunc func(*grpc.Server)) {
	registerFunc(s.grpcServer)
}

// SetServing marks service (and the server as a whole) as serving.
func (s *Server) SetServing(service string) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start starts the gRPC server
func (s *Server) Start() error {
	s.log.Infof("Starting gRPC server on %s", s.listener.Addr().String())
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	s.log.Info("Stopping gRPC server...")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Interceptors for logging and monitoring
func loggingInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	entry := logger.WithComponent("gRPC Server").WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start),
	})
	if err != nil {
		entry.WithField("code", status.Code(err).String()).Warn("gRPC error")
	} else {
		entry.Debug("gRPC call")
	}
	return resp, err
}

func streamLoggingInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	entry := logger.WithComponent("gRPC Server").WithField("method", info.FullMethod)
	entry.Debug("gRPC stream")
	err := handler(srv, ss)
	if err != nil {
		entry.WithError(err).Warn("gRPC stream error")
	}
	return err
}

func secretInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if secret == "" || strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get(InternalChannelHeader)
		if len(values) != 1 || subtle.ConstantTimeCompare([]byte(values[0]), []byte(secret)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid internal channel credential")
		}
		return handler(ctx, req)
	}
}

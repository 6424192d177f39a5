package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/PlainFunction/vaultquery/internal/common/logger"
)

// InternalChannelHeader carries the shared secret between gateway and
// decryptor.
const InternalChannelHeader = "x-internal-channel"

// ClientConfig holds gRPC client configuration
type ClientConfig struct {
	Target    string
	Timeout   time.Duration
	KeepAlive time.Duration
	// Secret is attached to every call when set.
	Secret string
	// DialOptions are appended to the defaults; tests use them to dial bufconn.
	DialOptions []grpc.DialOption
}

// NewClientConfig creates a default client configuration
func NewClientConfig(host string, port string) *ClientConfig {
	return &ClientConfig{
		Target:    fmt.Sprintf("%s:%s", host, port),
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
}

// NewClient creates a new gRPC client connection. The connection is lazy;
// callers verify it with a health check.
func NewClient(config *ClientConfig) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepAlive,
			Timeout:             config.Timeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(clientLoggingInterceptor, secretClientInterceptor(config.Secret)),
	}
	opts = append(opts, config.DialOptions...)

	conn, err := grpc.NewClient(config.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Target, err)
	}

	return conn, nil
}

// clientLoggingInterceptor logs outgoing gRPC calls
func clientLoggingInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	start := time.Now()
	err := invoker(ctx, method, req, reply, cc, opts...)

	entry := logger.WithComponent("gRPC Client").WithFields(logrus.Fields{
		"method":   method,
		"duration": time.Since(start),
	})
	if err != nil {
		entry.WithError(err).Warn("call failed")
	} else {
		entry.Debug("call completed")
	}

	return err
}

func secretClientInterceptor(secret string) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if secret != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, InternalChannelHeader, secret)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

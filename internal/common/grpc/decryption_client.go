package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

// DecryptionServiceGRPCClient wraps a gRPC client connection to the remote
// decryption authority. Every failure, including timeouts, surfaces as a
// CryptoFailure and is never retried.
type DecryptionServiceGRPCClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	timeout time.Duration
	log     *logrus.Entry
}

// NewDecryptionServiceGRPCClient connects to the decryption authority and
// verifies the connection with a health check.
func NewDecryptionServiceGRPCClient(cfg *ClientConfig) (*DecryptionServiceGRPCClient, error) {
	log := logger.WithComponent("gRPC Client")
	log.Infof("Connecting to decryption authority at %s", cfg.Target)

	conn, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to decryption authority: %w", err)
	}

	client := NewDecryptionServiceGRPCClientFromConn(conn, cfg.Timeout)

	// Test the connection with a health check
	_, err = client.HealthCheck(context.Background(), &types.HealthCheckRequest{
		ServiceName: "decryptor-client-connection-test",
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to verify decryption authority connection: %w", err)
	}

	log.Info("Successfully connected to decryption authority")
	return client, nil
}

func NewDecryptionServiceGRPCClientFromConn(conn *grpc.ClientConn, timeout time.Duration) *DecryptionServiceGRPCClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DecryptionServiceGRPCClient{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		timeout: timeout,
		log:     logger.WithComponent("gRPC Client"),
	}
}

// Close closes the gRPC connection
func (c *DecryptionServiceGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *DecryptionServiceGRPCClient) invoke(ctx context.Context, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName))
}

// Decrypt sends ciphertexts across the trust boundary.
func (c *DecryptionServiceGRPCClient) Decrypt(ctx context.Context, req *types.DecryptRequest) (*types.DecryptResponse, error) {
	c.log.WithFields(logrus.Fields{
		"request_id":  req.RequestID,
		"ciphertexts": len(req.Ciphertexts),
	}).Debug("Calling remote Decrypt")

	resp := new(types.DecryptResponse)
	if err := c.invoke(ctx, methodDecrypt, req, resp); err != nil {
		return nil, apperr.CryptoFailure(err, "decryption failed")
	}
	if len(resp.Plaintexts) != len(req.Ciphertexts) {
		return nil, apperr.CryptoFailure(
			fmt.Errorf("got %d plaintexts for %d ciphertexts", len(resp.Plaintexts), len(req.Ciphertexts)),
			"decryption failed")
	}
	return resp, nil
}

func (c *DecryptionServiceGRPCClient) PublicKey(ctx context.Context, req *types.PublicKeyRequest) (*types.PublicKeyResponse, error) {
	resp := new(types.PublicKeyResponse)
	if err := c.invoke(ctx, methodPublicKey, req, resp); err != nil {
		return nil, apperr.CryptoFailure(err, "failed to fetch public key")
	}
	return resp, nil
}

func (c *DecryptionServiceGRPCClient) HealthCheck(ctx context.Context, req *types.HealthCheckRequest) (*types.HealthCheckResponse, error) {
	resp := new(types.HealthCheckResponse)
	if err := c.invoke(ctx, methodHealthCheck, req, resp); err != nil {
		return nil, apperr.CryptoFailure(err, "decryption authority unavailable")
	}
	return resp, nil
}

// Health asks the standard gRPC health service about the decryption service.
func (c *DecryptionServiceGRPCClient) Health(ctx context.Context) (*healthpb.HealthCheckResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: DecryptionServiceName})
}

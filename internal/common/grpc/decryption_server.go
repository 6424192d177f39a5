package grpc

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

// DecryptionServiceServer wraps the decryption service for the gRPC boundary,
// translating its errors into status codes.
type DecryptionServiceServer struct {
	service types.DecryptionServiceInterface
	log     *logrus.Entry
}

func NewDecryptionServiceServer(service types.DecryptionServiceInterface) *DecryptionServiceServer {
	return &DecryptionServiceServer{
		service: service,
		log:     logger.WithComponent("gRPC Server"),
	}
}

func (s *DecryptionServiceServer) Decrypt(ctx context.Context, req *types.DecryptRequest) (*types.DecryptResponse, error) {
	s.log.WithFields(logrus.Fields{
		"request_id":  req.RequestID,
		"ciphertexts": len(req.Ciphertexts),
	}).Debug("Received Decrypt request")

	resp, err := s.service.Decrypt(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *DecryptionServiceServer) PublicKey(ctx context.Context, req *types.PublicKeyRequest) (*types.PublicKeyResponse, error) {
	s.log.Debug("Received PublicKey request")
	resp, err := s.service.PublicKey(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *DecryptionServiceServer) HealthCheck(ctx context.Context, req *types.HealthCheckRequest) (*types.HealthCheckResponse, error) {
	s.log.WithField("caller", req.ServiceName).Debug("Received HealthCheck request")
	resp, err := s.service.HealthCheck(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func toStatus(err error) error {
	msg := apperr.MessageOf(err)
	switch apperr.KindOf(err) {
	case apperr.KindInvalidParameter:
		return status.Error(codes.InvalidArgument, msg)
	case apperr.KindCryptoFailure:
		return status.Error(codes.FailedPrecondition, msg)
	case apperr.KindUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}

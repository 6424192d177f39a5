package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/paillier"
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

const maxCiphertextsPerCall = 1024

// DecryptionService is the decrypt side of the aggregation protocol and the
// only holder of the private key. It does nothing but decrypt.
type DecryptionService struct {
	key           *paillier.PrivateKey
	publicKey     []byte
	scalingFactor int64
	metrics       *Metrics
	log           *logrus.Entry
}

func NewDecryptionService(key *paillier.PrivateKey, scalingFactor int64, metrics *Metrics) (*DecryptionService, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if scalingFactor < 1 {
		return nil, fmt.Errorf("scaling factor must be at least 1, got %d", scalingFactor)
	}
	pub, err := paillier.MarshalPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize public key: %w", err)
	}

	log := logger.WithComponent("DecryptionService")
	log.WithField("key_id", key.KeyID()).Info("Decryption authority ready")

	return &DecryptionService{
		key:           key,
		publicKey:     pub,
		scalingFactor: scalingFactor,
		metrics:       metrics,
		log:           log,
	}, nil
}

// Decrypt returns the base-10 plaintext of every ciphertext, in order. The
// whole call fails if any ciphertext is malformed or under another key.
func (s *DecryptionService) Decrypt(_ context.Context, req *types.DecryptRequest) (*types.DecryptResponse, error) {
	if len(req.Ciphertexts) == 0 {
		return nil, apperr.InvalidParameter("no ciphertexts supplied")
	}
	if len(req.Ciphertexts) > maxCiphertextsPerCall {
		return nil, apperr.InvalidParameter("at most %d ciphertexts per call", maxCiphertextsPerCall)
	}

	plaintexts := make([]string, len(req.Ciphertexts))
	for i, raw := range req.Ciphertexts {
		ct, err := paillier.ParseCiphertext(raw)
		if err != nil {
			s.metrics.decrypted("malformed", 1)
			return nil, apperr.CryptoFailure(err, fmt.Sprintf("ciphertext %d is malformed", i))
		}
		m, err := s.key.DecryptCiphertext(ct)
		if err != nil {
			s.metrics.decrypted("rejected", 1)
			s.log.WithFields(logrus.Fields{
				"request_id": req.RequestID,
				"index":      i,
			}).WithError(err).Warn("Rejected ciphertext")
			return nil, apperr.CryptoFailure(err, fmt.Sprintf("ciphertext %d cannot be decrypted with this key", i))
		}
		plaintexts[i] = m.String()
	}

	s.metrics.decrypted("ok", len(plaintexts))
	s.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"count":      len(plaintexts),
	}).Info("Decrypted ciphertexts")

	return &types.DecryptResponse{
		Plaintexts: plaintexts,
		KeyID:      s.key.KeyID(),
	}, nil
}

// PublicKey returns the public half of the key and the scaling factor the
// gateway must use.
func (s *DecryptionService) PublicKey(context.Context, *types.PublicKeyRequest) (*types.PublicKeyResponse, error) {
	return &types.PublicKeyResponse{
		PublicKey:     s.publicKey,
		KeyID:         s.key.KeyID(),
		ScalingFactor: s.scalingFactor,
	}, nil
}

func (s *DecryptionService) HealthCheck(_ context.Context, req *types.HealthCheckRequest) (*types.HealthCheckResponse, error) {
	s.log.WithField("caller", req.ServiceName).Debug("HealthCheck called")
	return &types.HealthCheckResponse{
		Status:      "healthy",
		ServiceName: "decryption-authority",
		Version:     "1.0.0",
		Timestamp:   time.Now().UTC(),
		Details: map[string]string{
			"key_id":         s.key.KeyID(),
			"scaling_factor": fmt.Sprintf("%d", s.scalingFactor),
		},
	}, nil
}

// FetchPublicKey asks the decryption authority for its public key and checks
// that it scales values the way the gateway does.
func FetchPublicKey(ctx context.Context, decryptor types.DecryptionServiceInterface, scalingFactor int64) (*paillier.PublicKey, error) {
	resp, err := decryptor.PublicKey(ctx, &types.PublicKeyRequest{})
	if err != nil {
		return nil, err
	}
	if resp.ScalingFactor != scalingFactor {
		return nil, fmt.Errorf("scaling factor mismatch: decryption authority uses %d, gateway uses %d",
			resp.ScalingFactor, scalingFactor)
	}
	pk, err := paillier.ParsePublicKey(resp.PublicKey)
	if err != nil {
		return nil, err
	}
	if pk.KeyID() != resp.KeyID {
		return nil, fmt.Errorf("public key id mismatch: advertised %s, computed %s", resp.KeyID, pk.KeyID())
	}
	return pk, nil
}

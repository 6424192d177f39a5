package services

import (
	"context"
	"crypto/rand"
	"io"
	"math/big"

	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/paillier"
	"github.com/PlainFunction/vaultquery/internal/common/records"
)

// AggregationService is the encrypt side of the aggregation protocol. It
// holds only the public key.
type AggregationService struct {
	records records.Store
	key     *paillier.PublicKey
	scaler  paillier.Scaler
	random  io.Reader
	log     *logrus.Entry
}

func NewAggregationService(st records.Store, key *paillier.PublicKey, scaler paillier.Scaler) *AggregationService {
	return &AggregationService{
		records: st,
		key:     key,
		scaler:  scaler,
		random:  rand.Reader,
		log:     logger.WithComponent("AggregationService"),
	}
}

func (s *AggregationService) KeyID() string {
	return s.key.KeyID()
}

func (s *AggregationService) Scaler() paillier.Scaler {
	return s.scaler
}

// EncryptField encrypts the scaled value of field on the single record named
// selector.
func (s *AggregationService) EncryptField(ctx context.Context, selector, fieldName string) (string, error) {
	field, ok := records.LookupField(fieldName)
	if !ok || field.Kind != records.Numeric {
		return "", apperr.InvalidField(fieldName)
	}

	rows, err := s.records.Scan(ctx, func(r *records.Record) bool {
		return r.Name == selector
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "failed to scan records")
	}
	switch len(rows) {
	case 0:
		return "", apperr.NotFound("No matching record found")
	case 1:
	default:
		return "", apperr.New(apperr.KindAmbiguousSelector, "selector matches %d records", len(rows))
	}

	ct, err := s.encrypt(field.Number(&rows[0]))
	if err != nil {
		return "", err
	}
	return ct.String(), nil
}

func (s *AggregationService) encrypt(v float64) (paillier.Ciphertext, error) {
	m, err := s.scaler.Scale(v)
	if err != nil {
		return paillier.Ciphertext{}, apperr.CryptoFailure(err, "value cannot be encrypted")
	}
	ct, err := s.key.EncryptInt(s.random, m)
	if err != nil {
		return paillier.Ciphertext{}, apperr.CryptoFailure(err, "encryption failed")
	}
	return ct, nil
}

// Add combines two ciphertexts under the gateway's public key.
func (s *AggregationService) Add(a, b string) (string, error) {
	ca, err := s.parse(a)
	if err != nil {
		return "", err
	}
	cb, err := s.parse(b)
	if err != nil {
		return "", err
	}
	sum, err := s.key.AddCiphertexts(ca, cb)
	if err != nil {
		return "", apperr.CryptoFailure(err, "homomorphic addition failed")
	}
	return sum.String(), nil
}

func (s *AggregationService) parse(raw string) (paillier.Ciphertext, error) {
	ct, err := paillier.ParseCiphertext(raw)
	if err != nil {
		return paillier.Ciphertext{}, apperr.CryptoFailure(err, "malformed ciphertext")
	}
	if ct.KeyID != s.key.KeyID() {
		return paillier.Ciphertext{}, apperr.CryptoFailure(paillier.ErrKeyMismatch, "ciphertext was produced under a different key")
	}
	return ct, nil
}

// EncryptedSum encrypts field for each selector and folds the ciphertexts
// into one.
func (s *AggregationService) EncryptedSum(ctx context.Context, fieldName string, selectors []string) (string, int, error) {
	if len(selectors) == 0 {
		return "", 0, apperr.InvalidParameter("Missing 'selectors'")
	}

	var total string
	for i, selector := range selectors {
		ct, err := s.EncryptField(ctx, selector, fieldName)
		if err != nil {
			return "", 0, err
		}
		if i == 0 {
			total = ct
			continue
		}
		if total, err = s.Add(total, ct); err != nil {
			return "", 0, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"field":   fieldName,
		"records": len(selectors),
	}).Debug("Encrypted sum computed")
	return total, len(selectors), nil
}

// Descale turns a decrypted base-10 plaintext back into a field value.
func (s *AggregationService) Descale(plaintext string) (float64, error) {
	m, ok := new(big.Int).SetString(plaintext, 10)
	if !ok {
		return 0, apperr.CryptoFailure(nil, "decryption authority returned a malformed plaintext")
	}
	return s.scaler.Descale(m), nil
}

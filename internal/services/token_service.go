package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/store"
)

const (
	tokenKindAccess = "access"
	tokenKindQuery  = "query"

	tokenBytes = 16
)

// TokenPolicy configures the token authority.
type TokenPolicy struct {
	AccessTTL time.Duration
	QueryTTL  time.Duration
	// RevokeOnReissue revokes a user's earlier access tokens when a new one
	// is issued.
	RevokeOnReissue bool
}

// tokenRecord is the stored value behind a token key.
type tokenRecord struct {
	Kind             string    `json:"kind"`
	UserID           string    `json:"user_id"`
	BoundAccessToken string    `json:"bound_access_token,omitempty"`
	IssuedAt         time.Time `json:"issued_at"`
	TTLSeconds       int64     `json:"ttl"`
}

func (r *tokenRecord) expiresAt() time.Time {
	return r.IssuedAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

// TokenService issues and validates access and query tokens.
type TokenService struct {
	store   store.KeyedStore
	policy  TokenPolicy
	now     func() time.Time
	metrics *Metrics
	log     *logrus.Entry
}

func NewTokenService(st store.KeyedStore, policy TokenPolicy, metrics *Metrics) *TokenService {
	if policy.AccessTTL <= 0 {
		policy.AccessTTL = time.Hour
	}
	if policy.QueryTTL <= 0 {
		policy.QueryTTL = time.Hour
	}
	return &TokenService{
		store:   st,
		policy:  policy,
		now:     time.Now,
		metrics: metrics,
		log:     logger.WithComponent("TokenService"),
	}
}

// SetClock replaces the time source used for issuance and expiry.
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

func accessKey(token string) string { return "access:" + token }
func queryKey(token string) string  { return "query:" + token }
func userKey(userID string) string  { return "user:" + userID + ":tokens" }

// TokenFingerprint identifies a token in logs and audit events without
// revealing it.
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// IssueAccessToken creates an access token for userID.
func (s *TokenService) IssueAccessToken(ctx context.Context, userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, apperr.New(apperr.KindMissingUserID, "Missing 'user_id'")
	}

	if s.policy.RevokeOnReissue {
		if err := s.RevokeUserTokens(ctx, userID); err != nil {
			return "", time.Time{}, err
		}
	}

	token, err := newToken()
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindInternal, err, "failed to generate token")
	}

	rec := &tokenRecord{
		Kind:       tokenKindAccess,
		UserID:     userID,
		IssuedAt:   s.now().UTC(),
		TTLSeconds: int64(s.policy.AccessTTL / time.Second),
	}
	if err := s.put(ctx, accessKey(token), rec, s.policy.AccessTTL); err != nil {
		return "", time.Time{}, err
	}
	if err := s.store.AddToSet(ctx, userKey(userID), token, s.policy.AccessTTL); err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindInternal, err, "failed to index token")
	}

	s.metrics.tokenIssued(tokenKindAccess)
	s.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"fingerprint": TokenFingerprint(token),
	}).Info("Issued access token")
	return token, rec.expiresAt(), nil
}

// RevokeUserTokens removes every access token issued to userID.
func (s *TokenService) RevokeUserTokens(ctx context.Context, userID string) error {
	tokens, err := s.store.Members(ctx, userKey(userID))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "failed to list user tokens")
	}
	if len(tokens) == 0 {
		return nil
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, accessKey(t))
	}
	keys = append(keys, userKey(userID))
	if err := s.store.Delete(ctx, keys...); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "failed to revoke user tokens")
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"revoked": len(tokens),
	}).Info("Revoked previous access tokens")
	return nil
}

// ValidateAccessToken reports whether token exists and has not expired.
func (s *TokenService) ValidateAccessToken(ctx context.Context, token string) (bool, error) {
	rec, err := s.lookup(ctx, accessKey(token), tokenKindAccess)
	return rec != nil, err
}

// AuthenticateAccess returns the user behind a valid access token, or
// Unauthorized.
func (s *TokenService) AuthenticateAccess(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apperr.Unauthorized("Unauthorized access")
	}
	rec, err := s.lookup(ctx, accessKey(token), tokenKindAccess)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", apperr.Unauthorized("Unauthorized access")
	}
	return rec.UserID, nil
}

// IssueQueryToken creates a query token bound to a valid access token.
func (s *TokenService) IssueQueryToken(ctx context.Context, accessToken string) (string, time.Time, error) {
	userID, err := s.AuthenticateAccess(ctx, accessToken)
	if err != nil {
		return "", time.Time{}, err
	}

	token, err := newToken()
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindInternal, err, "failed to generate token")
	}

	rec := &tokenRecord{
		Kind:             tokenKindQuery,
		UserID:           userID,
		BoundAccessToken: accessToken,
		IssuedAt:         s.now().UTC(),
		TTLSeconds:       int64(s.policy.QueryTTL / time.Second),
	}
	if err := s.put(ctx, queryKey(token), rec, s.policy.QueryTTL); err != nil {
		return "", time.Time{}, err
	}

	s.metrics.tokenIssued(tokenKindQuery)
	s.log.WithFields(logrus.Fields{
		"user_id":     userID,
		"fingerprint": TokenFingerprint(token),
		"bound_to":    TokenFingerprint(accessToken),
	}).Info("Issued query token")
	return token, rec.expiresAt(), nil
}

// ValidateQueryToken reports whether queryToken is live, bound to exactly
// accessToken, and accessToken itself is still valid.
func (s *TokenService) ValidateQueryToken(ctx context.Context, accessToken, queryToken string) (bool, error) {
	_, err := s.AuthenticateQuery(ctx, accessToken, queryToken)
	if apperr.Is(err, apperr.KindUnauthorized) {
		return false, nil
	}
	return err == nil, err
}

// AuthenticateQuery checks both tokens and returns the user they belong to.
func (s *TokenService) AuthenticateQuery(ctx context.Context, accessToken, queryToken string) (string, error) {
	if accessToken == "" || queryToken == "" {
		return "", apperr.Unauthorized("Unauthorized access")
	}

	rec, err := s.lookup(ctx, queryKey(queryToken), tokenKindQuery)
	if err != nil {
		return "", err
	}
	if rec == nil || subtle.ConstantTimeCompare([]byte(rec.BoundAccessToken), []byte(accessToken)) != 1 {
		return "", apperr.Unauthorized("Invalid or expired query token")
	}

	return s.AuthenticateAccess(ctx, accessToken)
}

// OwnerOf returns the user a live access or query token was issued to.
func (s *TokenService) OwnerOf(ctx context.Context, token string) (string, bool, error) {
	rec, err := s.lookup(ctx, accessKey(token), tokenKindAccess)
	if err != nil {
		return "", false, err
	}
	if rec == nil {
		if rec, err = s.lookup(ctx, queryKey(token), tokenKindQuery); err != nil {
			return "", false, err
		}
	}
	if rec == nil {
		return "", false, nil
	}
	return rec.UserID, true, nil
}

// Revoke removes token whether it is an access or a query token.
func (s *TokenService) Revoke(ctx context.Context, token string) (bool, error) {
	existed := false
	for _, key := range []string{accessKey(token), queryKey(token)} {
		ok, err := s.store.Exists(ctx, key)
		if err != nil {
			return false, apperr.Wrap(apperr.KindInternal, err, "failed to revoke token")
		}
		existed = existed || ok
	}
	if err := s.store.Delete(ctx, accessKey(token), queryKey(token)); err != nil {
		return false, apperr.Wrap(apperr.KindInternal, err, "failed to revoke token")
	}
	s.log.WithField("fingerprint", TokenFingerprint(token)).Info("Revoked token")
	return existed, nil
}

func (s *TokenService) put(ctx context.Context, key string, rec *tokenRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "failed to encode token")
	}
	if err := s.store.Set(ctx, key, string(data), ttl); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "failed to store token")
	}
	return nil
}

// lookup returns the live record at key, or nil when it is missing, of the
// wrong kind, or past issued_at + ttl.
func (s *TokenService) lookup(ctx context.Context, key, kind string) (*tokenRecord, error) {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to read token")
	}

	var rec tokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, fmt.Errorf("decode %s: %w", kind, err), "failed to read token")
	}
	if rec.Kind != kind {
		return nil, nil
	}
	if !s.now().Before(rec.expiresAt()) {
		return nil, nil
	}
	return &rec, nil
}

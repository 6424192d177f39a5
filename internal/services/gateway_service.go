package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/models"
	"github.com/PlainFunction/vaultquery/internal/common/records"
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

// Operation names recorded in audit events.
const (
	OpIssueAccessToken = "issue_access_token"
	OpIssueQueryToken  = "issue_query_token"
	OpRevokeToken      = "revoke_token"
	OpExactMatch       = "exact_match"
	OpRangeQuery       = "range_query"
	OpKnnQuery         = "knn_query"
	OpEncryptField     = "encrypt_field"
	OpHomomorphicAdd   = "homomorphic_add"
	OpEncryptedSum     = "encrypted_sum"
	OpDecryptValues    = "decrypt_values"
	OpAddRecord        = "add_record"
	OpReadAuditLogs    = "read_audit_logs"
)

const gatewayServiceName = "api-gateway"

type GatewayOptions struct {
	Tokens      *TokenService
	Queries     *QueryService
	Aggregation *AggregationService
	Decryptor   types.DecryptionServiceInterface
	Audit       types.AuditSink
	// AuditReader is optional; without it audit logs cannot be read back.
	AuditReader types.AuditReader
	Metrics     *Metrics
}

// GatewayService checks credentials, dispatches to the query and aggregation
// services, forwards ciphertexts to the decryption authority and records an
// audit event for every operation.
type GatewayService struct {
	tokens      *TokenService
	queries     *QueryService
	aggregation *AggregationService
	decryptor   types.DecryptionServiceInterface
	audit       types.AuditSink
	auditReader types.AuditReader
	metrics     *Metrics
	log         *logrus.Entry
}

func NewGatewayService(opts GatewayOptions) *GatewayService {
	audit := opts.Audit
	if audit == nil {
		audit = NewLogAuditSink()
	}
	return &GatewayService{
		tokens:      opts.Tokens,
		queries:     opts.Queries,
		aggregation: opts.Aggregation,
		decryptor:   opts.Decryptor,
		audit:       audit,
		auditReader: opts.AuditReader,
		metrics:     opts.Metrics,
		log:         logger.WithComponent("Gateway"),
	}
}

func (s *GatewayService) IssueAccessToken(ctx context.Context, creds models.Credentials, req *models.IssueAccessTokenRequest) (resp *models.AccessTokenResponse, err error) {
	defer func() { s.record(ctx, OpIssueAccessToken, creds, req.UserID, err, nil) }()

	if err = req.Validate(); err != nil {
		return nil, err
	}
	token, expiresAt, err := s.tokens.IssueAccessToken(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &models.AccessTokenResponse{Token: token, ExpiresAt: expiresAt}, nil
}

func (s *GatewayService) IssueQueryToken(ctx context.Context, creds models.Credentials) (resp *models.QueryTokenResponse, err error) {
	var userID string
	defer func() { s.record(ctx, OpIssueQueryToken, creds, userID, err, nil) }()

	if userID, err = s.tokens.AuthenticateAccess(ctx, creds.AccessToken); err != nil {
		return nil, err
	}
	token, expiresAt, err := s.tokens.IssueQueryToken(ctx, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	return &models.QueryTokenResponse{QueryToken: token, ExpiresAt: expiresAt}, nil
}

// RevokeToken revokes one of the caller's own access or query tokens.
func (s *GatewayService) RevokeToken(ctx context.Context, creds models.Credentials, req *models.RevokeTokenRequest) (resp *models.RevokeTokenResponse, err error) {
	var userID string
	defer func() {
		s.record(ctx, OpRevokeToken, creds, userID, err, map[string]string{
			"revoked_fingerprint": TokenFingerprint(req.Token),
		})
	}()

	if userID, err = s.tokens.AuthenticateAccess(ctx, creds.AccessToken); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		return nil, err
	}

	owner, found, err := s.tokens.OwnerOf(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if !found {
		return &models.RevokeTokenResponse{Revoked: false}, nil
	}
	if owner != userID {
		return nil, apperr.Unauthorized("token belongs to another user")
	}

	revoked, err := s.tokens.Revoke(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	return &models.RevokeTokenResponse{Revoked: revoked}, nil
}

func (s *GatewayService) ExactMatch(ctx context.Context, creds models.Credentials, req *models.ExactMatchRequest) (resp *models.QueryResponse, err error) {
	var userID string
	defer func() {
		s.record(ctx, OpExactMatch, creds, userID, err, map[string]string{"field": req.Field})
	}()

	if userID, err = s.tokens.AuthenticateQuery(ctx, creds.AccessToken, creds.QueryToken); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		return nil, err
	}
	results, err := s.queries.ExactMatch(ctx, req.Field, req.Value)
	if err != nil {
		return nil, err
	}
	return &models.QueryResponse{Results: results, Count: len(results)}, nil
}

func (s *GatewayService) RangeQuery(ctx context.Context, creds models.Credentials, req *models.RangeQueryRequest) (resp *models.QueryResponse, err error) {
	var userID string
	defer func() {
		s.record(ctx, OpRangeQuery, creds, userID, err, map[string]string{"field": req.Field})
	}()

	if userID, err = s.tokens.AuthenticateQuery(ctx, creds.AccessToken, creds.QueryToken); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		return nil, err
	}
	results, err := s.queries.RangeQuery(ctx, req.Field, req.Min, req.Max)
	if err != nil {
		return nil, err
	}
	return &models.QueryResponse{Results: results, Count: len(results)}, nil
}

func (s *GatewayService) KnnQuery(ctx context.Context, creds models.Credentials, req *models.KnnQueryRequest) (resp *models.KnnResponse, err error) {
	var userID string
	defer func() { s.record(ctx, OpKnnQuery, creds, userID, err, nil) }()

	if userID, err = s.tokens.AuthenticateQuery(ctx, creds.AccessToken, creds.QueryToken); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		return nil, err
	}
	results, err := s.queries.Knn(ctx, req.Latitude, req.Longitude, req.K)
	if err != nil {
		return nil, err
	}
	return &models.KnnResponse{Results: results, Count: len(results)}, nil
}

func (s *GatewayService) EncryptField(ctx context.Context, creds models.Credentials, req *models.EncryptFieldRequest) (resp *models.CiphertextResponse, err error) {
	var userID string
	defer func() {
		s.record(ctx, OpEncryptField, creds, userID, err, map[string]string{"field": req.Field})
	}()

	if userID, err = s.tokens.AuthenticateQuery(ctx, creds.AccessToken, creds.QueryToken); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		return nil, err
	}
	ct, err := s.aggregation.EncryptField(ctx, req.Selector, req.Field)
	if err != nil {
		return nil, err
	}
	return &models.CiphertextResponse{Ciphertext: ct, KeyID: s.aggregation.KeyID()}, nil
}

// HomomorphicAdd needs only an access token: it sees ciphertexts and nothing
// else.
func (s *GatewayService) HomomorphicAdd(ctx context.Context, creds models.Credentials, req *models.HomomorphicAddRequest) (resp *models.CiphertextResponse, err error) {
	var userID string
	defer func() { s.record(ctx, OpHomomorphicAdd, creds, userID, err, nil) }()

	if userID, err = s.tokens.AuthenticateAccess(ctx, creds.AccessToken); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		return nil, err
	}
	ct, err := s.aggregation.Add(req.A, req.B)
	if err != nil {
		return nil, err
	}
	return &models.CiphertextResponse{Ciphertext: ct, KeyID: s.aggregation.KeyID()}, nil
}

func (s *GatewayService) EncryptedSum(ctx context.Context, creds models.Credentials, req *models.EncryptedSumRequest) (resp *models.EncryptedSumResponse, err error) {
	var userID string
	defer func() {
		s.record(ctx, OpEncryptedSum, creds, userID, err, map[string]string{"field": req.Field})
	}()

	if userID, err = s.tokens.AuthenticateQuery(ctx, creds.AccessToken, creds.QueryToken); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		return nil, err
	}
	ct, count, err := s.aggregation.EncryptedSum(ctx, req.Field, req.Selectors)
	if err != nil {
		return nil, err
	}
	return &models.EncryptedSumResponse{Ciphertext: ct, KeyID: s.aggregation.KeyID(), Count: count}, nil
}

// DecryptValues forwards ciphertexts to the decryption authority and descales
// the plaintexts it returns.
func (s *GatewayService) DecryptValues(ctx context.Context, creds models.Credentials, req *models.DecryptValuesRequest) (resp *models.DecryptValuesResponse, err error) {
	var userID string
	defer func() {
		s.record(ctx, OpDecryptValues, creds, userID, err, nil)
	}()

	if userID, err = s.tokens.AuthenticateQuery(ctx, creds.AccessToken, creds.QueryToken); err != nil {
		return nil, err
	}
	if err = req.Validate(); err != nil {
		return nil, err
	}

	out, err := s.decryptor.Decrypt(ctx, &types.DecryptRequest{
		Ciphertexts: req.Ciphertexts,
		RequestID:   creds.RequestID,
	})
	if err != nil {
		s.metrics.decryptFailed()
		if !apperr.Is(err, apperr.KindCryptoFailure) {
			err = apperr.CryptoFailure(err, "decryption failed")
		}
		return nil, err
	}

	values := make([]float64, len(out.Plaintexts))
	for i, p := range out.Plaintexts {
		if values[i], err = s.aggregation.Descale(p); err != nil {
			s.metrics.decryptFailed()
			return nil, err
		}
	}
	return &models.DecryptValuesResponse{Values: values}, nil
}

// AddRecord is the write path; it needs only an access token.
func (s *GatewayService) AddRecord(ctx context.Context, creds models.Credentials, rec records.Record) (resp *models.AddRecordResponse, err error) {
	var userID string
	defer func() { s.record(ctx, OpAddRecord, creds, userID, err, nil) }()

	if userID, err = s.tokens.AuthenticateAccess(ctx, creds.AccessToken); err != nil {
		return nil, err
	}
	stored, err := s.queries.AddRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &models.AddRecordResponse{Record: stored, Status: "Data added successfully"}, nil
}

// AuditLogs reads the caller's own stored audit events. A user filter naming
// anyone else is rejected.
func (s *GatewayService) AuditLogs(ctx context.Context, creds models.Credentials, req *types.GetAuditLogsRequest) (resp *types.GetAuditLogsResponse, err error) {
	var userID string
	defer func() { s.record(ctx, OpReadAuditLogs, creds, userID, err, nil) }()

	if userID, err = s.tokens.AuthenticateAccess(ctx, creds.AccessToken); err != nil {
		return nil, err
	}
	if req.UserID != "" && req.UserID != userID {
		return nil, apperr.Unauthorized("audit logs are limited to the caller's own events")
	}
	if s.auditReader == nil {
		return nil, apperr.NotFound("audit log storage is not configured")
	}

	scoped := *req
	scoped.UserID = userID
	resp, err = s.auditReader.GetAuditLogs(ctx, &scoped)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to read audit logs")
	}
	return resp, nil
}

// Health reports the state of the gateway's dependencies.
func (s *GatewayService) Health(ctx context.Context) *types.HealthCheckResponse {
	checks := map[string]string{}

	if err := s.queries.records.Ping(ctx); err != nil {
		checks["records"] = "unhealthy: " + err.Error()
	} else {
		checks["records"] = "healthy"
	}
	if err := s.tokens.store.Ping(ctx); err != nil {
		checks["token_store"] = "unhealthy: " + err.Error()
	} else {
		checks["token_store"] = "healthy"
	}
	if _, err := s.decryptor.HealthCheck(ctx, &types.HealthCheckRequest{ServiceName: gatewayServiceName}); err != nil {
		checks["decryption_authority"] = "unhealthy: " + apperr.MessageOf(err)
	} else {
		checks["decryption_authority"] = "healthy"
	}

	status := "healthy"
	for _, v := range checks {
		if v != "healthy" {
			status = "unhealthy"
			break
		}
	}
	return &types.HealthCheckResponse{
		Status:      status,
		ServiceName: gatewayServiceName,
		Version:     "1.0.0",
		Timestamp:   time.Now().UTC(),
		Details:     checks,
	}
}

func (s *GatewayService) record(ctx context.Context, op string, creds models.Credentials, userID string, err error, meta map[string]string) {
	outcome := "success"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	if creds.RequestID != "" {
		if meta == nil {
			meta = map[string]string{}
		}
		meta["request_id"] = creds.RequestID
	}

	event := &types.AuditEvent{
		AuditID:           uuid.NewString(),
		Operation:         op,
		UserID:            userID,
		TokenFingerprint:  TokenFingerprint(creds.AccessToken),
		Outcome:           outcome,
		RequestingService: gatewayServiceName,
		Timestamp:         time.Now().UTC(),
		ClientIP:          creds.ClientIP,
		Metadata:          meta,
	}
	if auditErr := s.audit.LogAccess(context.WithoutCancel(ctx), event); auditErr != nil {
		s.log.WithError(auditErr).WithField("operation", op).Warn("Failed to record audit event")
	}
}

package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/config"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

// AuditService persists audit events in Postgres and serves them back.
type AuditService struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewAuditService creates a new audit service instance with database persistence
func NewAuditService(cfg *config.Config) (*AuditService, error) {
	log := logger.WithComponent("Audit")
	log.Info("Initializing Audit Service with database persistence")

	dbURL := cfg.AuditDSN()
	if dbURL == "" {
		return nil, fmt.Errorf("no audit database configured")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	log.Info("Connected to audit database")

	return NewAuditServiceWithDB(db), nil
}

func NewAuditServiceWithDB(db *sql.DB) *AuditService {
	return &AuditService{
		db:  db,
		log: logger.WithComponent("Audit"),
	}
}

func (s *AuditService) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *AuditService) Close() error {
	s.log.Info("Closing database connection")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// LogAccess stores one audit event. Events redelivered with the same audit id
// are ignored.
func (s *AuditService) LogAccess(ctx context.Context, event *types.AuditEvent) error {
	if event.AuditID == "" {
		event.AuditID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	metadataJSON := []byte("{}")
	if len(event.Metadata) > 0 {
		var err error
		if metadataJSON, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (audit_id, operation, user_id, token_fingerprint, outcome, requesting_service, timestamp, client_ip, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (audit_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		event.AuditID,
		event.Operation,
		event.UserID,
		event.TokenFingerprint,
		event.Outcome,
		event.RequestingService,
		event.Timestamp,
		event.ClientIP,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"audit_id":  event.AuditID,
		"operation": event.Operation,
	}).Debug("Logged audit event")
	return nil
}

// GetAuditLogs retrieves audit logs based on criteria
func (s *AuditService) GetAuditLogs(ctx context.Context, req *types.GetAuditLogsRequest) (*types.GetAuditLogsResponse, error) {
	query := `
		SELECT audit_id, operation, user_id, token_fingerprint, outcome, requesting_service, timestamp, client_ip, metadata
		FROM audit_logs
		WHERE 1=1
	`
	args := []interface{}{}
	argCount := 0

	if !req.StartTime.IsZero() {
		argCount++
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, req.StartTime)
	}

	if !req.EndTime.IsZero() {
		argCount++
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, req.EndTime)
	}

	if req.Operation != "" {
		argCount++
		query += fmt.Sprintf(" AND operation = $%d", argCount)
		args = append(args, req.Operation)
	}

	if req.UserID != "" {
		argCount++
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, req.UserID)
	}

	if req.RequestingService != "" {
		argCount++
		query += fmt.Sprintf(" AND requesting_service = $%d", argCount)
		args = append(args, req.RequestingService)
	}

	// Get total count
	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS subquery"
	var totalCount int32
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}

	// Add ordering and pagination
	query += " ORDER BY timestamp DESC"

	if req.Limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, req.Limit)
	}

	if req.Offset > 0 {
		argCount++
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, req.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := []*types.AuditEvent{}
	for rows.Next() {
		var auditID, operation, userID, fingerprint, outcome, requestingService, clientIP sql.NullString
		var timestamp time.Time
		var metadataJSON []byte

		err := rows.Scan(
			&auditID, &operation, &userID, &fingerprint, &outcome,
			&requestingService, &timestamp, &clientIP, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		var metadata map[string]string
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
				s.log.WithError(err).Warn("Failed to unmarshal metadata")
			}
		}

		logs = append(logs, &types.AuditEvent{
			AuditID:           auditID.String,
			Operation:         operation.String,
			UserID:            userID.String,
			TokenFingerprint:  fingerprint.String,
			Outcome:           outcome.String,
			RequestingService: requestingService.String,
			Timestamp:         timestamp,
			ClientIP:          clientIP.String,
			Metadata:          metadata,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit logs: %w", err)
	}

	s.log.Debugf("Retrieved %d audit logs (total: %d)", len(logs), totalCount)
	return &types.GetAuditLogsResponse{
		Logs:       logs,
		TotalCount: totalCount,
	}, nil
}

// HealthCheck implements the health check
func (s *AuditService) HealthCheck(ctx context.Context, req *types.HealthCheckRequest) (*types.HealthCheckResponse, error) {
	checks := make(map[string]string)

	if err := s.db.PingContext(ctx); err != nil {
		checks["audit_db"] = fmt.Sprintf("unhealthy: %v", err)
	} else {
		checks["audit_db"] = "healthy"
	}

	status := "healthy"
	for _, checkStatus := range checks {
		if checkStatus != "healthy" {
			status = "unhealthy"
			break
		}
	}

	return &types.HealthCheckResponse{
		Status:      status,
		ServiceName: "audit-service",
		Version:     "1.0.0",
		Timestamp:   time.Now().UTC(),
		Details:     checks,
	}, nil
}

// LogAuditSink writes audit events to the process log only.
type LogAuditSink struct {
	log *logrus.Entry
}

func NewLogAuditSink() *LogAuditSink {
	return &LogAuditSink{log: logger.WithComponent("Audit")}
}

func (s *LogAuditSink) LogAccess(_ context.Context, event *types.AuditEvent) error {
	if event.AuditID == "" {
		event.AuditID = uuid.NewString()
	}
	s.log.WithFields(logrus.Fields{
		"audit_id":    event.AuditID,
		"operation":   event.Operation,
		"user_id":     event.UserID,
		"fingerprint": event.TokenFingerprint,
		"outcome":     event.Outcome,
		"client_ip":   event.ClientIP,
	}).Info("audit")
	return nil
}

func (s *LogAuditSink) Close() error {
	return nil
}

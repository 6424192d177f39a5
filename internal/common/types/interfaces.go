package types

import (
	"context"
)

// DecryptionServiceInterface is the decrypt-side contract. The gateway only
// ever holds a remote implementation of it.
type DecryptionServiceInterface interface {
	Decrypt(ctx context.Context, req *DecryptRequest) (*DecryptResponse, error)
	PublicKey(ctx context.Context, req *PublicKeyRequest) (*PublicKeyResponse, error)
	HealthCheck(ctx context.Context, req *HealthCheckRequest) (*HealthCheckResponse, error)
}

// AuditSink records audit events.
type AuditSink interface {
	LogAccess(ctx context.Context, event *AuditEvent) error
	Close() error
}

// AuditReader serves stored audit events.
type AuditReader interface {
	GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error)
}

package types

import "time"

// Decryption authority message types. They travel over gRPC as JSON.

type DecryptRequest struct {
	Ciphertexts []string `json:"ciphertexts"`
	// RequestID correlates gateway and authority logs.
	RequestID string `json:"request_id,omitempty"`
}

type DecryptResponse struct {
	// Plaintexts are signed base-10 integers, one per ciphertext, in order.
	Plaintexts []string `json:"plaintexts"`
	KeyID      string   `json:"key_id"`
}

type PublicKeyRequest struct{}

type PublicKeyResponse struct {
	// PublicKey is the JSON serialization of the Paillier public key.
	PublicKey     []byte `json:"public_key"`
	KeyID         string `json:"key_id"`
	ScalingFactor int64  `json:"scaling_factor"`
}

type HealthCheckRequest struct {
	ServiceName string `json:"service_name"`
}

type HealthCheckResponse struct {
	Status      string            `json:"status"`
	ServiceName string            `json:"service_name"`
	Version     string            `json:"version"`
	Timestamp   time.Time         `json:"timestamp"`
	Details     map[string]string `json:"details,omitempty"`
}

// Audit message types

type AuditEvent struct {
	AuditID   string `json:"audit_id"`
	Operation string `json:"operation"`
	// UserID is the caller's user id when known. Token values are never
	// recorded; TokenFingerprint identifies the credential instead.
	UserID            string            `json:"user_id,omitempty"`
	TokenFingerprint  string            `json:"token_fingerprint,omitempty"`
	Outcome           string            `json:"outcome"`
	RequestingService string            `json:"requesting_service"`
	Timestamp         time.Time         `json:"timestamp"`
	ClientIP          string            `json:"client_ip,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type GetAuditLogsRequest struct {
	StartTime         time.Time
	EndTime           time.Time
	Operation         string
	UserID            string
	RequestingService string
	Limit             int32
	Offset            int32
}

type GetAuditLogsResponse struct {
	Logs       []*AuditEvent `json:"logs"`
	TotalCount int32         `json:"total_count"`
}

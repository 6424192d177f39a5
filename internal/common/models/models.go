package models

import (
	"strings"
	"time"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/records"
)

// Credentials are the tokens and caller details presented with a request.
type Credentials struct {
	AccessToken string
	QueryToken  string
	ClientIP    string
	RequestID   string
}

type IssueAccessTokenRequest struct {
	UserID string `json:"user_id"`
}

func (r *IssueAccessTokenRequest) Validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	if r.UserID == "" {
		return apperr.New(apperr.KindMissingUserID, "Missing 'user_id'")
	}
	return nil
}

type AccessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type QueryTokenResponse struct {
	QueryToken string    `json:"query_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type RevokeTokenRequest struct {
	Token string `json:"token"`
}

func (r *RevokeTokenRequest) Validate() error {
	if strings.TrimSpace(r.Token) == "" {
		return apperr.InvalidParameter("Missing 'token'")
	}
	return nil
}

type RevokeTokenResponse struct {
	Revoked bool `json:"revoked"`
}

type ExactMatchRequest struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

func (r *ExactMatchRequest) Validate() error {
	if strings.TrimSpace(r.Field) == "" {
		return apperr.InvalidParameter("Missing 'field'")
	}
	if r.Value == nil {
		return apperr.InvalidParameter("Missing 'value'")
	}
	return nil
}

type RangeQueryRequest struct {
	Field string   `json:"field"`
	Min   *float64 `json:"min_value"`
	Max   *float64 `json:"max_value"`
}

func (r *RangeQueryRequest) Validate() error {
	if strings.TrimSpace(r.Field) == "" {
		return apperr.InvalidParameter("Missing 'field'")
	}
	return nil
}

type KnnQueryRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	K         *int     `json:"k"`
}

func (r *KnnQueryRequest) Validate() error {
	if r.Latitude == nil || r.Longitude == nil || r.K == nil {
		return apperr.InvalidParameter("Missing 'latitude', 'longitude', or 'k'")
	}
	if *r.K <= 0 {
		return apperr.InvalidParameter("'k' must be a positive integer")
	}
	return nil
}

type QueryResponse struct {
	Results []records.Summary `json:"results"`
	Count   int               `json:"count"`
}

type KnnResponse struct {
	Results []records.Neighbor `json:"results"`
	Count   int                `json:"count"`
}

type EncryptFieldRequest struct {
	// Selector is the record name.
	Selector string `json:"selector"`
	Field    string `json:"field"`
}

func (r *EncryptFieldRequest) Validate() error {
	if strings.TrimSpace(r.Selector) == "" {
		return apperr.InvalidParameter("Missing 'selector'")
	}
	if strings.TrimSpace(r.Field) == "" {
		return apperr.InvalidParameter("Missing 'field'")
	}
	return nil
}

type CiphertextResponse struct {
	Ciphertext string `json:"ciphertext"`
	KeyID      string `json:"key_id"`
}

type HomomorphicAddRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

func (r *HomomorphicAddRequest) Validate() error {
	if r.A == "" || r.B == "" {
		return apperr.InvalidParameter("Missing ciphertext 'a' or 'b'")
	}
	return nil
}

type EncryptedSumRequest struct {
	Field     string   `json:"field"`
	Selectors []string `json:"selectors"`
}

func (r *EncryptedSumRequest) Validate() error {
	if strings.TrimSpace(r.Field) == "" {
		return apperr.InvalidParameter("Missing 'field'")
	}
	if len(r.Selectors) == 0 {
		return apperr.InvalidParameter("Missing 'selectors'")
	}
	return nil
}

type EncryptedSumResponse struct {
	Ciphertext string `json:"ciphertext"`
	KeyID      string `json:"key_id"`
	Count      int    `json:"count"`
}

// MaxDecryptBatch bounds the ciphertexts accepted in one decrypt call.
const MaxDecryptBatch = 256

type DecryptValuesRequest struct {
	Ciphertexts []string `json:"ciphertexts"`
}

func (r *DecryptValuesRequest) Validate() error {
	if len(r.Ciphertexts) == 0 {
		return apperr.InvalidParameter("Missing 'ciphertexts'")
	}
	if len(r.Ciphertexts) > MaxDecryptBatch {
		return apperr.InvalidParameter("at most %d ciphertexts per request", MaxDecryptBatch)
	}
	return nil
}

type DecryptValuesResponse struct {
	Values []float64 `json:"values"`
}

type AddRecordResponse struct {
	Record records.Record `json:"record"`
	Status string         `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/PlainFunction/vaultquery/internal/common/bloom"
	"github.com/PlainFunction/vaultquery/internal/common/config"
	vqgrpc "github.com/PlainFunction/vaultquery/internal/common/grpc"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/models"
	"github.com/PlainFunction/vaultquery/internal/common/paillier"
	"github.com/PlainFunction/vaultquery/internal/common/records"
	"github.com/PlainFunction/vaultquery/internal/common/store"
	"github.com/PlainFunction/vaultquery/internal/services"
)

func init() {
	logger.Discard()
}

const channelSecret = "internal-test-secret"

var (
	keyOnce sync.Once
	testKey *paillier.PrivateKey
)

func privateKey(t *testing.T) *paillier.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testKey, err = paillier.GenerateKey(rand.Reader, 512)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

type stack struct {
	router        http.Handler
	stopDecryptor func()
}

// newStack wires the gateway to a decryption authority served over an
// in-memory gRPC connection.
func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	sk := privateKey(t)

	decryptor, err := services.NewDecryptionService(sk, 100, services.NewDecryptorMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	grpcServer := vqgrpc.NewServerWithListener(lis, channelSecret)
	grpcServer.RegisterService(func(s *grpclib.Server) {
		vqgrpc.RegisterDecryptionServer(s, vqgrpc.NewDecryptionServiceServer(decryptor))
	})
	grpcServer.SetServing(vqgrpc.DecryptionServiceName)
	go grpcServer.Start()
	var once sync.Once
	stop := func() { once.Do(grpcServer.Stop) }
	t.Cleanup(stop)

	client, err := vqgrpc.NewDecryptionServiceGRPCClient(&vqgrpc.ClientConfig{
		Target:    "passthrough:///bufnet",
		Timeout:   time.Second,
		KeepAlive: 30 * time.Second,
		Secret:    channelSecret,
		DialOptions: []grpclib.DialOption{
			grpclib.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	pub, err := services.FetchPublicKey(ctx, client, 100)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := services.NewGatewayMetrics(reg)

	st := records.NewMemoryStore(
		records.Record{Name: "Alice Park", Age: 34, Hospital: "Mercy", MedicalCondition: "Asthma", InsuranceProvider: "Aetna", BillingAmount: 12.50, Latitude: 1, Longitude: 0},
		records.Record{Name: "Bob Stone", Age: 45, Hospital: "General", MedicalCondition: "Diabetes", InsuranceProvider: "Cigna", BillingAmount: 7.25, Latitude: 0, Longitude: 2},
		records.Record{Name: "Cara Lee", Age: 38, Hospital: "Mercy", MedicalCondition: "Flu", InsuranceProvider: "Aetna", BillingAmount: 100, Latitude: 0, Longitude: -1},
		records.Record{Name: "Dan Moss", Age: 25, Hospital: "St. Luke", MedicalCondition: "Asthma", InsuranceProvider: "Medicare", BillingAmount: 55.10, Latitude: 3, Longitude: 0},
		records.Record{Name: "Eve Kim", Age: 30, Hospital: "General", MedicalCondition: "Arthritis", InsuranceProvider: "Cigna", BillingAmount: 980.99, Latitude: 0, Longitude: 0.5},
	)
	filter, err := bloom.New(bloom.Config{
		Capacity:          1000,
		FalsePositiveRate: 0.001,
		Fields:            []string{"name", "age", "hospital"},
	})
	require.NoError(t, err)
	queries := services.NewQueryService(st, filter, metrics)
	_, err = queries.RebuildFilter(ctx)
	require.NoError(t, err)

	scaler, err := paillier.NewScaler(100)
	require.NoError(t, err)

	gateway := services.NewGatewayService(services.GatewayOptions{
		Tokens:      services.NewTokenService(store.NewMemoryStore(), services.TokenPolicy{RevokeOnReissue: true}, metrics),
		Queries:     queries,
		Aggregation: services.NewAggregationService(st, pub, scaler),
		Decryptor:   client,
		Audit:       services.NewLogAuditSink(),
		Metrics:     metrics,
	})

	server := NewServer(&config.Config{APIPort: "0"}, NewHandler(gateway, client, reg))
	return &stack{router: server.Router(), stopDecryptor: stop}
}

func (s *stack) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// login returns headers carrying a fresh access token and its query token.
func (s *stack) login(t *testing.T, user string) map[string]string {
	t.Helper()
	rec := s.do(t, "POST", "/v1/tokens/access", map[string]string{"user_id": user}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var access models.AccessTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &access))

	rec = s.do(t, "POST", "/v1/tokens/query", nil, map[string]string{"Authorization": "Bearer " + access.Token})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var query models.QueryTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &query))

	return map[string]string{"Authorization": "Bearer " + access.Token, "Query-Token": query.QueryToken}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestExactMatchRequiresBothTokens(t *testing.T) {
	s := newStack(t)
	headers := s.login(t, "alice")
	body := map[string]interface{}{"field": "hospital", "value": "Mercy"}

	rec := s.do(t, "POST", "/v1/query/exact", body, map[string]string{"Authorization": headers["Authorization"]})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	errResp := decodeError(t, rec)
	assert.Equal(t, "unauthorized", errResp.Error)
	assert.Equal(t, "UNAUTHORIZED", errResp.Code)
	assert.NotContains(t, rec.Body.String(), strings.TrimPrefix(headers["Authorization"], "Bearer "))

	rec = s.do(t, "POST", "/v1/query/exact", body, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "Alice Park", resp.Results[0].Name)
	assert.Equal(t, "Cara Lee", resp.Results[1].Name)
}

func TestExactMatchNumericValueAndNotFound(t *testing.T) {
	s := newStack(t)
	headers := s.login(t, "alice")

	rec := s.do(t, "POST", "/v1/query/exact", `{"field":"age","value":45}`, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Bob Stone")

	rec = s.do(t, "POST", "/v1/query/exact", `{"field":"name","value":"Nobody Here"}`, headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)

	rec = s.do(t, "POST", "/v1/query/exact", `{"field":"ssn","value":"1"}`, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_field", decodeError(t, rec).Error)
}

func TestIssueAccessTokenValidation(t *testing.T) {
	s := newStack(t)

	rec := s.do(t, "POST", "/v1/tokens/access", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_USER_ID", decodeError(t, rec).Code)

	rec = s.do(t, "POST", "/v1/tokens/access", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAMETER", decodeError(t, rec).Code)

	rec = s.do(t, "POST", "/v1/tokens/query", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRangeAndKnnQueries(t *testing.T) {
	s := newStack(t)
	headers := s.login(t, "alice")

	rec := s.do(t, "POST", "/v1/query/range", `{"field":"age","min_value":30,"max_value":40}`, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rng models.QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rng))
	assert.Equal(t, 3, rng.Count)

	rec = s.do(t, "POST", "/v1/query/range", `{"field":"age","min_value":90,"max_value":99}`, headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "POST", "/v1/query/knn", `{"latitude":0,"longitude":0,"k":3}`, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var knn models.KnnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &knn))
	require.Len(t, knn.Results, 3)
	assert.Equal(t, "Eve Kim", knn.Results[0].Name)
	assert.Equal(t, "Alice Park", knn.Results[1].Name)
	assert.Equal(t, "Cara Lee", knn.Results[2].Name)

	rec = s.do(t, "POST", "/v1/query/knn", `{"latitude":0,"longitude":0,"k":0}`, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEncryptedAggregationAcrossTrustBoundary(t *testing.T) {
	s := newStack(t)
	headers := s.login(t, "alice")

	encrypt := func(selector string) string {
		rec := s.do(t, "POST", "/v1/aggregate/encrypt", map[string]string{"selector": selector, "field": "billing_amount"}, headers)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp models.CiphertextResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.Ciphertext
	}
	a, b := encrypt("Alice Park"), encrypt("Bob Stone")

	accessOnly := map[string]string{"Authorization": headers["Authorization"]}
	rec := s.do(t, "POST", "/v1/aggregate/add", map[string]string{"a": a, "b": b}, accessOnly)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sum models.CiphertextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))

	rec = s.do(t, "POST", "/v1/aggregate/decrypt", map[string][]string{"ciphertexts": {sum.Ciphertext}}, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out models.DecryptValuesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []float64{19.75}, out.Values)

	rec = s.do(t, "POST", "/v1/aggregate/sum", map[string]interface{}{"field": "billing_amount", "selectors": []string{"Alice Park", "Bob Stone"}}, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var total models.EncryptedSumResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &total))
	assert.Equal(t, 2, total.Count)

	rec = s.do(t, "POST", "/v1/aggregate/add", map[string]string{"a": a, "b": "garbage"}, accessOnly)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "CRYPTO_FAILURE", decodeError(t, rec).Code)
}

func TestDecryptorOutageIsCryptoFailure(t *testing.T) {
	s := newStack(t)
	headers := s.login(t, "alice")

	rec := s.do(t, "POST", "/v1/aggregate/encrypt", map[string]string{"selector": "Eve Kim", "field": "age"}, headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var ct models.CiphertextResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ct))

	s.stopDecryptor()

	rec = s.do(t, "POST", "/v1/aggregate/decrypt", map[string][]string{"ciphertexts": {ct.Ciphertext}}, headers)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "crypto_failure", decodeError(t, rec).Error)

	rec = s.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthIncludesDecryptorStatus(t *testing.T) {
	s := newStack(t)

	rec := s.do(t, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]interface{}{"status": "SERVING"}, body["decryptor_grpc"])
}

func TestAddRecordThenQuery(t *testing.T) {
	s := newStack(t)
	headers := s.login(t, "alice")

	rec := s.do(t, "POST", "/v1/records", `{"name":"Gus Hale","age":61,"hospital":"General","latitude":10,"longitude":10}`, map[string]string{"Authorization": headers["Authorization"]})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, "POST", "/v1/query/exact", `{"field":"name","value":"Gus Hale"}`, headers)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, "POST", "/v1/records", `{"name":"","age":1}`, map[string]string{"Authorization": headers["Authorization"]})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeToken(t *testing.T) {
	s := newStack(t)
	headers := s.login(t, "alice")

	rec := s.do(t, "POST", "/v1/tokens/revoke", map[string]string{"token": headers["Query-Token"]}, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"revoked":true}`, rec.Body.String())

	rec = s.do(t, "POST", "/v1/query/exact", `{"field":"hospital","value":"Mercy"}`, headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuditLogsWithoutStore(t *testing.T) {
	s := newStack(t)
	headers := s.login(t, "alice")

	rec := s.do(t, "GET", "/v1/audit/logs?limit=10", nil, headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "GET", "/v1/audit/logs?startTime=yesterday", nil, headers)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newStack(t)
	headers := s.login(t, "alice")
	s.do(t, "POST", "/v1/query/exact", `{"field":"name","value":"Nobody Here"}`, headers)

	rec := s.do(t, "GET", "/v1/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `vaultquery_api_requests_total{endpoint="/v1/query/exact",method="POST",status="404"} 1`)
	assert.Contains(t, body, `vaultquery_gateway_filter_short_circuits_total{field="name"} 1`)
	assert.Contains(t, body, `vaultquery_gateway_tokens_issued_total`)
}

func TestMiddleware(t *testing.T) {
	s := newStack(t)

	rec := s.do(t, "GET", "/health", nil, map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = s.do(t, "GET", "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = s.do(t, "OPTIONS", "/v1/query/exact", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Query-Token")

	rec = s.do(t, "GET", "/v2/nothing", nil, map[string]string{"X-Request-ID": "req-404"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
	assert.Equal(t, "req-404", rec.Header().Get("X-Request-ID"))

	s.do(t, "GET", "/v2/elsewhere", nil, nil)
	body := s.do(t, "GET", "/v1/metrics", nil, nil).Body.String()
	assert.Contains(t, body, `vaultquery_api_requests_total{endpoint="unmatched",method="GET",status="404"} 2`)
	assert.NotContains(t, body, `endpoint="/v2/nothing"`)
}

func TestCredentials(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	req.Header.Set("Authorization", "bearer abc")
	req.Header.Set("Query-Token", " q1 ")

	creds := credentials(req)
	assert.Equal(t, "abc", creds.AccessToken)
	assert.Equal(t, "q1", creds.QueryToken)
	assert.Equal(t, "192.0.2.7", creds.ClientIP)

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", credentials(req).ClientIP)

	req.Header.Set("Authorization", "raw-token")
	assert.Equal(t, "raw-token", credentials(req).AccessToken)
}

package services

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/paillier"
	"github.com/PlainFunction/vaultquery/internal/common/records"
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

func newAggregation(t *testing.T, extra ...records.Record) (*AggregationService, *DecryptionService) {
	t.Helper()
	sk, _ := testKeys(t)
	scaler, err := paillier.NewScaler(100)
	require.NoError(t, err)

	st := records.NewMemoryStore(append(sampleRecords(), extra...)...)
	dec, err := NewDecryptionService(sk, 100, nil)
	require.NoError(t, err)
	return NewAggregationService(st, sk.Public(), scaler), dec
}

func decryptOne(t *testing.T, agg *AggregationService, dec *DecryptionService, ct string) float64 {
	t.Helper()
	resp, err := dec.Decrypt(context.Background(), &types.DecryptRequest{Ciphertexts: []string{ct}})
	require.NoError(t, err)
	v, err := agg.Descale(resp.Plaintexts[0])
	require.NoError(t, err)
	return v
}

func TestEncryptFieldRoundTrip(t *testing.T) {
	agg, dec := newAggregation(t)

	ct, err := agg.EncryptField(context.Background(), "Dan Moss", "billing_amount")
	require.NoError(t, err)
	assert.Contains(t, ct, agg.KeyID()+":")
	assert.InDelta(t, 55.10, decryptOne(t, agg, dec, ct), 1e-9)
}

func TestHomomorphicSumOfBillingAmounts(t *testing.T) {
	agg, dec := newAggregation(t)
	ctx := context.Background()

	a, err := agg.EncryptField(ctx, "Alice Park", "billing_amount")
	require.NoError(t, err)
	b, err := agg.EncryptField(ctx, "Bob Stone", "billing_amount")
	require.NoError(t, err)

	sum, err := agg.Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, 19.75, decryptOne(t, agg, dec, sum))
}

func TestEncryptFieldSelectorErrors(t *testing.T) {
	agg, _ := newAggregation(t, records.Record{Name: "Alice Park", Age: 70})
	ctx := context.Background()

	_, err := agg.EncryptField(ctx, "Nobody", "billing_amount")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = agg.EncryptField(ctx, "Alice Park", "billing_amount")
	assert.True(t, apperr.Is(err, apperr.KindAmbiguousSelector))

	_, err = agg.EncryptField(ctx, "Bob Stone", "hospital")
	assert.True(t, apperr.Is(err, apperr.KindInvalidField))

	_, err = agg.EncryptField(ctx, "Bob Stone", "salary")
	assert.True(t, apperr.Is(err, apperr.KindInvalidField))
}

func TestAddRejectsForeignCiphertext(t *testing.T) {
	agg, _ := newAggregation(t)
	_, other := testKeys(t)
	ctx := context.Background()

	mine, err := agg.EncryptField(ctx, "Bob Stone", "age")
	require.NoError(t, err)

	theirs := NewAggregationService(records.NewMemoryStore(sampleRecords()...), other.Public(), mustScaler(t))
	foreign, err := theirs.EncryptField(ctx, "Bob Stone", "age")
	require.NoError(t, err)

	_, err = agg.Add(mine, foreign)
	assert.True(t, apperr.Is(err, apperr.KindCryptoFailure))

	_, err = agg.Add(mine, "garbage")
	assert.True(t, apperr.Is(err, apperr.KindCryptoFailure))
}

func TestEncryptedSum(t *testing.T) {
	agg, dec := newAggregation(t)

	ct, n, err := agg.EncryptedSum(context.Background(), "age", []string{"Alice Park", "Bob Stone", "Cara Lee"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, float64(34+45+38), decryptOne(t, agg, dec, ct))

	_, _, err = agg.EncryptedSum(context.Background(), "age", nil)
	assert.True(t, apperr.Is(err, apperr.KindInvalidParameter))

	_, _, err = agg.EncryptedSum(context.Background(), "age", []string{"Alice Park", "Nobody"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDecryptRejectsForeignKey(t *testing.T) {
	_, dec := newAggregation(t)
	_, other := testKeys(t)

	agg := NewAggregationService(records.NewMemoryStore(sampleRecords()...), other.Public(), mustScaler(t))
	foreign, err := agg.EncryptField(context.Background(), "Eve Kim", "billing_amount")
	require.NoError(t, err)

	_, err = dec.Decrypt(context.Background(), &types.DecryptRequest{Ciphertexts: []string{foreign}})
	assert.True(t, apperr.Is(err, apperr.KindCryptoFailure))
}

func TestDecryptValidation(t *testing.T) {
	_, dec := newAggregation(t)

	_, err := dec.Decrypt(context.Background(), &types.DecryptRequest{})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParameter))

	_, err = dec.Decrypt(context.Background(), &types.DecryptRequest{Ciphertexts: []string{"nope"}})
	assert.True(t, apperr.Is(err, apperr.KindCryptoFailure))
}

func TestDecryptorMetrics(t *testing.T) {
	sk, other := testKeys(t)
	reg := prometheus.NewRegistry()
	dec, err := NewDecryptionService(sk, 100, NewDecryptorMetrics(reg))
	require.NoError(t, err)

	mine := NewAggregationService(records.NewMemoryStore(sampleRecords()...), sk.Public(), mustScaler(t))
	ct, err := mine.EncryptField(context.Background(), "Eve Kim", "age")
	require.NoError(t, err)
	_, err = dec.Decrypt(context.Background(), &types.DecryptRequest{Ciphertexts: []string{ct, ct}})
	require.NoError(t, err)

	theirs := NewAggregationService(records.NewMemoryStore(sampleRecords()...), other.Public(), mustScaler(t))
	foreign, err := theirs.EncryptField(context.Background(), "Eve Kim", "age")
	require.NoError(t, err)
	_, err = dec.Decrypt(context.Background(), &types.DecryptRequest{Ciphertexts: []string{foreign}})
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(dec.metrics.decryptions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(dec.metrics.decryptions.WithLabelValues("rejected")))
}

func TestPublicKeyAndFetch(t *testing.T) {
	sk, _ := testKeys(t)
	dec, err := NewDecryptionService(sk, 100, nil)
	require.NoError(t, err)

	resp, err := dec.PublicKey(context.Background(), &types.PublicKeyRequest{})
	require.NoError(t, err)
	assert.Equal(t, sk.KeyID(), resp.KeyID)
	assert.Equal(t, int64(100), resp.ScalingFactor)
	assert.NotContains(t, string(resp.PublicKey), sk.P.Text(16))

	pk, err := FetchPublicKey(context.Background(), dec, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, pk.N.Cmp(sk.N))

	_, err = FetchPublicKey(context.Background(), dec, 1000)
	assert.ErrorContains(t, err, "scaling factor mismatch")
}

func mustScaler(t *testing.T) paillier.Scaler {
	t.Helper()
	s, err := paillier.NewScaler(100)
	require.NoError(t, err)
	return s
}

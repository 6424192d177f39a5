package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/bloom"
	"github.com/PlainFunction/vaultquery/internal/common/records"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

func TestExactMatch(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))

	results, err := svc.ExactMatch(context.Background(), "hospital", "Mercy")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, records.Summary{
		Name:              "Alice Park",
		Hospital:          "Mercy",
		MedicalCondition:  "Asthma",
		InsuranceProvider: "Aetna",
	}, results[0])
	assert.Equal(t, "Cara Lee", results[1].Name)
}

func TestExactMatchNumericField(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))

	results, err := svc.ExactMatch(context.Background(), "age", 45)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Bob Stone", results[0].Name)

	results, err = svc.ExactMatch(context.Background(), "Age", "45.0")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestExactMatchFilterShortCircuits(t *testing.T) {
	svc, st := newQueryService(t, newFilter(t))
	before := st.Scans()

	_, err := svc.ExactMatch(context.Background(), "name", "Zed Nobody")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, before, st.Scans(), "a negative filter lookup must not scan")
}

func TestExactMatchFalsePositiveStillNotFound(t *testing.T) {
	// A one-bit filter answers "maybe" for everything once anything is added.
	filter, err := bloom.New(bloom.Config{Bits: 1, Hashes: 1, Fields: []string{"name"}})
	require.NoError(t, err)
	svc, st := newQueryService(t, filter)
	require.True(t, filter.Lookup("name", "Zed Nobody"))
	before := st.Scans()

	_, err = svc.ExactMatch(context.Background(), "name", "Zed Nobody")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, before+1, st.Scans())
}

func TestExactMatchUntrackedFieldScans(t *testing.T) {
	svc, st := newQueryService(t, newFilter(t, "name"))
	before := st.Scans()

	results, err := svc.ExactMatch(context.Background(), "insurance_provider", "Cigna")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, before+1, st.Scans())
}

func TestExactMatchErrors(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))
	ctx := context.Background()

	_, err := svc.ExactMatch(ctx, "ssn", "123")
	assert.True(t, apperr.Is(err, apperr.KindInvalidField))

	_, err = svc.ExactMatch(ctx, "age", "old")
	assert.True(t, apperr.Is(err, apperr.KindInvalidParameter))

	_, err = svc.ExactMatch(ctx, "hospital", "mercy")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "text matches are case-sensitive")
}

func TestRangeQuery(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))
	ctx := context.Background()

	results, err := svc.RangeQuery(ctx, "age", f64(30), f64(40))
	require.NoError(t, err)
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"Alice Park", "Cara Lee", "Eve Kim"}, names)

	_, err = svc.RangeQuery(ctx, "age", f64(70), f64(90))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = svc.RangeQuery(ctx, "age", f64(40), f64(30))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRangeQueryErrors(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))
	ctx := context.Background()

	_, err := svc.RangeQuery(ctx, "hospital", f64(1), f64(2))
	assert.True(t, apperr.Is(err, apperr.KindInvalidField))

	_, err = svc.RangeQuery(ctx, "weight", f64(1), f64(2))
	assert.True(t, apperr.Is(err, apperr.KindInvalidField))

	_, err = svc.RangeQuery(ctx, "age", nil, f64(2))
	assert.True(t, apperr.Is(err, apperr.KindInvalidParameter))
}

func TestKnn(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))

	results, err := svc.Knn(context.Background(), f64(0), f64(0), intp(3))
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Eve is 0.5 away; Alice and Cara tie at 1 and keep store order.
	assert.Equal(t, "Eve Kim", results[0].Name)
	assert.InDelta(t, 0.5, results[0].Distance, 1e-9)
	assert.Equal(t, "Alice Park", results[1].Name)
	assert.Equal(t, "Cara Lee", results[2].Name)
	assert.Equal(t, results[1].Distance, results[2].Distance)
}

func TestKnnLargeK(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))

	results, err := svc.Knn(context.Background(), f64(0), f64(0), intp(50))
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestKnnErrors(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))
	ctx := context.Background()

	_, err := svc.Knn(ctx, nil, f64(0), intp(1))
	assert.True(t, apperr.Is(err, apperr.KindInvalidParameter))

	_, err = svc.Knn(ctx, f64(0), f64(0), intp(0))
	assert.True(t, apperr.Is(err, apperr.KindInvalidParameter))

	_, err = svc.Knn(ctx, f64(0), f64(0), nil)
	assert.True(t, apperr.Is(err, apperr.KindInvalidParameter))
}

func TestAddRecordUpdatesFilter(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))
	ctx := context.Background()

	_, err := svc.ExactMatch(ctx, "name", "Finn Ray")
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	stored, err := svc.AddRecord(ctx, records.Record{Name: "Finn Ray", Age: 52, Hospital: "Mercy"})
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)

	results, err := svc.ExactMatch(ctx, "name", "Finn Ray")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = svc.ExactMatch(ctx, "age", 52)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

// insertHookStore runs onInsert right after a row becomes visible in the store.
type insertHookStore struct {
	records.Store
	onInsert func()
}

func (s *insertHookStore) Insert(ctx context.Context, rec records.Record) (records.Record, error) {
	stored, err := s.Store.Insert(ctx, rec)
	if err == nil && s.onInsert != nil {
		s.onInsert()
	}
	return stored, err
}

func TestAddRecordVisibleToConcurrentExactMatch(t *testing.T) {
	st := &insertHookStore{Store: records.NewMemoryStore(sampleRecords()...)}
	svc := NewQueryService(st, newFilter(t), nil)
	_, err := svc.RebuildFilter(context.Background())
	require.NoError(t, err)

	var duringInsert []records.Summary
	var duringErr error
	st.onInsert = func() {
		duringInsert, duringErr = svc.ExactMatch(context.Background(), "name", "Gus Hale")
	}

	_, err = svc.AddRecord(context.Background(), records.Record{Name: "Gus Hale", Age: 61, Hospital: "General"})
	require.NoError(t, err)
	require.NoError(t, duringErr)
	assert.Len(t, duringInsert, 1)
}

func TestAddRecordValidates(t *testing.T) {
	svc, _ := newQueryService(t, newFilter(t))

	_, err := svc.AddRecord(context.Background(), records.Record{Name: " "})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParameter))

	_, err = svc.AddRecord(context.Background(), records.Record{Name: "X", Latitude: 120})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParameter))
}

func TestRebuildFilter(t *testing.T) {
	filter := newFilter(t)
	svc, _ := newQueryService(t, filter)

	n, err := svc.RebuildFilter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, filter.Lookup("name", "Dan Moss"))
	assert.True(t, filter.Lookup("age", 25))
	assert.Equal(t, uint64(15), filter.Stats().Entries)
}

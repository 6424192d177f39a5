package services

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PlainFunction/vaultquery/internal/common/bloom"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/paillier"
	"github.com/PlainFunction/vaultquery/internal/common/records"
	"github.com/PlainFunction/vaultquery/internal/common/store"
	"github.com/PlainFunction/vaultquery/internal/common/types"
)

func init() {
	logger.Discard()
}

var (
	keyOnce    sync.Once
	sharedKey  *paillier.PrivateKey
	foreignKey *paillier.PrivateKey
)

func testKeys(t *testing.T) (*paillier.PrivateKey, *paillier.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		sharedKey, err = paillier.GenerateKey(rand.Reader, 512)
		if err != nil {
			panic(err)
		}
		foreignKey, err = paillier.GenerateKey(rand.Reader, 512)
		if err != nil {
			panic(err)
		}
	})
	return sharedKey, foreignKey
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTokenService(clock *fakeClock, revokeOnReissue bool) *TokenService {
	st := store.NewMemoryStoreWithClock(clock.Now)
	svc := NewTokenService(st, TokenPolicy{
		AccessTTL:       time.Hour,
		QueryTTL:        30 * time.Minute,
		RevokeOnReissue: revokeOnReissue,
	}, nil)
	svc.SetClock(clock.Now)
	return svc
}

func sampleRecords() []records.Record {
	return []records.Record{
		{Name: "Alice Park", Age: 34, Hospital: "Mercy", MedicalCondition: "Asthma", InsuranceProvider: "Aetna", BillingAmount: 12.50, Latitude: 1, Longitude: 0},
		{Name: "Bob Stone", Age: 45, Hospital: "General", MedicalCondition: "Diabetes", InsuranceProvider: "Cigna", BillingAmount: 7.25, Latitude: 0, Longitude: 2},
		{Name: "Cara Lee", Age: 38, Hospital: "Mercy", MedicalCondition: "Flu", InsuranceProvider: "Aetna", BillingAmount: 100, Latitude: 0, Longitude: -1},
		{Name: "Dan Moss", Age: 25, Hospital: "St. Luke", MedicalCondition: "Asthma", InsuranceProvider: "Medicare", BillingAmount: 55.10, Latitude: 3, Longitude: 0},
		{Name: "Eve Kim", Age: 30, Hospital: "General", MedicalCondition: "Cancer", InsuranceProvider: "Cigna", BillingAmount: 980.99, Latitude: 0, Longitude: 0.5},
	}
}

func newFilter(t *testing.T, fields ...string) *bloom.Filter {
	t.Helper()
	if len(fields) == 0 {
		fields = []string{"name", "age", "hospital"}
	}
	f, err := bloom.New(bloom.Config{Capacity: 1000, FalsePositiveRate: 0.001, Fields: fields})
	require.NoError(t, err)
	return f
}

// countingStore records how many scans reach the underlying store.
type countingStore struct {
	records.Store
	mu    sync.Mutex
	scans int
}

func (s *countingStore) Scan(ctx context.Context, pred records.Predicate) ([]records.Record, error) {
	s.mu.Lock()
	s.scans++
	s.mu.Unlock()
	return s.Store.Scan(ctx, pred)
}

func (s *countingStore) Scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

func newQueryService(t *testing.T, filter *bloom.Filter) (*QueryService, *countingStore) {
	t.Helper()
	st := &countingStore{Store: records.NewMemoryStore(sampleRecords()...)}
	svc := NewQueryService(st, filter, nil)
	_, err := svc.RebuildFilter(context.Background())
	require.NoError(t, err)
	return svc, st
}

// recordingSink captures audit events.
type recordingSink struct {
	mu     sync.Mutex
	events []*types.AuditEvent
}

func (s *recordingSink) LogAccess(_ context.Context, e *types.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) last() *types.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

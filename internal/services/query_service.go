package services

import (
	"context"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/apperr"
	"github.com/PlainFunction/vaultquery/internal/common/bloom"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/records"
)

// QueryService evaluates exact, range and nearest-neighbour queries over the
// record store, consulting the membership filter before exact scans.
type QueryService struct {
	records records.Store
	filter  *bloom.Filter
	metrics *Metrics
	log     *logrus.Entry
}

func NewQueryService(st records.Store, filter *bloom.Filter, metrics *Metrics) *QueryService {
	return &QueryService{
		records: st,
		filter:  filter,
		metrics: metrics,
		log:     logger.WithComponent("QueryService"),
	}
}

// RebuildFilter clears the filter and reloads it from every stored record.
func (s *QueryService) RebuildFilter(ctx context.Context) (int, error) {
	rows, err := s.records.Scan(ctx, records.All)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, err, "failed to load records")
	}

	s.filter.Reset()
	for i := range rows {
		if err := s.index(&rows[i]); err != nil {
			return 0, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"records": len(rows),
		"stats":   s.filter.Stats(),
	}).Info("Membership filter rebuilt")
	return len(rows), nil
}

func (s *QueryService) index(rec *records.Record) error {
	for _, name := range records.FieldNames() {
		if !s.filter.Tracks(name) {
			continue
		}
		field, _ := records.LookupField(name)
		if err := s.filter.Add(name, field.Value(rec)); err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "failed to index record")
		}
	}
	return nil
}

// AddRecord stores rec and indexes its tracked fields.
func (s *QueryService) AddRecord(ctx context.Context, rec records.Record) (records.Record, error) {
	if err := rec.Validate(); err != nil {
		return records.Record{}, apperr.InvalidParameter("%s", err.Error())
	}

	// Indexed first: a row must never be visible in the store while the
	// filter still reports it absent. A failed insert leaves a false positive.
	if err := s.index(&rec); err != nil {
		return records.Record{}, err
	}
	stored, err := s.records.Insert(ctx, rec)
	if err != nil {
		return records.Record{}, apperr.Wrap(apperr.KindInternal, err, "failed to store record")
	}

	s.log.WithField("id", stored.ID).Info("Record added")
	return stored, nil
}

// ExactMatch returns the records whose field equals value.
func (s *QueryService) ExactMatch(ctx context.Context, fieldName string, value interface{}) ([]records.Summary, error) {
	field, ok := records.LookupField(fieldName)
	if !ok {
		return nil, apperr.InvalidField(fieldName)
	}
	normalized, err := field.Normalize(value)
	if err != nil {
		return nil, apperr.InvalidParameter("%s", err.Error())
	}

	if s.filter.Tracks(field.Name) && !s.filter.Lookup(field.Name, normalized) {
		s.metrics.filterShortCircuit(field.Name)
		return nil, apperr.NotFound("No matching records found")
	}

	rows, err := s.records.Scan(ctx, func(r *records.Record) bool {
		return field.Matches(r, normalized)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to scan records")
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("No matching records found")
	}
	return summarize(rows), nil
}

// RangeQuery returns the records with min <= field <= max.
func (s *QueryService) RangeQuery(ctx context.Context, fieldName string, min, max *float64) ([]records.Summary, error) {
	field, ok := records.LookupField(fieldName)
	if !ok || field.Kind != records.Numeric {
		return nil, apperr.InvalidField(fieldName)
	}
	if min == nil || max == nil {
		return nil, apperr.InvalidParameter("Missing 'min_value' or 'max_value'")
	}
	lo, hi := *min, *max
	if math.IsNaN(lo) || math.IsNaN(hi) {
		return nil, apperr.InvalidParameter("range bounds must be numbers")
	}

	rows, err := s.records.Scan(ctx, func(r *records.Record) bool {
		v := field.Number(r)
		return v >= lo && v <= hi
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to scan records")
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("No records found in the specified range")
	}
	return summarize(rows), nil
}

// Knn returns the k records closest to (lat, lon), nearest first. Equal
// distances keep store order.
func (s *QueryService) Knn(ctx context.Context, lat, lon *float64, k *int) ([]records.Neighbor, error) {
	if lat == nil || lon == nil || k == nil {
		return nil, apperr.InvalidParameter("Missing 'latitude', 'longitude', or 'k'")
	}
	if *k <= 0 {
		return nil, apperr.InvalidParameter("'k' must be a positive integer")
	}
	if math.IsNaN(*lat) || math.IsNaN(*lon) || math.IsInf(*lat, 0) || math.IsInf(*lon, 0) {
		return nil, apperr.InvalidParameter("coordinates must be finite")
	}

	rows, err := s.records.Scan(ctx, records.All)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "failed to scan records")
	}

	neighbors := make([]records.Neighbor, len(rows))
	for i := range rows {
		dLat := rows[i].Latitude - *lat
		dLon := rows[i].Longitude - *lon
		neighbors[i] = records.Neighbor{
			Summary:  rows[i].Summary(),
			Distance: math.Sqrt(dLat*dLat + dLon*dLon),
		}
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})

	if *k < len(neighbors) {
		neighbors = neighbors[:*k]
	}
	return neighbors, nil
}

func summarize(rows []records.Record) []records.Summary {
	out := make([]records.Summary, len(rows))
	for i := range rows {
		out[i] = rows[i].Summary()
	}
	return out
}

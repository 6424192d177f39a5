// Package bloom holds the membership filter consulted before exact-match
// queries. It may answer "maybe present" for absent values but never answers
// "absent" for a value that was added.
package bloom

import (
	"fmt"
	"strings"
	"sync"

	bloomfilter "github.com/bits-and-blooms/bloom/v3"
)

// Config sizes the filter. Capacity and FalsePositiveRate are used unless
// Bits and Hashes are both set.
type Config struct {
	Capacity          uint
	FalsePositiveRate float64
	Bits              uint
	Hashes            uint
	Modulus           uint64
	Fields            []string
}

type Filter struct {
	mu      sync.RWMutex
	bits    *bloomfilter.BloomFilter
	encoder Encoder
	fields  map[string]struct{}
	added   uint64
}

func New(cfg Config) (*Filter, error) {
	var bits *bloomfilter.BloomFilter
	switch {
	case cfg.Bits > 0 && cfg.Hashes > 0:
		bits = bloomfilter.New(cfg.Bits, cfg.Hashes)
	case cfg.Capacity > 0 && cfg.FalsePositiveRate > 0 && cfg.FalsePositiveRate < 1:
		bits = bloomfilter.NewWithEstimates(cfg.Capacity, cfg.FalsePositiveRate)
	default:
		return nil, fmt.Errorf("bloom: need capacity and false positive rate in (0,1), or bits and hashes")
	}

	fields := make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[normalizeField(f)] = struct{}{}
	}

	return &Filter{
		bits:    bits,
		encoder: Encoder{Modulus: cfg.Modulus},
		fields:  fields,
	}, nil
}

// Tracks reports whether field is loaded into the filter. Lookups on
// untracked fields carry no information.
func (f *Filter) Tracks(field string) bool {
	_, ok := f.fields[normalizeField(field)]
	return ok
}

// Add inserts (field, value). Untracked fields are ignored.
func (f *Filter) Add(field string, value interface{}) error {
	if !f.Tracks(field) {
		return nil
	}
	key, err := f.key(field, value)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.bits.Add(key)
	f.added++
	f.mu.Unlock()
	return nil
}

// Lookup returns false only when (field, value) was definitely never added.
func (f *Filter) Lookup(field string, value interface{}) bool {
	key, err := f.key(field, value)
	if err != nil {
		return false
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bits.Test(key)
}

// Reset clears every bit, used before a rebuild.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.bits.ClearAll()
	f.added = 0
	f.mu.Unlock()
}

// Stats describes the filter for health and metrics endpoints.
type Stats struct {
	Bits           uint   `json:"bits"`
	Hashes         uint   `json:"hashes"`
	Entries        uint64 `json:"entries"`
	ApproxDistinct uint32 `json:"approx_distinct"`
}

func (f *Filter) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		Bits:           f.bits.Cap(),
		Hashes:         f.bits.K(),
		Entries:        f.added,
		ApproxDistinct: f.bits.ApproximatedSize(),
	}
}

func (f *Filter) key(field string, value interface{}) ([]byte, error) {
	encoded, err := f.encoder.Encode(value)
	if err != nil {
		return nil, err
	}
	return []byte(normalizeField(field) + "\x00" + encoded), nil
}

func normalizeField(field string) string {
	return strings.ToLower(strings.TrimSpace(field))
}

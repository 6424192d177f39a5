package bloom

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DefaultModulus bounds the integer range text values are folded into.
const DefaultModulus uint64 = 1<<31 - 1

// Encoder turns field values into the deterministic keys the filter stores.
// Numbers keep their canonical decimal form; text is normalized, hashed and
// folded into [0, Modulus).
type Encoder struct {
	Modulus uint64
}

func (e Encoder) modulus() uint64 {
	if e.Modulus == 0 {
		return DefaultModulus
	}
	return e.Modulus
}

// Encode returns the canonical key for value. Equal values of different Go
// numeric types (42, int64(42), 42.0) share a key.
func (e Encoder) Encode(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return "t:" + strconv.FormatUint(e.hashText(v), 10), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return "t:" + strconv.FormatUint(e.hashText(v.String()), 10), nil
		}
		return encodeFloat(f)
	case int:
		return "n:" + strconv.FormatInt(int64(v), 10), nil
	case int32:
		return "n:" + strconv.FormatInt(int64(v), 10), nil
	case int64:
		return "n:" + strconv.FormatInt(v, 10), nil
	case uint:
		return "n:" + strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return "n:" + strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return "n:" + strconv.FormatUint(v, 10), nil
	case float32:
		return encodeFloat(float64(v))
	case float64:
		return encodeFloat(v)
	case bool:
		return "b:" + strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

func encodeFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite value %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return "n:" + strconv.FormatInt(int64(f), 10), nil
	}
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64), nil
}

func (e Encoder) hashText(s string) uint64 {
	sum := blake2b.Sum256([]byte(normalizeText(s)))
	return binary.BigEndian.Uint64(sum[:8]) % e.modulus()
}

// normalizeText lowercases and collapses whitespace. Exact matching stays
// case sensitive in the record scan, so normalization can only add false
// positives.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

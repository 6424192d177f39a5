package paillier

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// maxExactFloat is the largest integer a float64 represents exactly.
const maxExactFloat = 1 << 53

// Scaler converts fractional values to the fixed-point integers the
// cryptosystem works on. The factor is system-wide: whoever descales must use
// the same factor that was used to scale.
type Scaler struct {
	factor int64
}

func NewScaler(factor int64) (Scaler, error) {
	if factor < 1 {
		return Scaler{}, fmt.Errorf("scaling factor must be at least 1, got %d", factor)
	}
	return Scaler{factor: factor}, nil
}

func (s Scaler) Factor() int64 {
	return s.factor
}

// Scale multiplies v by the factor and rounds half away from zero.
func (s Scaler) Scale(v float64) (*big.Int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, errors.New("cannot scale a non-finite value")
	}
	scaled := math.Round(v * float64(s.factor))
	if math.Abs(scaled) > maxExactFloat {
		return nil, fmt.Errorf("value %v exceeds the exact fixed-point range", v)
	}
	return big.NewInt(int64(scaled)), nil
}

// Descale divides a decrypted integer by the factor.
func (s Scaler) Descale(m *big.Int) float64 {
	f, _ := new(big.Rat).SetFrac(m, big.NewInt(s.factor)).Float64()
	return f
}

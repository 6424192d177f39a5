package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/PlainFunction/vaultquery/internal/common/records"
)

// Policy holds the tunables that shape query and aggregation behaviour.
// It is loaded from YAML; keys missing from the file keep their defaults.
type Policy struct {
	Membership  MembershipPolicy  `yaml:"membership"`
	Aggregation AggregationPolicy `yaml:"aggregation"`
	Tokens      TokenPolicy       `yaml:"tokens"`
}

type MembershipPolicy struct {
	Fields            []string `yaml:"fields"`
	Capacity          uint     `yaml:"capacity"`
	FalsePositiveRate float64  `yaml:"false_positive_rate"`
	// Modulus bounds the integer range text values are hashed into.
	Modulus uint64 `yaml:"modulus"`
}

type AggregationPolicy struct {
	ScalingFactor int64 `yaml:"scaling_factor"`
}

type TokenPolicy struct {
	RevokeOnReissue bool `yaml:"revoke_on_reissue"`
}

func DefaultPolicy() Policy {
	return Policy{
		Membership: MembershipPolicy{
			Fields:            []string{"name", "age", "hospital", "medical_condition", "insurance_provider"},
			Capacity:          100000,
			FalsePositiveRate: 0.01,
			Modulus:           1<<31 - 1,
		},
		Aggregation: AggregationPolicy{ScalingFactor: 100},
		Tokens:      TokenPolicy{RevokeOnReissue: true},
	}
}

// LoadPolicy reads the policy file at path. An empty path yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return policy, nil
}

func (p Policy) Validate() error {
	if len(p.Membership.Fields) == 0 {
		return errors.New("membership.fields must list at least one field")
	}
	for _, f := range p.Membership.Fields {
		if _, ok := records.LookupField(f); !ok {
			return fmt.Errorf("membership.fields: unknown field %q", f)
		}
	}
	if p.Membership.Capacity == 0 {
		return errors.New("membership.capacity must be positive")
	}
	if p.Membership.FalsePositiveRate <= 0 || p.Membership.FalsePositiveRate >= 1 {
		return errors.New("membership.false_positive_rate must be in (0, 1)")
	}
	if p.Membership.Modulus < 2 {
		return errors.New("membership.modulus must be at least 2")
	}
	if p.Aggregation.ScalingFactor < 1 {
		return errors.New("aggregation.scaling_factor must be at least 1")
	}
	return nil
}

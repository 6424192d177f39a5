// Package records holds the tabular dataset the gateway answers queries over.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

type Record struct {
	ID                int64   `json:"id"`
	Name              string  `json:"name"`
	Age               int     `json:"age"`
	Gender            string  `json:"gender,omitempty"`
	BloodType         string  `json:"blood_type,omitempty"`
	MedicalCondition  string  `json:"medical_condition"`
	Doctor            string  `json:"doctor,omitempty"`
	Hospital          string  `json:"hospital"`
	InsuranceProvider string  `json:"insurance_provider"`
	BillingAmount     float64 `json:"billing_amount"`
	RoomNumber        int     `json:"room_number,omitempty"`
	AdmissionType     string  `json:"admission_type,omitempty"`
	Medication        string  `json:"medication,omitempty"`
	TestResults       string  `json:"test_results,omitempty"`
	Latitude          float64 `json:"latitude"`
	Longitude         float64 `json:"longitude"`
}

// Validate checks the fields a record needs before it is stored.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if r.Age < 0 {
		return fmt.Errorf("age must not be negative, got %d", r.Age)
	}
	if math.IsNaN(r.BillingAmount) || math.IsInf(r.BillingAmount, 0) {
		return errors.New("billing_amount must be finite")
	}
	if math.IsNaN(r.Latitude) || r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("latitude out of range: %v", r.Latitude)
	}
	if math.IsNaN(r.Longitude) || r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("longitude out of range: %v", r.Longitude)
	}
	return nil
}

// Summary is the fixed projection returned by every query.
type Summary struct {
	Name              string `json:"name"`
	Hospital          string `json:"hospital"`
	MedicalCondition  string `json:"medical_condition"`
	InsuranceProvider string `json:"insurance_provider"`
}

// Neighbor is a Summary annotated with its distance from a query point.
type Neighbor struct {
	Summary
	Distance float64 `json:"distance"`
}

func (r *Record) Summary() Summary {
	return Summary{
		Name:              r.Name,
		Hospital:          r.Hospital,
		MedicalCondition:  r.MedicalCondition,
		InsuranceProvider: r.InsuranceProvider,
	}
}

type FieldKind int

const (
	Text FieldKind = iota
	Numeric
)

func (k FieldKind) String() string {
	if k == Numeric {
		return "numeric"
	}
	return "text"
}

// Field describes one queryable attribute of a Record.
type Field struct {
	Name   string
	Kind   FieldKind
	text   func(*Record) string
	number func(*Record) float64
}

var fieldTable = []Field{
	{Name: "name", Kind: Text, text: func(r *Record) string { return r.Name }},
	{Name: "age", Kind: Numeric, number: func(r *Record) float64 { return float64(r.Age) }},
	{Name: "gender", Kind: Text, text: func(r *Record) string { return r.Gender }},
	{Name: "blood_type", Kind: Text, text: func(r *Record) string { return r.BloodType }},
	{Name: "medical_condition", Kind: Text, text: func(r *Record) string { return r.MedicalCondition }},
	{Name: "doctor", Kind: Text, text: func(r *Record) string { return r.Doctor }},
	{Name: "hospital", Kind: Text, text: func(r *Record) string { return r.Hospital }},
	{Name: "insurance_provider", Kind: Text, text: func(r *Record) string { return r.InsuranceProvider }},
	{Name: "billing_amount", Kind: Numeric, number: func(r *Record) float64 { return r.BillingAmount }},
	{Name: "room_number", Kind: Numeric, number: func(r *Record) float64 { return float64(r.RoomNumber) }},
	{Name: "admission_type", Kind: Text, text: func(r *Record) string { return r.AdmissionType }},
	{Name: "medication", Kind: Text, text: func(r *Record) string { return r.Medication }},
	{Name: "test_results", Kind: Text, text: func(r *Record) string { return r.TestResults }},
	{Name: "latitude", Kind: Numeric, number: func(r *Record) float64 { return r.Latitude }},
	{Name: "longitude", Kind: Numeric, number: func(r *Record) float64 { return r.Longitude }},
}

var fieldsByName = func() map[string]Field {
	m := make(map[string]Field, len(fieldTable))
	for _, f := range fieldTable {
		m[f.Name] = f
	}
	return m
}()

// LookupField finds a field by name, ignoring case and surrounding space.
func LookupField(name string) (Field, bool) {
	f, ok := fieldsByName[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// FieldNames lists every queryable field in sorted order.
func FieldNames() []string {
	names := make([]string, 0, len(fieldTable))
	for _, f := range fieldTable {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// Value returns the field of r as a string or float64.
func (f Field) Value(r *Record) interface{} {
	if f.Kind == Numeric {
		return f.number(r)
	}
	return f.text(r)
}

// Number returns the numeric value of f on r. It panics on text fields.
func (f Field) Number(r *Record) float64 {
	return f.number(r)
}

// Normalize converts a caller-supplied value into the representation Matches
// and the membership filter use: float64 for numeric fields, string for text.
func (f Field) Normalize(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, errors.New("value is required")
	}
	if f.Kind == Text {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("field %s expects a string value", f.Name)
		}
		return s, nil
	}
	n, err := ToFloat(value)
	if err != nil {
		return nil, fmt.Errorf("field %s expects a numeric value: %w", f.Name, err)
	}
	return n, nil
}

// Matches reports whether r's field equals a value produced by Normalize.
func (f Field) Matches(r *Record, normalized interface{}) bool {
	switch v := normalized.(type) {
	case string:
		return f.Kind == Text && f.text(r) == v
	case float64:
		return f.Kind == Numeric && f.number(r) == v
	default:
		return false
	}
}

// ToFloat converts JSON-decoded and native numeric values to float64.
func ToFloat(value interface{}) (float64, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, err
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("value must be finite")
	}
	return f, nil
}

// Predicate selects records during a scan.
type Predicate func(*Record) bool

// All selects every record.
func All(*Record) bool { return true }

// Store is the tabular store behind the query engine.
type Store interface {
	// Scan returns the records matching pred in insertion order.
	Scan(ctx context.Context, pred Predicate) ([]Record, error)
	// Insert stores rec and returns it with its assigned ID.
	Insert(ctx context.Context, rec Record) (Record, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

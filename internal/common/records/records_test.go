package records

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() []Record {
	return []Record{
		{Name: "Alice", Age: 34, Hospital: "General", MedicalCondition: "Asthma", InsuranceProvider: "Aetna", BillingAmount: 12.5, Latitude: 1, Longitude: 1},
		{Name: "Bob", Age: 51, Hospital: "Mercy", MedicalCondition: "Diabetes", InsuranceProvider: "Cigna", BillingAmount: 7.25, Latitude: 2, Longitude: 2},
		{Name: "Carol", Age: 38, Hospital: "General", MedicalCondition: "Obesity", InsuranceProvider: "Medicare", BillingAmount: 100, Latitude: 3, Longitude: 3},
	}
}

func TestLookupField(t *testing.T) {
	f, ok := LookupField(" Age ")
	require.True(t, ok)
	assert.Equal(t, "age", f.Name)
	assert.Equal(t, Numeric, f.Kind)

	f, ok = LookupField("hospital")
	require.True(t, ok)
	assert.Equal(t, Text, f.Kind)

	_, ok = LookupField("ssn")
	assert.False(t, ok)

	assert.Contains(t, FieldNames(), "billing_amount")
}

func TestNormalizeAndMatch(t *testing.T) {
	rec := sample()[0]
	age, _ := LookupField("age")
	name, _ := LookupField("name")

	for _, v := range []interface{}{34, 34.0, int64(34), json.Number("34"), "34"} {
		n, err := age.Normalize(v)
		require.NoError(t, err)
		assert.True(t, age.Matches(&rec, n), "%v", v)
	}

	_, err := age.Normalize("thirty")
	assert.Error(t, err)
	_, err = name.Normalize(42)
	assert.Error(t, err)
	_, err = name.Normalize(nil)
	assert.Error(t, err)

	n, err := name.Normalize("alice")
	require.NoError(t, err)
	assert.False(t, name.Matches(&rec, n))
	assert.False(t, name.Matches(&rec, 34.0))
}

func TestValidate(t *testing.T) {
	ok := sample()[0]
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Name = " "
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Latitude = 91
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Age = -1
	assert.Error(t, bad.Validate())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(sample()...)

	all, err := s.Scan(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].ID)
	assert.Equal(t, "Carol", all[2].Name)

	general, err := s.Scan(ctx, func(r *Record) bool { return r.Hospital == "General" })
	require.NoError(t, err)
	require.Len(t, general, 2)
	assert.Equal(t, "Alice", general[0].Name)

	inserted, err := s.Insert(ctx, Record{Name: "Dan", Age: 40, Latitude: 4, Longitude: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(4), inserted.ID)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = s.Insert(ctx, Record{})
	assert.Error(t, err)
}

func TestMemoryStoreScanHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore(sample()...).Scan(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

var columns = []string{
	"id", "name", "age", "gender", "blood_type", "medical_condition", "doctor", "hospital",
	"insurance_provider", "billing_amount", "room_number", "admission_type", "medication",
	"test_results", "latitude", "longitude",
}

func TestPostgresStoreScan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows(columns).
		AddRow(1, "Alice", 34, "Female", nil, "Asthma", nil, "General", "Aetna", 12.5, nil, nil, nil, nil, 1.0, 1.0).
		AddRow(2, "Bob", 51, "Male", "O+", "Diabetes", "Dr. Who", "Mercy", "Cigna", 7.25, 301, "Urgent", "Aspirin", "Normal", 2.0, 2.0)
	mock.ExpectQuery("SELECT (.+) FROM records ORDER BY id").WillReturnRows(rows)

	s := NewPostgresStore(db)
	out, err := s.Scan(context.Background(), func(r *Record) bool { return r.Age > 40 })
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Bob", out[0].Name)
	assert.Equal(t, 301, out[0].RoomNumber)
	assert.Equal(t, "O+", out[0].BloodType)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := sample()[1]
	mock.ExpectQuery("INSERT INTO records").
		WithArgs(rec.Name, rec.Age, rec.Gender, rec.BloodType, rec.MedicalCondition, rec.Doctor,
			rec.Hospital, rec.InsuranceProvider, rec.BillingAmount, rec.RoomNumber, rec.AdmissionType,
			rec.Medication, rec.TestResults, rec.Latitude, rec.Longitude).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(17))

	s := NewPostgresStore(db)
	out, err := s.Insert(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(17), out.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := NewPostgresStore(db).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

package records

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const recordColumns = `id, name, age, gender, blood_type, medical_condition, doctor, hospital,
	insurance_provider, billing_amount, room_number, admission_type, medication,
	test_results, latitude, longitude`

// PostgresStore reads and writes the records table. Predicates are evaluated
// in Go over rows streamed in id order.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects with the pool settings the services share.
func OpenPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to records database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping records database: %w", err)
	}

	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the pool for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Scan(ctx context.Context, pred Predicate) ([]Record, error) {
	if pred == nil {
		pred = All
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM records ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var gender, bloodType, doctor, admissionType, medication, testResults sql.NullString
		var roomNumber sql.NullInt64

		err := rows.Scan(
			&rec.ID, &rec.Name, &rec.Age, &gender, &bloodType, &rec.MedicalCondition,
			&doctor, &rec.Hospital, &rec.InsuranceProvider, &rec.BillingAmount,
			&roomNumber, &admissionType, &medication, &testResults,
			&rec.Latitude, &rec.Longitude,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec.Gender = gender.String
		rec.BloodType = bloodType.String
		rec.Doctor = doctor.String
		rec.RoomNumber = int(roomNumber.Int64)
		rec.AdmissionType = admissionType.String
		rec.Medication = medication.String
		rec.TestResults = testResults.String

		if pred(&rec) {
			out = append(out, rec)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}

	query := `
		INSERT INTO records (name, age, gender, blood_type, medical_condition, doctor, hospital,
			insurance_provider, billing_amount, room_number, admission_type, medication,
			test_results, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		rec.Name,
		rec.Age,
		rec.Gender,
		rec.BloodType,
		rec.MedicalCondition,
		rec.Doctor,
		rec.Hospital,
		rec.InsuranceProvider,
		rec.BillingAmount,
		rec.RoomNumber,
		rec.AdmissionType,
		rec.Medication,
		rec.TestResults,
		rec.Latitude,
		rec.Longitude,
	).Scan(&rec.ID)
	if err != nil {
		return Record{}, fmt.Errorf("failed to insert record: %w", err)
	}

	return rec, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

package scheduling

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/medrex/appointment-service/pkg/database"
	"github.com/medrex/appointment-service/pkg/interfaces"
	"github.com/medrex/appointment-service/pkg/logger"
	"github.com/medrex/appointment-service/pkg/monitoring"
	"github.com/medrex/appointment-service/pkg/types"
)

// pgUniqueViolation is the SQLSTATE raised for duplicate keys
const pgUniqueViolation = "23505"

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository is the PostgreSQL AppointmentStore
type Repository struct {
	db      *database.DB
	q       querier
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	tracer  trace.Tracer

	// inTx is set on the copy handed out by WithDoctorDayLock
	inTx bool
}

// NewRepository creates a new appointment repository
func NewRepository(db *database.DB, log *logger.Logger, metrics *monitoring.MetricsCollector) *Repository {
	return &Repository{
		db:      db,
		q:       db.DB,
		logger:  log,
		metrics: metrics,
		tracer:  otel.Tracer("appointment-repository"),
	}
}

const appointmentColumns = `id, appointment_id, patient_id, doctor_id, patient_name, patient_email,
	phone_number, age, doctor_name, department, appointment_datetime, duration, reason, symptoms,
	additional_notes, status, cancellation_reason, revisit_reason, previous_appointment_id,
	created_at, updated_at, version`

const selectAppointments = `SELECT ` + appointmentColumns + ` FROM appointments`

const orderByStart = ` ORDER BY appointment_datetime ASC, appointment_id ASC`

// Create implements interfaces.AppointmentStore
func (r *Repository) Create(ctx context.Context, apt *types.Appointment) error {
	query := `
		INSERT INTO appointments (` + appointmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	if apt.Version == 0 {
		apt.Version = 1
	}

	return r.observe(ctx, "insert", func(ctx context.Context) error {
		// a failed statement aborts the surrounding transaction, so inserts in a
		// transaction run under a savepoint and a duplicate id can be retried
		if r.inTx {
			if _, err := r.q.ExecContext(ctx, `SAVEPOINT create_appointment`); err != nil {
				return fmt.Errorf("failed to create savepoint: %w", err)
			}
		}

		_, err := r.q.ExecContext(ctx, query,
			apt.ID,
			apt.AppointmentID,
			apt.PatientID,
			apt.DoctorID,
			apt.PatientName,
			apt.PatientEmail,
			apt.PhoneNumber,
			apt.Age,
			apt.DoctorName,
			apt.Department,
			apt.AppointmentDateTime,
			apt.Duration,
			apt.Reason,
			apt.Symptoms,
			apt.AdditionalNotes,
			string(apt.Status),
			apt.CancellationReason,
			apt.RevisitReason,
			apt.PreviousAppointmentID,
			apt.CreatedAt,
			apt.UpdatedAt,
			apt.Version,
		)
		if err != nil {
			if r.inTx {
				if _, rbErr := r.q.ExecContext(ctx, `ROLLBACK TO SAVEPOINT create_appointment`); rbErr != nil {
					return fmt.Errorf("failed to roll back to savepoint: %w", errors.Join(err, rbErr))
				}
			}
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
				return duplicateAppointmentID(apt.AppointmentID, err)
			}
			return fmt.Errorf("failed to create appointment: %w", err)
		}

		if r.inTx {
			if _, err := r.q.ExecContext(ctx, `RELEASE SAVEPOINT create_appointment`); err != nil {
				return fmt.Errorf("failed to release savepoint: %w", err)
			}
		}
		return nil
	})
}

// Update implements interfaces.AppointmentStore. Every mutable column is written,
// and only if the stored version still matches apt.Version.
func (r *Repository) Update(ctx context.Context, apt *types.Appointment) error {
	query := `
		UPDATE appointments SET
			patient_id = $2, doctor_id = $3, patient_name = $4, patient_email = $5,
			phone_number = $6, age = $7, doctor_name = $8, department = $9,
			appointment_datetime = $10, duration = $11, reason = $12, symptoms = $13,
			additional_notes = $14, status = $15, cancellation_reason = $16,
			revisit_reason = $17, previous_appointment_id = $18, updated_at = $19,
			version = version + 1
		WHERE appointment_id = $1 AND version = $20`

	return r.observe(ctx, "update", func(ctx context.Context) error {
		result, err := r.q.ExecContext(ctx, query,
			apt.AppointmentID,
			apt.PatientID,
			apt.DoctorID,
			apt.PatientName,
			apt.PatientEmail,
			apt.PhoneNumber,
			apt.Age,
			apt.DoctorName,
			apt.Department,
			apt.AppointmentDateTime,
			apt.Duration,
			apt.Reason,
			apt.Symptoms,
			apt.AdditionalNotes,
			string(apt.Status),
			apt.CancellationReason,
			apt.RevisitReason,
			apt.PreviousAppointmentID,
			apt.UpdatedAt,
			apt.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update appointment: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return r.staleOrMissing(ctx, apt)
		}
		apt.Version++
		return nil
	})
}

// staleOrMissing tells a vanished row from one written since apt was read
func (r *Repository) staleOrMissing(ctx context.Context, apt *types.Appointment) error {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM appointments WHERE appointment_id = $1)`, apt.AppointmentID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check appointment id: %w", err)
	}
	if !exists {
		return types.AppointmentNotFound(apt.AppointmentID)
	}
	return types.ConcurrentModification(apt.AppointmentID, apt.Version)
}

// FindByAppointmentID implements interfaces.AppointmentStore
func (r *Repository) FindByAppointmentID(ctx context.Context, appointmentID string) (*types.Appointment, error) {
	var apt *types.Appointment
	err := r.observe(ctx, "select", func(ctx context.Context) error {
		row := r.q.QueryRowContext(ctx, selectAppointments+` WHERE appointment_id = $1`, appointmentID)
		found, err := scanAppointment(row)
		if errors.Is(err, sql.ErrNoRows) {
			return types.AppointmentNotFound(appointmentID)
		}
		if err != nil {
			return fmt.Errorf("failed to get appointment: %w", err)
		}
		apt = found
		return nil
	})
	return apt, err
}

// ExistsByAppointmentID implements interfaces.AppointmentStore
func (r *Repository) ExistsByAppointmentID(ctx context.Context, appointmentID string) (bool, error) {
	var exists bool
	err := r.observe(ctx, "select", func(ctx context.Context) error {
		err := r.q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM appointments WHERE appointment_id = $1)`, appointmentID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check appointment id: %w", err)
		}
		return nil
	})
	return exists, err
}

// DeleteByAppointmentID implements interfaces.AppointmentStore
func (r *Repository) DeleteByAppointmentID(ctx context.Context, appointmentID string) error {
	return r.observe(ctx, "delete", func(ctx context.Context) error {
		result, err := r.q.ExecContext(ctx, `DELETE FROM appointments WHERE appointment_id = $1`, appointmentID)
		if err != nil {
			return fmt.Errorf("failed to delete appointment: %w", err)
		}
		return expectOneRow(result, appointmentID)
	})
}

// FindAll implements interfaces.AppointmentStore
func (r *Repository) FindAll(ctx context.Context) ([]*types.Appointment, error) {
	return r.list(ctx, selectAppointments+orderByStart)
}

// FindByPatientID implements interfaces.AppointmentStore
func (r *Repository) FindByPatientID(ctx context.Context, patientID string) ([]*types.Appointment, error) {
	return r.list(ctx, selectAppointments+` WHERE patient_id = $1`+orderByStart, patientID)
}

// FindByDoctorID implements interfaces.AppointmentStore
func (r *Repository) FindByDoctorID(ctx context.Context, doctorID string) ([]*types.Appointment, error) {
	return r.list(ctx, selectAppointments+` WHERE doctor_id = $1`+orderByStart, doctorID)
}

// FindByDoctorIDAndDateRange implements interfaces.AppointmentStore
func (r *Repository) FindByDoctorIDAndDateRange(ctx context.Context, doctorID string, from, to time.Time) ([]*types.Appointment, error) {
	return r.list(ctx, selectAppointments+
		` WHERE doctor_id = $1 AND appointment_datetime >= $2 AND appointment_datetime < $3`+orderByStart,
		doctorID, from, to)
}

// FindByStatus implements interfaces.AppointmentStore
func (r *Repository) FindByStatus(ctx context.Context, status types.AppointmentStatus) ([]*types.Appointment, error) {
	return r.list(ctx, selectAppointments+` WHERE status = $1`+orderByStart, string(status))
}

// FindByPatientIDAndStatus implements interfaces.AppointmentStore
func (r *Repository) FindByPatientIDAndStatus(ctx context.Context, patientID string, statuses ...types.AppointmentStatus) ([]*types.Appointment, error) {
	if len(statuses) == 0 {
		return r.FindByPatientID(ctx, patientID)
	}
	return r.list(ctx, selectAppointments+` WHERE patient_id = $1 AND status = ANY($2)`+orderByStart,
		patientID, statusArray(statuses))
}

// FindByDoctorIDAndStatus implements interfaces.AppointmentStore
func (r *Repository) FindByDoctorIDAndStatus(ctx context.Context, doctorID string, statuses ...types.AppointmentStatus) ([]*types.Appointment, error) {
	if len(statuses) == 0 {
		return r.FindByDoctorID(ctx, doctorID)
	}
	return r.list(ctx, selectAppointments+` WHERE doctor_id = $1 AND status = ANY($2)`+orderByStart,
		doctorID, statusArray(statuses))
}

// FindByDateRange implements interfaces.AppointmentStore
func (r *Repository) FindByDateRange(ctx context.Context, from, to time.Time) ([]*types.Appointment, error) {
	return r.list(ctx, selectAppointments+
		` WHERE appointment_datetime >= $1 AND appointment_datetime < $2`+orderByStart, from, to)
}

// Count implements interfaces.AppointmentStore
func (r *Repository) Count(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM appointments`)
}

// CountByStatus implements interfaces.AppointmentStore
func (r *Repository) CountByStatus(ctx context.Context, status types.AppointmentStatus) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM appointments WHERE status = $1`, string(status))
}

// WithDoctorDayLock runs fn inside a transaction holding a transaction-scoped
// advisory lock on the (doctor, day) key
func (r *Repository) WithDoctorDayLock(ctx context.Context, doctorID string, day time.Time, fn func(ctx context.Context, store interfaces.AppointmentStore) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	key := doctorDayKey(doctorID, day)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.WithContext(ctx).WithError(rbErr).Error("Failed to roll back doctor day transaction")
		}
		return fmt.Errorf("failed to lock doctor day %s: %w", key, err)
	}

	txRepo := &Repository{
		db:      r.db,
		q:       tx,
		logger:  r.logger,
		metrics: r.metrics,
		tracer:  r.tracer,
		inTx:    true,
	}

	if err := fn(ctx, txRepo); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.WithContext(ctx).WithError(rbErr).Error("Failed to roll back doctor day transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]*types.Appointment, error) {
	var appointments []*types.Appointment
	err := r.observe(ctx, "select", func(ctx context.Context) error {
		rows, err := r.q.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query appointments: %w", err)
		}
		defer rows.Close()

		appointments = []*types.Appointment{}
		for rows.Next() {
			apt, err := scanAppointment(rows)
			if err != nil {
				return fmt.Errorf("failed to scan appointment: %w", err)
			}
			appointments = append(appointments, apt)
		}
		return rows.Err()
	})
	return appointments, err
}

func (r *Repository) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	err := r.observe(ctx, "count", func(ctx context.Context) error {
		if err := r.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return fmt.Errorf("failed to count appointments: %w", err)
		}
		return nil
	})
	return n, err
}

// observe wraps one statement with a span, a latency metric and a log line
func (r *Repository) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "db."+operation, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", "appointments"),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	r.metrics.RecordDBQuery(operation, duration)

	// not-found and duplicate answers are normal outcomes, not database failures
	var logged error
	if err != nil && types.ErrorTypeOf(err) == types.ErrorTypeInternal {
		logged = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordSystemError("database_error", "repository")
	}
	r.logger.DatabaseOperation(ctx, operation, "appointments", duration.Milliseconds(), 0, logged)

	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAppointment(row rowScanner) (*types.Appointment, error) {
	apt := &types.Appointment{}
	var status string
	err := row.Scan(
		&apt.ID,
		&apt.AppointmentID,
		&apt.PatientID,
		&apt.DoctorID,
		&apt.PatientName,
		&apt.PatientEmail,
		&apt.PhoneNumber,
		&apt.Age,
		&apt.DoctorName,
		&apt.Department,
		&apt.AppointmentDateTime,
		&apt.Duration,
		&apt.Reason,
		&apt.Symptoms,
		&apt.AdditionalNotes,
		&status,
		&apt.CancellationReason,
		&apt.RevisitReason,
		&apt.PreviousAppointmentID,
		&apt.CreatedAt,
		&apt.UpdatedAt,
		&apt.Version,
	)
	if err != nil {
		return nil, err
	}
	apt.Status = types.AppointmentStatus(status)
	return apt, nil
}

func expectOneRow(result sql.Result, appointmentID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return types.AppointmentNotFound(appointmentID)
	}
	return nil
}

func statusArray(statuses []types.AppointmentStatus) interface{} {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return pq.Array(values)
}

package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the appointments schema. It is safe to run repeatedly.
func (db *DB) CreateSchema(ctx context.Context) error {
	log := db.logger.WithComponent("database")
	log.Info("Creating database schema...")

	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS "pgcrypto";`,
		createAppointmentsTable,
		createAppointmentsIndexes,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	log.Info("Database schema created successfully")
	return nil
}

// DropSchema removes the appointments table
func (db *DB) DropSchema(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS appointments;`)
	return err
}

const createAppointmentsTable = `
	CREATE TABLE IF NOT EXISTS appointments (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		appointment_id VARCHAR(32) NOT NULL,
		patient_id VARCHAR(64) NOT NULL,
		doctor_id VARCHAR(64) NOT NULL,
		patient_name VARCHAR(255) NOT NULL DEFAULT '',
		patient_email VARCHAR(255) NOT NULL DEFAULT '',
		phone_number VARCHAR(50) NOT NULL DEFAULT '',
		age INTEGER NOT NULL DEFAULT 0,
		doctor_name VARCHAR(255) NOT NULL DEFAULT '',
		department VARCHAR(255) NOT NULL DEFAULT '',
		appointment_datetime TIMESTAMPTZ NOT NULL,
		duration INTEGER NOT NULL CHECK (duration > 0),
		reason TEXT NOT NULL DEFAULT '',
		symptoms TEXT NOT NULL DEFAULT '',
		additional_notes TEXT NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL CHECK (status IN ('PENDING', 'CONFIRMED', 'RESCHEDULED', 'REVISIT', 'COMPLETED', 'CANCELLED')),
		cancellation_reason TEXT NOT NULL DEFAULT '',
		revisit_reason TEXT NOT NULL DEFAULT '',
		previous_appointment_id VARCHAR(32) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		version BIGINT NOT NULL DEFAULT 1,
		CONSTRAINT appointments_appointment_id_key UNIQUE (appointment_id)
	);`

const createAppointmentsIndexes = `
	CREATE INDEX IF NOT EXISTS idx_appointments_doctor_datetime ON appointments(doctor_id, appointment_datetime);
	CREATE INDEX IF NOT EXISTS idx_appointments_patient_id ON appointments(patient_id);
	CREATE INDEX IF NOT EXISTS idx_appointments_status ON appointments(status);
	CREATE INDEX IF NOT EXISTS idx_appointments_datetime ON appointments(appointment_datetime);`

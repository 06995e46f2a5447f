package interfaces

import (
	"context"
	"time"

	"github.com/medrex/appointment-service/pkg/types"
)

// AppointmentService defines the interface for appointment booking and reporting
type AppointmentService interface {
	// Appointment lifecycle
	CreateAppointment(ctx context.Context, req *types.CreateAppointmentRequest) (*types.Appointment, error)
	GetAppointment(ctx context.Context, appointmentID string) (*types.Appointment, error)
	UpdateAppointment(ctx context.Context, appointmentID string, updates *types.AppointmentUpdates) (*types.Appointment, error)
	DeleteAppointment(ctx context.Context, appointmentID string) error
	ConfirmAppointment(ctx context.Context, appointmentID string) (*types.Appointment, error)
	RescheduleAppointment(ctx context.Context, appointmentID string, start time.Time, duration int) (*types.Appointment, error)
	CompleteAppointment(ctx context.Context, appointmentID string) (*types.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID, reason string) (*types.Appointment, error)
	RevisitAppointment(ctx context.Context, appointmentID string, req *types.RevisitRequest) (*types.Appointment, error)

	// Reporting
	ListAppointments(ctx context.Context) ([]*types.Appointment, error)
	GetStats(ctx context.Context) (*types.AppointmentStats, error)
	SearchAppointments(ctx context.Context, status, startDate, endDate string) ([]*types.Appointment, error)
	GetUpcomingForPatient(ctx context.Context, patientID string) ([]*types.Appointment, error)
	GetHistoryForPatient(ctx context.Context, patientID string) ([]*types.Appointment, error)
	GetUpcomingForDoctor(ctx context.Context, doctorID string) ([]*types.Appointment, error)
	GetHistoryForDoctor(ctx context.Context, doctorID string) ([]*types.Appointment, error)
	GetCompletedForDoctor(ctx context.Context, doctorID string) ([]*types.Appointment, error)

	// Availability
	GetAvailableSlots(ctx context.Context, doctorID, date string) ([]*types.TimeSlot, error)
}

// AppointmentStore defines the interface for appointment persistence.
// Range queries are half-open: from inclusive, to exclusive.
type AppointmentStore interface {
	Create(ctx context.Context, apt *types.Appointment) error
	// Update writes apt only if the stored version equals apt.Version and then
	// bumps apt.Version. A mismatch fails with CONCURRENT_MODIFICATION.
	Update(ctx context.Context, apt *types.Appointment) error
	FindByAppointmentID(ctx context.Context, appointmentID string) (*types.Appointment, error)
	ExistsByAppointmentID(ctx context.Context, appointmentID string) (bool, error)
	DeleteByAppointmentID(ctx context.Context, appointmentID string) error

	FindAll(ctx context.Context) ([]*types.Appointment, error)
	FindByPatientID(ctx context.Context, patientID string) ([]*types.Appointment, error)
	FindByDoctorID(ctx context.Context, doctorID string) ([]*types.Appointment, error)
	FindByDoctorIDAndDateRange(ctx context.Context, doctorID string, from, to time.Time) ([]*types.Appointment, error)
	FindByStatus(ctx context.Context, status types.AppointmentStatus) ([]*types.Appointment, error)
	FindByPatientIDAndStatus(ctx context.Context, patientID string, statuses ...types.AppointmentStatus) ([]*types.Appointment, error)
	FindByDoctorIDAndStatus(ctx context.Context, doctorID string, statuses ...types.AppointmentStatus) ([]*types.Appointment, error)
	FindByDateRange(ctx context.Context, from, to time.Time) ([]*types.Appointment, error)
	Count(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status types.AppointmentStatus) (int64, error)

	// WithDoctorDayLock runs fn while holding an exclusive lock on one doctor's
	// calendar day. fn must use the store it is handed.
	WithDoctorDayLock(ctx context.Context, doctorID string, day time.Time, fn func(ctx context.Context, store AppointmentStore) error) error
}

// PatientValidator resolves a patient id to a snapshot or fails with PATIENT_NOT_FOUND
type PatientValidator interface {
	ValidatePatient(ctx context.Context, patientID string) (*types.PatientSnapshot, error)
}

// DoctorValidator resolves a doctor id to a snapshot or fails with DOCTOR_NOT_FOUND
type DoctorValidator interface {
	FetchDoctor(ctx context.Context, doctorID string) (*types.DoctorSnapshot, error)
}

// Notifier accepts patient notifications. Delivery is best effort and never
// reported back to the caller.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification)
}

// EmailSender delivers a single plain-text email
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

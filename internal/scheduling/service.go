package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/appointment-service/pkg/interfaces"
	"github.com/medrex/appointment-service/pkg/logger"
	"github.com/medrex/appointment-service/pkg/monitoring"
	"github.com/medrex/appointment-service/pkg/types"
)

// maxInsertAttempts bounds id regeneration after a duplicate-key insert
const maxInsertAttempts = 3

// Service implements interfaces.AppointmentService
type Service struct {
	store    interfaces.AppointmentStore
	patients interfaces.PatientValidator
	doctors  interfaces.DoctorValidator
	notifier interfaces.Notifier
	policy   *SchedulingPolicy
	idGen    *IDGenerator
	logger   *logger.Logger
	metrics  *monitoring.MetricsCollector
	now      func() time.Time
}

// ServiceOption customizes a Service
type ServiceOption func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches a metrics collector
func WithMetrics(metrics *monitoring.MetricsCollector) ServiceOption {
	return func(s *Service) { s.metrics = metrics }
}

// NewService creates the appointment service
func NewService(
	store interfaces.AppointmentStore,
	patients interfaces.PatientValidator,
	doctors interfaces.DoctorValidator,
	notifier interfaces.Notifier,
	policy *SchedulingPolicy,
	idGen *IDGenerator,
	log *logger.Logger,
	opts ...ServiceOption,
) *Service {
	if policy == nil {
		policy = DefaultSchedulingPolicy()
	}
	if idGen == nil {
		idGen = NewIDGenerator("APP-", 4)
	}
	s := &Service{
		store:    store,
		patients: patients,
		doctors:  doctors,
		notifier: notifier,
		policy:   policy,
		idGen:    idGen,
		logger:   log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAppointment books a new PENDING appointment
func (s *Service) CreateAppointment(ctx context.Context, req *types.CreateAppointmentRequest) (apt *types.Appointment, err error) {
	defer func() { s.record(ctx, "create", appointmentIDOf(apt), err) }()

	if req == nil {
		return nil, types.MissingRequiredField("request")
	}
	if strings.TrimSpace(req.PatientID) == "" {
		return nil, types.MissingRequiredField("patient_id")
	}
	if strings.TrimSpace(req.DoctorID) == "" {
		return nil, types.MissingRequiredField("doctor_id")
	}

	duration := req.Duration
	if duration == 0 {
		duration = s.policy.DefaultDuration
	}

	now := s.now()
	if err := s.policy.ValidateWindow(req.AppointmentDateTime, duration, now); err != nil {
		return nil, err
	}

	patient, err := s.patients.ValidatePatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	doctor, err := s.doctors.FetchDoctor(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}

	apt = &types.Appointment{
		ID:                  uuid.New().String(),
		AppointmentDateTime: req.AppointmentDateTime,
		Duration:            duration,
		Reason:              req.Reason,
		Symptoms:            req.Symptoms,
		AdditionalNotes:     req.AdditionalNotes,
		Status:              types.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	apt.ApplyPatient(patient)
	apt.ApplyDoctor(doctor)

	if err := s.book(ctx, apt, doctor.FullName); err != nil {
		return nil, err
	}

	s.notify(ctx, types.NotificationBooked, apt, "")
	return apt, nil
}

// book runs the conflict check and the insert under the doctor-day lock
func (s *Service) book(ctx context.Context, apt *types.Appointment, doctorName string) error {
	return s.store.WithDoctorDayLock(ctx, apt.DoctorID, s.lockDay(apt.AppointmentDateTime),
		func(ctx context.Context, store interfaces.AppointmentStore) error {
			if err := s.checkConflicts(ctx, store, apt, doctorName, ""); err != nil {
				return err
			}
			return s.insertWithFreshID(ctx, store, apt)
		})
}

func (s *Service) insertWithFreshID(ctx context.Context, store interfaces.AppointmentStore, apt *types.Appointment) error {
	var lastErr error
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		id, err := s.idGen.Generate(ctx, store)
		if err != nil {
			return err
		}
		apt.AppointmentID = id

		err = store.Create(ctx, apt)
		if err == nil {
			return nil
		}
		if !types.HasCode(err, types.ErrCodeDuplicateAppointmentID) {
			return err
		}
		lastErr = err
		s.logger.WithContext(ctx).WithField("appointment_id", id).Warn("Appointment id collided on insert, regenerating")
	}
	return types.NewInternalError(types.ErrCodeIDSpaceExhausted,
		fmt.Sprintf("failed to insert appointment after %d id attempts", maxInsertAttempts), lastErr)
}

// checkConflicts loads the doctor's day and fails with SCHEDULING_CONFLICT on overlap
func (s *Service) checkConflicts(ctx context.Context, store interfaces.AppointmentStore, apt *types.Appointment, doctorName, excludeID string) error {
	from, to := s.policy.DayBounds(apt.AppointmentDateTime)
	existing, err := store.FindByDoctorIDAndDateRange(ctx, apt.DoctorID, from, to)
	if err != nil {
		return err
	}

	conflicts := s.policy.FindConflicts(apt.AppointmentDateTime, apt.EndTime(), existing, excludeID)
	if len(conflicts) == 0 {
		return nil
	}

	s.metrics.RecordSchedulingConflict()
	if doctorName == "" {
		doctorName = apt.DoctorName
	}
	return s.policy.ConflictError(doctorName, conflicts)
}

// GetAppointment returns an appointment by its external id
func (s *Service) GetAppointment(ctx context.Context, appointmentID string) (*types.Appointment, error) {
	if strings.TrimSpace(appointmentID) == "" {
		return nil, types.MissingRequiredField("appointment_id")
	}
	return s.store.FindByAppointmentID(ctx, appointmentID)
}

// ConfirmAppointment moves a non-terminal appointment to CONFIRMED
func (s *Service) ConfirmAppointment(ctx context.Context, appointmentID string) (*types.Appointment, error) {
	return s.transition(ctx, "confirm", appointmentID, types.NotificationConfirmed, func(apt *types.Appointment, now time.Time) error {
		return apt.Confirm(now)
	})
}

// CompleteAppointment moves a non-terminal appointment to COMPLETED
func (s *Service) CompleteAppointment(ctx context.Context, appointmentID string) (*types.Appointment, error) {
	return s.transition(ctx, "complete", appointmentID, types.NotificationCompleted, func(apt *types.Appointment, now time.Time) error {
		return apt.Complete(now)
	})
}

// CancelAppointment moves a non-terminal appointment to CANCELLED
func (s *Service) CancelAppointment(ctx context.Context, appointmentID, reason string) (*types.Appointment, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, "cancel", appointmentID, types.NotificationCancelled, func(apt *types.Appointment, now time.Time) error {
		return apt.Cancel(reason, now)
	})
}

func (s *Service) transition(ctx context.Context, operation, appointmentID string, kind types.NotificationKind, apply func(*types.Appointment, time.Time) error) (apt *types.Appointment, err error) {
	defer func() { s.record(ctx, operation, appointmentID, err) }()

	current, err := s.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	apt, err = s.modifyLocked(ctx, current, func(ctx context.Context, store interfaces.AppointmentStore, fresh *types.Appointment) error {
		return apply(fresh, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, kind, apt, apt.CancellationReason)
	return apt, nil
}

// modifyLocked re-reads the appointment under the lock of the doctor day it was
// read on, applies fn and writes the result with the version it re-read.
// Writes that leave the doctor day use the target day's lock instead.
func (s *Service) modifyLocked(ctx context.Context, current *types.Appointment, fn func(ctx context.Context, store interfaces.AppointmentStore, fresh *types.Appointment) error) (apt *types.Appointment, err error) {
	err = s.store.WithDoctorDayLock(ctx, current.DoctorID, s.lockDay(current.AppointmentDateTime),
		func(ctx context.Context, store interfaces.AppointmentStore) error {
			fresh, err := s.reread(ctx, store, current)
			if err != nil {
				return err
			}
			if err := fn(ctx, store, fresh); err != nil {
				return err
			}
			if err := store.Update(ctx, fresh); err != nil {
				return err
			}
			apt = fresh
			return nil
		})
	return apt, err
}

// reread loads the appointment again inside a lock taken from current. A doctor
// change since current was read means the lock no longer covers the row.
func (s *Service) reread(ctx context.Context, store interfaces.AppointmentStore, current *types.Appointment) (*types.Appointment, error) {
	fresh, err := store.FindByAppointmentID(ctx, current.AppointmentID)
	if err != nil {
		return nil, err
	}
	if fresh.DoctorID != current.DoctorID {
		return nil, types.ConcurrentModification(current.AppointmentID, current.Version)
	}
	return fresh, nil
}

// RescheduleAppointment moves a non-terminal appointment to a new start time.
// A zero duration keeps the current one.
func (s *Service) RescheduleAppointment(ctx context.Context, appointmentID string, start time.Time, duration int) (apt *types.Appointment, err error) {
	defer func() { s.record(ctx, "reschedule", appointmentID, err) }()

	current, err := s.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(types.StatusRescheduled) {
		return nil, types.InvalidStateTransition(current.Status, "reschedule")
	}
	if duration < 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidDuration,
			fmt.Sprintf("duration must be positive, got %d", duration),
			map[string]interface{}{"duration": duration})
	}
	if duration == 0 {
		duration = current.Duration
	}

	now := s.now()
	if err := s.policy.ValidateWindow(start, duration, now); err != nil {
		return nil, err
	}

	err = s.store.WithDoctorDayLock(ctx, current.DoctorID, s.lockDay(start),
		func(ctx context.Context, store interfaces.AppointmentStore) error {
			// re-read under the lock so the transition sees the latest state
			fresh, err := s.reread(ctx, store, current)
			if err != nil {
				return err
			}
			if err := fresh.Reschedule(start, duration, now); err != nil {
				return err
			}
			if err := s.checkConflicts(ctx, store, fresh, fresh.DoctorName, fresh.AppointmentID); err != nil {
				return err
			}
			if err := store.Update(ctx, fresh); err != nil {
				return err
			}
			apt = fresh
			return nil
		})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, types.NotificationRescheduled, apt, "")
	return apt, nil
}

// RevisitAppointment books a follow-up linked to an existing appointment. The
// original is left unchanged.
func (s *Service) RevisitAppointment(ctx context.Context, appointmentID string, req *types.RevisitRequest) (apt *types.Appointment, err error) {
	defer func() { s.record(ctx, "revisit", appointmentIDOf(apt), err) }()

	if req == nil || strings.TrimSpace(req.Reason) == "" {
		return nil, types.MissingRequiredField("reason")
	}

	original, err := s.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	duration := original.Duration
	if duration <= 0 {
		duration = s.policy.DefaultDuration
	}

	now := s.now()
	if err := s.policy.ValidateWindow(req.AppointmentDateTime, duration, now); err != nil {
		return nil, err
	}

	patient, err := s.patients.ValidatePatient(ctx, original.PatientID)
	if err != nil {
		return nil, err
	}
	doctor, err := s.doctors.FetchDoctor(ctx, original.DoctorID)
	if err != nil {
		return nil, err
	}

	apt = &types.Appointment{
		ID:                    uuid.New().String(),
		AppointmentDateTime:   req.AppointmentDateTime,
		Duration:              duration,
		Reason:                original.Reason,
		Symptoms:              original.Symptoms,
		Status:                types.StatusPending,
		RevisitReason:         strings.TrimSpace(req.Reason),
		PreviousAppointmentID: original.AppointmentID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	apt.ApplyPatient(patient)
	apt.ApplyDoctor(doctor)

	if err := s.book(ctx, apt, doctor.FullName); err != nil {
		return nil, err
	}

	s.notify(ctx, types.NotificationRevisit, apt, apt.RevisitReason)
	return apt, nil
}

// UpdateAppointment applies a partial update to a non-terminal appointment
func (s *Service) UpdateAppointment(ctx context.Context, appointmentID string, updates *types.AppointmentUpdates) (apt *types.Appointment, err error) {
	defer func() { s.record(ctx, "update", appointmentID, err) }()

	current, err := s.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, types.InvalidStateTransition(current.Status, "update")
	}
	if updates.IsEmpty() {
		return current, nil
	}

	var patient *types.PatientSnapshot
	if updates.PatientID != nil && *updates.PatientID != current.PatientID {
		if strings.TrimSpace(*updates.PatientID) == "" {
			return nil, types.MissingRequiredField("patient_id")
		}
		if patient, err = s.patients.ValidatePatient(ctx, *updates.PatientID); err != nil {
			return nil, err
		}
	}
	var doctor *types.DoctorSnapshot
	if updates.DoctorID != nil && *updates.DoctorID != current.DoctorID {
		if strings.TrimSpace(*updates.DoctorID) == "" {
			return nil, types.MissingRequiredField("doctor_id")
		}
		if doctor, err = s.doctors.FetchDoctor(ctx, *updates.DoctorID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	patch := func(target *types.Appointment) {
		if patient != nil {
			target.ApplyPatient(patient)
		}
		if doctor != nil {
			target.ApplyDoctor(doctor)
		}
		if updates.AppointmentDateTime != nil {
			target.AppointmentDateTime = *updates.AppointmentDateTime
		}
		if updates.Duration != nil {
			target.Duration = *updates.Duration
		}
		if updates.Reason != nil {
			target.Reason = *updates.Reason
		}
		if updates.Symptoms != nil {
			target.Symptoms = *updates.Symptoms
		}
		if updates.AdditionalNotes != nil {
			target.AdditionalNotes = *updates.AdditionalNotes
		}
		target.Touch(now)
	}

	if !updates.TouchesSchedule() {
		return s.modifyLocked(ctx, current, func(ctx context.Context, store interfaces.AppointmentStore, fresh *types.Appointment) error {
			if fresh.Status.IsTerminal() {
				return types.InvalidStateTransition(fresh.Status, "update")
			}
			patch(fresh)
			return nil
		})
	}

	candidate := current.Clone()
	patch(candidate)
	if err := s.policy.ValidateWindow(candidate.AppointmentDateTime, candidate.Duration, now); err != nil {
		return nil, err
	}

	err = s.store.WithDoctorDayLock(ctx, candidate.DoctorID, s.lockDay(candidate.AppointmentDateTime),
		func(ctx context.Context, store interfaces.AppointmentStore) error {
			fresh, err := s.reread(ctx, store, current)
			if err != nil {
				return err
			}
			if fresh.Status.IsTerminal() {
				return types.InvalidStateTransition(fresh.Status, "update")
			}
			patch(fresh)
			if fresh.DoctorID != candidate.DoctorID || !s.lockDay(fresh.AppointmentDateTime).Equal(s.lockDay(candidate.AppointmentDateTime)) {
				return types.ConcurrentModification(fresh.AppointmentID, fresh.Version)
			}
			if err := s.checkConflicts(ctx, store, fresh, fresh.DoctorName, fresh.AppointmentID); err != nil {
				return err
			}
			if err := store.Update(ctx, fresh); err != nil {
				return err
			}
			apt = fresh
			return nil
		})
	if err != nil {
		return nil, err
	}
	return apt, nil
}

// DeleteAppointment removes an appointment regardless of its status
func (s *Service) DeleteAppointment(ctx context.Context, appointmentID string) (err error) {
	defer func() { s.record(ctx, "delete", appointmentID, err) }()

	if strings.TrimSpace(appointmentID) == "" {
		return types.MissingRequiredField("appointment_id")
	}
	return s.store.DeleteByAppointmentID(ctx, appointmentID)
}

// GetAvailableSlots lists the free slots of a doctor on a YYYY-MM-DD date
func (s *Service) GetAvailableSlots(ctx context.Context, doctorID, date string) ([]*types.TimeSlot, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, types.MissingRequiredField("doctor_id")
	}
	if strings.TrimSpace(date) == "" {
		return nil, types.MissingRequiredField("date")
	}
	day, err := time.ParseInLocation(searchDateLayout, date, s.policy.location())
	if err != nil {
		return nil, types.InvalidDateFormat(date, searchDateLayout)
	}

	if _, err := s.doctors.FetchDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	from, to := s.policy.DayBounds(day)
	existing, err := s.store.FindByDoctorIDAndDateRange(ctx, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	return s.policy.AvailableSlots(day, existing, s.now()), nil
}

// lockDay is local midnight of the day containing t
func (s *Service) lockDay(t time.Time) time.Time {
	day, _ := s.policy.DayBounds(t)
	return day
}

func (s *Service) notify(ctx context.Context, kind types.NotificationKind, apt *types.Appointment, reason string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, NewNotification(kind, apt, s.policy.location(), reason))
}

// record writes the audit line and the operation metric of a write
func (s *Service) record(ctx context.Context, operation, appointmentID string, err error) {
	s.metrics.RecordAppointmentOperation(operation, err)

	details := map[string]interface{}{}
	if err != nil {
		details["error"] = err.Error()
		if appErr, ok := types.AsAppError(err); ok {
			details["error_code"] = appErr.Code
		}
	}
	s.logger.Audit(ctx, operation, appointmentID, err == nil, details)
}

func appointmentIDOf(apt *types.Appointment) string {
	if apt == nil {
		return ""
	}
	return apt.AppointmentID
}

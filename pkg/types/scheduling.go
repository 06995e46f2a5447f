package types

import (
	"strings"
	"time"
)

// AppointmentStatus represents appointment status values
type AppointmentStatus string

const (
	StatusPending     AppointmentStatus = "PENDING"
	StatusConfirmed   AppointmentStatus = "CONFIRMED"
	StatusRescheduled AppointmentStatus = "RESCHEDULED"
	StatusRevisit     AppointmentStatus = "REVISIT"
	StatusCompleted   AppointmentStatus = "COMPLETED"
	StatusCancelled   AppointmentStatus = "CANCELLED"
)

// AllStatuses lists every status in reporting order
var AllStatuses = []AppointmentStatus{
	StatusPending,
	StatusConfirmed,
	StatusRescheduled,
	StatusRevisit,
	StatusCompleted,
	StatusCancelled,
}

// ActiveStatuses are the statuses an appointment can still move out of
var ActiveStatuses = []AppointmentStatus{
	StatusPending,
	StatusConfirmed,
	StatusRescheduled,
	StatusRevisit,
}

// HistoryStatuses are the terminal statuses shown in history listings
var HistoryStatuses = []AppointmentStatus{
	StatusCompleted,
	StatusCancelled,
}

// IsValid reports whether s is a known status
func (s AppointmentStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s
func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is allowed
func (s AppointmentStatus) CanTransitionTo(next AppointmentStatus) bool {
	if s.IsTerminal() || !s.IsValid() {
		return false
	}
	switch next {
	case StatusConfirmed, StatusRescheduled, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseAppointmentStatus parses a status name case-insensitively
func ParseAppointmentStatus(value string) (AppointmentStatus, error) {
	status := AppointmentStatus(strings.ToUpper(strings.TrimSpace(value)))
	if !status.IsValid() {
		return "", InvalidStatus(value)
	}
	return status, nil
}

// PatientSnapshot is the patient data copied onto an appointment at booking time
type PatientSnapshot struct {
	ID          string `json:"id"`
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Age         int    `json:"age,omitempty"`
}

// DoctorSnapshot is the doctor data copied onto an appointment at booking time
type DoctorSnapshot struct {
	ID             string `json:"id"`
	FullName       string `json:"full_name"`
	Department     string `json:"department,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	Email          string `json:"email,omitempty"`
	ContactNumber  string `json:"contact_number,omitempty"`
}

// Appointment represents a booked appointment
type Appointment struct {
	ID                    string            `json:"id" db:"id"`
	AppointmentID         string            `json:"appointment_id" db:"appointment_id"`
	PatientID             string            `json:"patient_id" db:"patient_id"`
	DoctorID              string            `json:"doctor_id" db:"doctor_id"`
	PatientName           string            `json:"patient_name" db:"patient_name"`
	PatientEmail          string            `json:"patient_email" db:"patient_email"`
	PhoneNumber           string            `json:"phone_number,omitempty" db:"phone_number"`
	Age                   int               `json:"age,omitempty" db:"age"`
	DoctorName            string            `json:"doctor_name" db:"doctor_name"`
	Department            string            `json:"department,omitempty" db:"department"`
	AppointmentDateTime   time.Time         `json:"appointment_datetime" db:"appointment_datetime"`
	Duration              int               `json:"duration" db:"duration"`
	Reason                string            `json:"reason,omitempty" db:"reason"`
	Symptoms              string            `json:"symptoms,omitempty" db:"symptoms"`
	AdditionalNotes       string            `json:"additional_notes,omitempty" db:"additional_notes"`
	Status                AppointmentStatus `json:"status" db:"status"`
	CancellationReason    string            `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	RevisitReason         string            `json:"revisit_reason,omitempty" db:"revisit_reason"`
	PreviousAppointmentID string            `json:"previous_appointment_id,omitempty" db:"previous_appointment_id"`
	CreatedAt             time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at" db:"updated_at"`
	// Version is bumped by every store write; an update must carry the version it read
	Version int64 `json:"version" db:"version"`
}

// EndTime is the scheduled end of the appointment without buffer
func (a *Appointment) EndTime() time.Time {
	return a.AppointmentDateTime.Add(time.Duration(a.Duration) * time.Minute)
}

// ApplyPatient copies the patient snapshot onto the appointment
func (a *Appointment) ApplyPatient(p *PatientSnapshot) {
	a.PatientID = p.ID
	a.PatientName = p.FullName
	a.PatientEmail = p.Email
	a.PhoneNumber = p.PhoneNumber
	a.Age = p.Age
}

// ApplyDoctor copies the doctor snapshot onto the appointment
func (a *Appointment) ApplyDoctor(d *DoctorSnapshot) {
	a.DoctorID = d.ID
	a.DoctorName = d.FullName
	a.Department = d.Department
}

// Confirm moves the appointment to CONFIRMED
func (a *Appointment) Confirm(now time.Time) error {
	return a.transition(StatusConfirmed, "confirm", now)
}

// Complete moves the appointment to COMPLETED
func (a *Appointment) Complete(now time.Time) error {
	return a.transition(StatusCompleted, "complete", now)
}

// Cancel moves the appointment to CANCELLED and records the reason
func (a *Appointment) Cancel(reason string, now time.Time) error {
	if err := a.transition(StatusCancelled, "cancel", now); err != nil {
		return err
	}
	a.CancellationReason = reason
	return nil
}

// Reschedule moves the appointment to a new start time and marks it RESCHEDULED.
// A non-positive duration keeps the current one.
func (a *Appointment) Reschedule(start time.Time, duration int, now time.Time) error {
	if err := a.transition(StatusRescheduled, "reschedule", now); err != nil {
		return err
	}
	a.AppointmentDateTime = start
	if duration > 0 {
		a.Duration = duration
	}
	return nil
}

func (a *Appointment) transition(next AppointmentStatus, operation string, now time.Time) error {
	if !a.Status.CanTransitionTo(next) {
		return InvalidStateTransition(a.Status, operation)
	}
	a.Status = next
	a.Touch(now)
	return nil
}

// Touch advances UpdatedAt, never moving it backwards
func (a *Appointment) Touch(now time.Time) {
	if now.After(a.UpdatedAt) {
		a.UpdatedAt = now
	}
}

// Clone returns a copy safe to mutate independently
func (a *Appointment) Clone() *Appointment {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// CreateAppointmentRequest carries the caller supplied fields of a booking
type CreateAppointmentRequest struct {
	PatientID           string    `json:"patient_id"`
	DoctorID            string    `json:"doctor_id"`
	AppointmentDateTime time.Time `json:"appointment_datetime"`
	Duration            int       `json:"duration"`
	Reason              string    `json:"reason,omitempty"`
	Symptoms            string    `json:"symptoms,omitempty"`
	AdditionalNotes     string    `json:"additional_notes,omitempty"`
}

// RevisitRequest books a follow-up for an existing appointment
type RevisitRequest struct {
	AppointmentDateTime time.Time `json:"appointment_datetime"`
	Reason              string    `json:"reason"`
}

// AppointmentUpdates represents a partial update of an appointment. Status is
// never patchable; it only moves through the lifecycle operations.
type AppointmentUpdates struct {
	PatientID           *string    `json:"patient_id,omitempty"`
	DoctorID            *string    `json:"doctor_id,omitempty"`
	AppointmentDateTime *time.Time `json:"appointment_datetime,omitempty"`
	Duration            *int       `json:"duration,omitempty"`
	Reason              *string    `json:"reason,omitempty"`
	Symptoms            *string    `json:"symptoms,omitempty"`
	AdditionalNotes     *string    `json:"additional_notes,omitempty"`
}

// IsEmpty reports whether the update carries no field
func (u *AppointmentUpdates) IsEmpty() bool {
	return u == nil || (u.PatientID == nil && u.DoctorID == nil && u.AppointmentDateTime == nil &&
		u.Duration == nil && u.Reason == nil && u.Symptoms == nil && u.AdditionalNotes == nil)
}

// TouchesSchedule reports whether the update moves the appointment in time or to another doctor
func (u *AppointmentUpdates) TouchesSchedule() bool {
	return u != nil && (u.DoctorID != nil || u.AppointmentDateTime != nil || u.Duration != nil)
}

// AppointmentStats holds per-status appointment counts
type AppointmentStats struct {
	Total       int64 `json:"total"`
	Pending     int64 `json:"pending"`
	Confirmed   int64 `json:"confirmed"`
	Rescheduled int64 `json:"rescheduled"`
	Revisit     int64 `json:"revisit"`
	Completed   int64 `json:"completed"`
	Cancelled   int64 `json:"cancelled"`
}

// Set stores the count for a status
func (s *AppointmentStats) Set(status AppointmentStatus, count int64) {
	switch status {
	case StatusPending:
		s.Pending = count
	case StatusConfirmed:
		s.Confirmed = count
	case StatusRescheduled:
		s.Rescheduled = count
	case StatusRevisit:
		s.Revisit = count
	case StatusCompleted:
		s.Completed = count
	case StatusCancelled:
		s.Cancelled = count
	}
}

// TimeSlot represents a free slot in a doctor's day
type TimeSlot struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// NotificationKind identifies the email sent for an appointment event
type NotificationKind string

const (
	NotificationBooked      NotificationKind = "booked"
	NotificationConfirmed   NotificationKind = "confirmed"
	NotificationCancelled   NotificationKind = "cancelled"
	NotificationRescheduled NotificationKind = "rescheduled"
	NotificationRevisit     NotificationKind = "revisit"
	NotificationCompleted   NotificationKind = "completed"
)

// Notification describes one patient email
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	AppointmentID  string           `json:"appointment_id"`
	RecipientEmail string           `json:"recipient_email"`
	PatientName    string           `json:"patient_name"`
	DoctorName     string           `json:"doctor_name"`
	Date           string           `json:"date"`
	Time           string           `json:"time"`
	Reason         string           `json:"reason,omitempty"`
}

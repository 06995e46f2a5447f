package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/medrex/appointment-service/pkg/types"
)

// searchDateLayout is the date format accepted by search and slot queries
const searchDateLayout = "2006-01-02"

// ListAppointments returns every appointment ordered by start
func (s *Service) ListAppointments(ctx context.Context) ([]*types.Appointment, error) {
	return s.store.FindAll(ctx)
}

// GetStats counts appointments per status
func (s *Service) GetStats(ctx context.Context) (*types.AppointmentStats, error) {
	stats := &types.AppointmentStats{}

	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats.Total = total

	for _, status := range types.AllStatuses {
		n, err := s.store.CountByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		stats.Set(status, n)
	}
	return stats, nil
}

// SearchAppointments filters by optional status and a YYYY-MM-DD date range.
// Missing dates default to one month either side of now; the end date is inclusive.
func (s *Service) SearchAppointments(ctx context.Context, status, startDate, endDate string) ([]*types.Appointment, error) {
	var wanted types.AppointmentStatus
	if strings.TrimSpace(status) != "" {
		parsed, err := types.ParseAppointmentStatus(status)
		if err != nil {
			return nil, err
		}
		wanted = parsed
	}

	loc := s.policy.location()
	now := s.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	from := today.AddDate(0, -1, 0)
	if strings.TrimSpace(startDate) != "" {
		parsed, err := time.ParseInLocation(searchDateLayout, strings.TrimSpace(startDate), loc)
		if err != nil {
			return nil, types.InvalidDateFormat(startDate, searchDateLayout)
		}
		from = parsed
	}

	to := today.AddDate(0, 1, 0)
	if strings.TrimSpace(endDate) != "" {
		parsed, err := time.ParseInLocation(searchDateLayout, strings.TrimSpace(endDate), loc)
		if err != nil {
			return nil, types.InvalidDateFormat(endDate, searchDateLayout)
		}
		to = parsed
	}
	// inclusive end date
	to = to.AddDate(0, 0, 1)

	appointments, err := s.store.FindByDateRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if wanted == "" {
		return appointments, nil
	}

	filtered := make([]*types.Appointment, 0, len(appointments))
	for _, apt := range appointments {
		if apt.Status == wanted {
			filtered = append(filtered, apt)
		}
	}
	return filtered, nil
}

// GetUpcomingForPatient lists a patient's active appointments that start after now
func (s *Service) GetUpcomingForPatient(ctx context.Context, patientID string) ([]*types.Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, types.MissingRequiredField("patient_id")
	}
	appointments, err := s.store.FindByPatientIDAndStatus(ctx, patientID, types.ActiveStatuses...)
	if err != nil {
		return nil, err
	}
	return startingAfter(appointments, s.now()), nil
}

// GetHistoryForPatient lists a patient's completed and cancelled appointments
func (s *Service) GetHistoryForPatient(ctx context.Context, patientID string) ([]*types.Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, types.MissingRequiredField("patient_id")
	}
	return s.store.FindByPatientIDAndStatus(ctx, patientID, types.HistoryStatuses...)
}

// GetUpcomingForDoctor lists a doctor's active appointments that start after now
func (s *Service) GetUpcomingForDoctor(ctx context.Context, doctorID string) ([]*types.Appointment, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, types.MissingRequiredField("doctor_id")
	}
	appointments, err := s.store.FindByDoctorIDAndStatus(ctx, doctorID, types.ActiveStatuses...)
	if err != nil {
		return nil, err
	}
	return startingAfter(appointments, s.now()), nil
}

// GetHistoryForDoctor lists a doctor's completed and cancelled appointments
func (s *Service) GetHistoryForDoctor(ctx context.Context, doctorID string) ([]*types.Appointment, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, types.MissingRequiredField("doctor_id")
	}
	return s.store.FindByDoctorIDAndStatus(ctx, doctorID, types.HistoryStatuses...)
}

// GetCompletedForDoctor lists a doctor's completed appointments
func (s *Service) GetCompletedForDoctor(ctx context.Context, doctorID string) ([]*types.Appointment, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, types.MissingRequiredField("doctor_id")
	}
	return s.store.FindByDoctorIDAndStatus(ctx, doctorID, types.StatusCompleted)
}

func startingAfter(appointments []*types.Appointment, now time.Time) []*types.Appointment {
	upcoming := make([]*types.Appointment, 0, len(appointments))
	for _, apt := range appointments {
		if apt.AppointmentDateTime.After(now) {
			upcoming = append(upcoming, apt)
		}
	}
	return upcoming
}

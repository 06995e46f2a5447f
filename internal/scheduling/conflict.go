package scheduling

import (
	"fmt"
	"time"

	"github.com/medrex/appointment-service/pkg/config"
	"github.com/medrex/appointment-service/pkg/types"
)

// SuggestedSlotLayout formats the next-free-slot hint of a conflict
const SuggestedSlotLayout = "Jan 02, 2006 3:04 PM"

// lunchHour is never offered as a suggestion
const lunchHour = 12

// SchedulingPolicy holds the working-hours and buffer rules of the clinic
type SchedulingPolicy struct {
	WorkdayStartHour int
	WorkdayEndHour   int
	Buffer           time.Duration
	SlotInterval     time.Duration
	DefaultDuration  int
	Location         *time.Location
}

// DefaultSchedulingPolicy is 9 to 17 with a 30 minute buffer in local time
func DefaultSchedulingPolicy() *SchedulingPolicy {
	return &SchedulingPolicy{
		WorkdayStartHour: 9,
		WorkdayEndHour:   17,
		Buffer:           30 * time.Minute,
		SlotInterval:     30 * time.Minute,
		DefaultDuration:  30,
		Location:         time.Local,
	}
}

// NewSchedulingPolicy builds the policy from configuration
func NewSchedulingPolicy(cfg *config.SchedulingConfig) (*SchedulingPolicy, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone %q: %w", cfg.TimeZone, err)
	}
	return &SchedulingPolicy{
		WorkdayStartHour: cfg.WorkdayStartHour,
		WorkdayEndHour:   cfg.WorkdayEndHour,
		Buffer:           time.Duration(cfg.BufferMinutes) * time.Minute,
		SlotInterval:     time.Duration(cfg.SlotMinutes) * time.Minute,
		DefaultDuration:  cfg.DefaultDurationMinutes,
		Location:         loc,
	}, nil
}

func (p *SchedulingPolicy) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// ValidateWindow checks that [start, start+duration) lies in the future, inside
// working hours and on a single calendar day
func (p *SchedulingPolicy) ValidateWindow(start time.Time, duration int, now time.Time) error {
	if start.IsZero() {
		return types.MissingRequiredField("appointment_datetime")
	}
	if duration <= 0 {
		return types.NewValidationError(types.ErrCodeInvalidDuration,
			fmt.Sprintf("duration must be positive, got %d", duration),
			map[string]interface{}{"duration": duration})
	}
	if !start.After(now) {
		return types.OutsideWorkingHours("appointment time must be in the future")
	}

	localStart := start.In(p.location())
	localEnd := localStart.Add(time.Duration(duration) * time.Minute)

	if localStart.Hour() < p.WorkdayStartHour {
		return types.OutsideWorkingHours(fmt.Sprintf(
			"appointments cannot start before %02d:00", p.WorkdayStartHour))
	}
	if !sameDay(localStart, localEnd) || localEnd.Hour() >= p.WorkdayEndHour {
		return types.OutsideWorkingHours(fmt.Sprintf(
			"appointments must end before %02d:00", p.WorkdayEndHour))
	}
	return nil
}

// DayBounds returns local midnight of the day containing t and the next midnight
func (p *SchedulingPolicy) DayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(p.location())
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.location())
	return from, from.AddDate(0, 0, 1)
}

// FindConflicts returns the existing appointments whose buffered interval
// intersects [start, end). Cancelled appointments and excludeID are ignored.
func (p *SchedulingPolicy) FindConflicts(start, end time.Time, existing []*types.Appointment, excludeID string) []*types.Appointment {
	var conflicts []*types.Appointment
	for _, apt := range existing {
		if apt.Status == types.StatusCancelled {
			continue
		}
		if excludeID != "" && apt.AppointmentID == excludeID {
			continue
		}
		bufStart := apt.AppointmentDateTime.Add(-p.Buffer)
		bufEnd := apt.EndTime().Add(p.Buffer)
		if start.Before(bufEnd) && end.After(bufStart) {
			conflicts = append(conflicts, apt)
		}
	}
	return conflicts
}

// SuggestNextSlot takes the latest buffered end among conflicts and rounds it
// up to a whole hour, skipping the lunch hour
func (p *SchedulingPolicy) SuggestNextSlot(conflicts []*types.Appointment) time.Time {
	var latest time.Time
	for _, apt := range conflicts {
		if bufEnd := apt.EndTime().Add(p.Buffer); bufEnd.After(latest) {
			latest = bufEnd
		}
	}

	local := latest.In(p.location())
	suggestion := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, p.location())
	if suggestion.Before(local) {
		suggestion = suggestion.Add(time.Hour)
	}
	if suggestion.Hour() == lunchHour {
		suggestion = suggestion.Add(time.Hour)
	}
	return suggestion
}

// ConflictError builds the SCHEDULING_CONFLICT error for a doctor
func (p *SchedulingPolicy) ConflictError(doctorName string, conflicts []*types.Appointment) *types.AppError {
	suggestion := p.SuggestNextSlot(conflicts).Format(SuggestedSlotLayout)
	err := types.SchedulingConflict(
		fmt.Sprintf("Doctor %s is not available at the requested time. Next available slot: %s", doctorName, suggestion),
		suggestion,
	)
	ids := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.AppointmentID)
	}
	return err.WithDetail("conflicting_appointments", ids)
}

// AvailableSlots lists the SlotInterval-long slots of a day that would pass
// ValidateWindow and FindConflicts
func (p *SchedulingPolicy) AvailableSlots(day time.Time, existing []*types.Appointment, now time.Time) []*types.TimeSlot {
	from, _ := p.DayBounds(day)
	slotMinutes := int(p.SlotInterval / time.Minute)
	if slotMinutes <= 0 {
		return nil
	}

	slots := []*types.TimeSlot{}
	start := from.Add(time.Duration(p.WorkdayStartHour) * time.Hour)
	for ; start.Hour() < p.WorkdayEndHour && sameDay(start, from); start = start.Add(p.SlotInterval) {
		if p.ValidateWindow(start, slotMinutes, now) != nil {
			continue
		}
		end := start.Add(p.SlotInterval)
		if len(p.FindConflicts(start, end, existing, "")) > 0 {
			continue
		}
		slots = append(slots, &types.TimeSlot{StartTime: start, EndTime: end})
	}
	return slots
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medrex/appointment-service/pkg/interfaces"
	"github.com/medrex/appointment-service/pkg/types"
)

// MemoryRepository is an in-process AppointmentStore used for local runs and tests
type MemoryRepository struct {
	mu           sync.RWMutex
	appointments map[string]*types.Appointment

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryRepository creates an empty store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		appointments: make(map[string]*types.Appointment),
		locks:        make(map[string]*sync.Mutex),
	}
}

// Create implements interfaces.AppointmentStore
func (r *MemoryRepository) Create(ctx context.Context, apt *types.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.appointments[apt.AppointmentID]; exists {
		return duplicateAppointmentID(apt.AppointmentID, nil)
	}
	if apt.Version == 0 {
		apt.Version = 1
	}
	r.appointments[apt.AppointmentID] = apt.Clone()
	return nil
}

// Update implements interfaces.AppointmentStore
func (r *MemoryRepository) Update(ctx context.Context, apt *types.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.appointments[apt.AppointmentID]
	if !exists {
		return types.AppointmentNotFound(apt.AppointmentID)
	}
	if stored.Version != apt.Version {
		return types.ConcurrentModification(apt.AppointmentID, apt.Version)
	}
	apt.Version++
	r.appointments[apt.AppointmentID] = apt.Clone()
	return nil
}

// FindByAppointmentID implements interfaces.AppointmentStore
func (r *MemoryRepository) FindByAppointmentID(ctx context.Context, appointmentID string) (*types.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	apt, exists := r.appointments[appointmentID]
	if !exists {
		return nil, types.AppointmentNotFound(appointmentID)
	}
	return apt.Clone(), nil
}

// ExistsByAppointmentID implements interfaces.AppointmentStore
func (r *MemoryRepository) ExistsByAppointmentID(ctx context.Context, appointmentID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.appointments[appointmentID]
	return exists, nil
}

// DeleteByAppointmentID implements interfaces.AppointmentStore
func (r *MemoryRepository) DeleteByAppointmentID(ctx context.Context, appointmentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.appointments[appointmentID]; !exists {
		return types.AppointmentNotFound(appointmentID)
	}
	delete(r.appointments, appointmentID)
	return nil
}

// FindAll implements interfaces.AppointmentStore
func (r *MemoryRepository) FindAll(ctx context.Context) ([]*types.Appointment, error) {
	return r.filter(func(*types.Appointment) bool { return true }), nil
}

// FindByPatientID implements interfaces.AppointmentStore
func (r *MemoryRepository) FindByPatientID(ctx context.Context, patientID string) ([]*types.Appointment, error) {
	return r.filter(func(a *types.Appointment) bool { return a.PatientID == patientID }), nil
}

// FindByDoctorID implements interfaces.AppointmentStore
func (r *MemoryRepository) FindByDoctorID(ctx context.Context, doctorID string) ([]*types.Appointment, error) {
	return r.filter(func(a *types.Appointment) bool { return a.DoctorID == doctorID }), nil
}

// FindByDoctorIDAndDateRange implements interfaces.AppointmentStore
func (r *MemoryRepository) FindByDoctorIDAndDateRange(ctx context.Context, doctorID string, from, to time.Time) ([]*types.Appointment, error) {
	return r.filter(func(a *types.Appointment) bool {
		return a.DoctorID == doctorID && inRange(a.AppointmentDateTime, from, to)
	}), nil
}

// FindByStatus implements interfaces.AppointmentStore
func (r *MemoryRepository) FindByStatus(ctx context.Context, status types.AppointmentStatus) ([]*types.Appointment, error) {
	return r.filter(func(a *types.Appointment) bool { return a.Status == status }), nil
}

// FindByPatientIDAndStatus implements interfaces.AppointmentStore
func (r *MemoryRepository) FindByPatientIDAndStatus(ctx context.Context, patientID string, statuses ...types.AppointmentStatus) ([]*types.Appointment, error) {
	return r.filter(func(a *types.Appointment) bool {
		return a.PatientID == patientID && hasStatus(a.Status, statuses)
	}), nil
}

// FindByDoctorIDAndStatus implements interfaces.AppointmentStore
func (r *MemoryRepository) FindByDoctorIDAndStatus(ctx context.Context, doctorID string, statuses ...types.AppointmentStatus) ([]*types.Appointment, error) {
	return r.filter(func(a *types.Appointment) bool {
		return a.DoctorID == doctorID && hasStatus(a.Status, statuses)
	}), nil
}

// FindByDateRange implements interfaces.AppointmentStore
func (r *MemoryRepository) FindByDateRange(ctx context.Context, from, to time.Time) ([]*types.Appointment, error) {
	return r.filter(func(a *types.Appointment) bool {
		return inRange(a.AppointmentDateTime, from, to)
	}), nil
}

// Count implements interfaces.AppointmentStore
func (r *MemoryRepository) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.appointments)), nil
}

// CountByStatus implements interfaces.AppointmentStore
func (r *MemoryRepository) CountByStatus(ctx context.Context, status types.AppointmentStatus) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, a := range r.appointments {
		if a.Status == status {
			n++
		}
	}
	return n, nil
}

// WithDoctorDayLock implements interfaces.AppointmentStore
func (r *MemoryRepository) WithDoctorDayLock(ctx context.Context, doctorID string, day time.Time, fn func(ctx context.Context, store interfaces.AppointmentStore) error) error {
	lock := r.dayLock(doctorDayKey(doctorID, day))
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, r)
}

func (r *MemoryRepository) dayLock(key string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

func (r *MemoryRepository) filter(keep func(*types.Appointment) bool) []*types.Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []*types.Appointment{}
	for _, a := range r.appointments {
		if keep(a) {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].AppointmentDateTime.Equal(result[j].AppointmentDateTime) {
			return result[i].AppointmentID < result[j].AppointmentID
		}
		return result[i].AppointmentDateTime.Before(result[j].AppointmentDateTime)
	})
	return result
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func hasStatus(status types.AppointmentStatus, statuses []types.AppointmentStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// doctorDayKey names the lock guarding one doctor's calendar day. day must
// already be in the clinic time zone.
func doctorDayKey(doctorID string, day time.Time) string {
	return doctorID + "|" + day.Format("2006-01-02")
}

func duplicateAppointmentID(appointmentID string, cause error) *types.AppError {
	return &types.AppError{
		Type:    types.ErrorTypeConflict,
		Code:    types.ErrCodeDuplicateAppointmentID,
		Message: "appointment id already exists: " + appointmentID,
		Cause:   cause,
	}
}

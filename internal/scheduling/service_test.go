package scheduling

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/appointment-service/pkg/interfaces"
	"github.com/medrex/appointment-service/pkg/logger"
	"github.com/medrex/appointment-service/pkg/types"
)

// MockPatientValidator is a mock implementation of interfaces.PatientValidator
type MockPatientValidator struct {
	mock.Mock
}

func (m *MockPatientValidator) ValidatePatient(ctx context.Context, patientID string) (*types.PatientSnapshot, error) {
	args := m.Called(ctx, patientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.PatientSnapshot), args.Error(1)
}

// MockDoctorValidator is a mock implementation of interfaces.DoctorValidator
type MockDoctorValidator struct {
	mock.Mock
}

func (m *MockDoctorValidator) FetchDoctor(ctx context.Context, doctorID string) (*types.DoctorSnapshot, error) {
	args := m.Called(ctx, doctorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.DoctorSnapshot), args.Error(1)
}

// recordingNotifier keeps every notification it is handed
type recordingNotifier struct {
	mu   sync.Mutex
	sent []types.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, notification types.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
}

func (n *recordingNotifier) kinds() []types.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]types.NotificationKind, 0, len(n.sent))
	for _, s := range n.sent {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func (n *recordingNotifier) last() types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

var (
	testPatient = &types.PatientSnapshot{
		ID:          "pat-1",
		FullName:    "Asha Menon",
		Email:       "asha@example.com",
		PhoneNumber: "+91-555-0100",
		Age:         34,
	}
	testDoctor = &types.DoctorSnapshot{
		ID:             "doc-1",
		FullName:       "Dr. Rao",
		Department:     "Cardiology",
		Specialization: "Interventional",
	}
)

type serviceFixture struct {
	service  *Service
	store    *MemoryRepository
	patients *MockPatientValidator
	doctors  *MockDoctorValidator
	notifier *recordingNotifier
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		store:    NewMemoryRepository(),
		patients: &MockPatientValidator{},
		doctors:  &MockDoctorValidator{},
		notifier: &recordingNotifier{},
	}
	f.patients.On("ValidatePatient", mock.Anything, testPatient.ID).Return(testPatient, nil).Maybe()
	f.doctors.On("FetchDoctor", mock.Anything, testDoctor.ID).Return(testDoctor, nil).Maybe()

	f.service = NewService(f.store, f.patients, f.doctors, f.notifier, testPolicy(),
		seededGenerator("APP-", 4), logger.Discard(), WithClock(func() time.Time { return testNow }))
	return f
}

func (f *serviceFixture) book(t *testing.T, start time.Time, duration int) *types.Appointment {
	t.Helper()
	apt, err := f.service.CreateAppointment(context.Background(), &types.CreateAppointmentRequest{
		PatientID:           testPatient.ID,
		DoctorID:            testDoctor.ID,
		AppointmentDateTime: start,
		Duration:            duration,
		Reason:              "chest pain",
	})
	require.NoError(t, err)
	return apt
}

func TestService_CreateAppointment(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	apt, err := f.service.CreateAppointment(ctx, &types.CreateAppointmentRequest{
		PatientID:           testPatient.ID,
		DoctorID:            testDoctor.ID,
		AppointmentDateTime: at(10, 0),
		Duration:            30,
		Reason:              "chest pain",
		Symptoms:            "shortness of breath",
		AdditionalNotes:     "prefers morning",
	})
	require.NoError(t, err)

	assert.Regexp(t, `^APP-\d{4}$`, apt.AppointmentID)
	assert.NotEmpty(t, apt.ID)
	assert.Equal(t, types.StatusPending, apt.Status)
	assert.Equal(t, testNow, apt.CreatedAt)
	assert.Equal(t, testNow, apt.UpdatedAt)

	// snapshot round trip
	stored, err := f.service.GetAppointment(ctx, apt.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, testPatient.ID, stored.PatientID)
	assert.Equal(t, testPatient.FullName, stored.PatientName)
	assert.Equal(t, testPatient.Email, stored.PatientEmail)
	assert.Equal(t, testPatient.PhoneNumber, stored.PhoneNumber)
	assert.Equal(t, testPatient.Age, stored.Age)
	assert.Equal(t, testDoctor.ID, stored.DoctorID)
	assert.Equal(t, testDoctor.FullName, stored.DoctorName)
	assert.Equal(t, testDoctor.Department, stored.Department)
	assert.True(t, at(10, 0).Equal(stored.AppointmentDateTime))
	assert.Equal(t, 30, stored.Duration)
	assert.Equal(t, "shortness of breath", stored.Symptoms)

	require.Equal(t, []types.NotificationKind{types.NotificationBooked}, f.notifier.kinds())
	sent := f.notifier.last()
	assert.Equal(t, apt.AppointmentID, sent.AppointmentID)
	assert.Equal(t, testPatient.Email, sent.RecipientEmail)
	assert.Equal(t, "07 Jan 2030", sent.Date)
	assert.Equal(t, "10:00 AM", sent.Time)
}

func TestService_CreateAppointmentDefaultsDuration(t *testing.T) {
	f := newServiceFixture(t)

	apt := f.book(t, at(11, 0), 0)
	assert.Equal(t, 30, apt.Duration)
}

func TestService_CreateAppointmentValidation(t *testing.T) {
	tests := []struct {
		name     string
		req      *types.CreateAppointmentRequest
		wantCode string
	}{
		{
			name:     "missing patient",
			req:      &types.CreateAppointmentRequest{DoctorID: "doc-1", AppointmentDateTime: at(10, 0), Duration: 30},
			wantCode: types.ErrCodeMissingRequiredField,
		},
		{
			name:     "missing doctor",
			req:      &types.CreateAppointmentRequest{PatientID: "pat-1", AppointmentDateTime: at(10, 0), Duration: 30},
			wantCode: types.ErrCodeMissingRequiredField,
		},
		{
			name:     "missing datetime",
			req:      &types.CreateAppointmentRequest{PatientID: "pat-1", DoctorID: "doc-1", Duration: 30},
			wantCode: types.ErrCodeMissingRequiredField,
		},
		{
			name:     "negative duration",
			req:      &types.CreateAppointmentRequest{PatientID: "pat-1", DoctorID: "doc-1", AppointmentDateTime: at(10, 0), Duration: -30},
			wantCode: types.ErrCodeInvalidDuration,
		},
		{
			// Scenario B
			name:     "before opening",
			req:      &types.CreateAppointmentRequest{PatientID: "pat-1", DoctorID: "doc-1", AppointmentDateTime: at(8, 30), Duration: 30},
			wantCode: types.ErrCodeOutsideWorkingHours,
		},
		{
			name:     "ends at closing",
			req:      &types.CreateAppointmentRequest{PatientID: "pat-1", DoctorID: "doc-1", AppointmentDateTime: at(16, 30), Duration: 30},
			wantCode: types.ErrCodeOutsideWorkingHours,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)

			_, err := f.service.CreateAppointment(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, types.HasCode(err, tt.wantCode), "got %v", err)
			assert.Equal(t, http.StatusBadRequest, types.HTTPStatus(err))

			count, _ := f.store.Count(context.Background())
			assert.Zero(t, count)
			assert.Empty(t, f.notifier.kinds())
		})
	}
}

func TestService_CreateAppointmentUnknownIdentities(t *testing.T) {
	f := newServiceFixture(t)
	f.patients.On("ValidatePatient", mock.Anything, "ghost").Return(nil, types.PatientNotFound("ghost"))
	f.doctors.On("FetchDoctor", mock.Anything, "nobody").Return(nil, types.DoctorNotFound("nobody"))

	_, err := f.service.CreateAppointment(context.Background(), &types.CreateAppointmentRequest{
		PatientID: "ghost", DoctorID: testDoctor.ID, AppointmentDateTime: at(10, 0), Duration: 30,
	})
	assert.True(t, types.HasCode(err, types.ErrCodePatientNotFound))

	_, err = f.service.CreateAppointment(context.Background(), &types.CreateAppointmentRequest{
		PatientID: testPatient.ID, DoctorID: "nobody", AppointmentDateTime: at(10, 0), Duration: 30,
	})
	assert.True(t, types.HasCode(err, types.ErrCodeDoctorNotFound))
	assert.Equal(t, types.ErrorTypeNotFound, types.ErrorTypeOf(err))
}

func TestService_SchedulingConflict(t *testing.T) {
	// Scenario A
	f := newServiceFixture(t)
	first := f.book(t, at(10, 0), 30)
	assert.Equal(t, types.StatusPending, first.Status)

	_, err := f.service.CreateAppointment(context.Background(), &types.CreateAppointmentRequest{
		PatientID:           testPatient.ID,
		DoctorID:            testDoctor.ID,
		AppointmentDateTime: at(10, 20),
		Duration:            30,
	})
	require.Error(t, err)

	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeSchedulingConflict, appErr.Code)
	assert.Equal(t, "Jan 07, 2030 11:00 AM", appErr.Details[types.DetailSuggestedSlot])
	assert.Contains(t, appErr.Message, "Dr. Rao")

	// the suggested slot is bookable
	second := f.book(t, at(11, 0), 30)
	assert.NotEqual(t, first.AppointmentID, second.AppointmentID)
}

func TestService_CancelledAppointmentFreesSlot(t *testing.T) {
	f := newServiceFixture(t)
	first := f.book(t, at(10, 0), 30)

	_, err := f.service.CancelAppointment(context.Background(), first.AppointmentID, "")
	require.NoError(t, err)

	f.book(t, at(10, 0), 30)
}

func TestService_ConcurrentBookingsOneWins(t *testing.T) {
	f := newServiceFixture(t)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.CreateAppointment(context.Background(), &types.CreateAppointmentRequest{
				PatientID:           testPatient.ID,
				DoctorID:            testDoctor.ID,
				AppointmentDateTime: at(14, 0),
				Duration:            30,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, conflicted int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case types.HasCode(err, types.ErrCodeSchedulingConflict):
			conflicted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, conflicted)
}

func TestService_StatusTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("confirm then get", func(t *testing.T) {
		f := newServiceFixture(t)
		apt := f.book(t, at(10, 0), 30)

		confirmed, err := f.service.ConfirmAppointment(ctx, apt.AppointmentID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusConfirmed, confirmed.Status)

		stored, err := f.service.GetAppointment(ctx, apt.AppointmentID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusConfirmed, stored.Status)
		assert.Equal(t, []types.NotificationKind{types.NotificationBooked, types.NotificationConfirmed}, f.notifier.kinds())
	})

	t.Run("cancel then confirm", func(t *testing.T) {
		// Scenario C
		f := newServiceFixture(t)
		apt := f.book(t, at(10, 0), 30)

		cancelled, err := f.service.CancelAppointment(ctx, apt.AppointmentID, "patient request")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, cancelled.Status)
		assert.Equal(t, "patient request", cancelled.CancellationReason)
		assert.Equal(t, "patient request", f.notifier.last().Reason)

		_, err = f.service.ConfirmAppointment(ctx, apt.AppointmentID)
		assert.True(t, types.HasCode(err, types.ErrCodeInvalidStateTransition))
		assert.Equal(t, http.StatusConflict, types.HTTPStatus(err))
	})

	t.Run("complete twice", func(t *testing.T) {
		f := newServiceFixture(t)
		apt := f.book(t, at(10, 0), 30)

		completed, err := f.service.CompleteAppointment(ctx, apt.AppointmentID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, completed.Status)

		_, err = f.service.CompleteAppointment(ctx, apt.AppointmentID)
		assert.True(t, types.HasCode(err, types.ErrCodeInvalidStateTransition))
	})

	t.Run("terminal appointments reject every transition", func(t *testing.T) {
		f := newServiceFixture(t)
		apt := f.book(t, at(10, 0), 30)
		_, err := f.service.CompleteAppointment(ctx, apt.AppointmentID)
		require.NoError(t, err)

		_, err = f.service.ConfirmAppointment(ctx, apt.AppointmentID)
		assert.True(t, types.HasCode(err, types.ErrCodeInvalidStateTransition))
		_, err = f.service.CancelAppointment(ctx, apt.AppointmentID, "late")
		assert.True(t, types.HasCode(err, types.ErrCodeInvalidStateTransition))
		_, err = f.service.RescheduleAppointment(ctx, apt.AppointmentID, at(15, 0), 30)
		assert.True(t, types.HasCode(err, types.ErrCodeInvalidStateTransition))
		_, err = f.service.UpdateAppointment(ctx, apt.AppointmentID, &types.AppointmentUpdates{Reason: strPtr("x")})
		assert.True(t, types.HasCode(err, types.ErrCodeInvalidStateTransition))
	})

	t.Run("unknown appointment", func(t *testing.T) {
		f := newServiceFixture(t)

		_, err := f.service.ConfirmAppointment(ctx, "APP-9999")
		assert.True(t, types.HasCode(err, types.ErrCodeAppointmentNotFound))
		_, err = f.service.GetAppointment(ctx, "APP-9999")
		assert.Equal(t, http.StatusNotFound, types.HTTPStatus(err))
	})
}

func TestService_RescheduleAppointment(t *testing.T) {
	ctx := context.Background()

	t.Run("moves the appointment", func(t *testing.T) {
		f := newServiceFixture(t)
		apt := f.book(t, at(10, 0), 30)

		moved, err := f.service.RescheduleAppointment(ctx, apt.AppointmentID, at(10, 30), 0)
		require.NoError(t, err, "own slot must not conflict with itself")
		assert.Equal(t, types.StatusRescheduled, moved.Status)
		assert.True(t, at(10, 30).Equal(moved.AppointmentDateTime))
		assert.Equal(t, 30, moved.Duration)
		assert.Equal(t, types.NotificationRescheduled, f.notifier.last().Kind)
		assert.Equal(t, "10:30 AM", f.notifier.last().Time)
	})

	t.Run("conflicts with another appointment", func(t *testing.T) {
		f := newServiceFixture(t)
		f.book(t, at(10, 0), 30)
		other := f.book(t, at(14, 0), 30)

		_, err := f.service.RescheduleAppointment(ctx, other.AppointmentID, at(10, 15), 45)
		assert.True(t, types.HasCode(err, types.ErrCodeSchedulingConflict))

		stored, _ := f.service.GetAppointment(ctx, other.AppointmentID)
		assert.Equal(t, types.StatusPending, stored.Status)
		assert.True(t, at(14, 0).Equal(stored.AppointmentDateTime))
	})

	t.Run("outside working hours", func(t *testing.T) {
		f := newServiceFixture(t)
		apt := f.book(t, at(10, 0), 30)

		_, err := f.service.RescheduleAppointment(ctx, apt.AppointmentID, at(17, 0), 30)
		assert.True(t, types.HasCode(err, types.ErrCodeOutsideWorkingHours))
	})
}

func TestService_RevisitAppointment(t *testing.T) {
	// Scenario D
	f := newServiceFixture(t)
	ctx := context.Background()
	original := f.book(t, at(10, 0), 45)
	_, err := f.service.CompleteAppointment(ctx, original.AppointmentID)
	require.NoError(t, err)
	before, _ := f.service.GetAppointment(ctx, original.AppointmentID)

	nextWeek := at(10, 0).AddDate(0, 0, 7)
	revisit, err := f.service.RevisitAppointment(ctx, original.AppointmentID, &types.RevisitRequest{
		AppointmentDateTime: nextWeek,
		Reason:              "review test results",
	})
	require.NoError(t, err)

	assert.NotEqual(t, original.AppointmentID, revisit.AppointmentID)
	assert.Equal(t, original.AppointmentID, revisit.PreviousAppointmentID)
	assert.Equal(t, types.StatusPending, revisit.Status)
	assert.Equal(t, "review test results", revisit.RevisitReason)
	assert.Equal(t, 45, revisit.Duration)
	assert.True(t, nextWeek.Equal(revisit.AppointmentDateTime))

	after, _ := f.service.GetAppointment(ctx, original.AppointmentID)
	assert.Equal(t, before, after)

	sent := f.notifier.last()
	assert.Equal(t, types.NotificationRevisit, sent.Kind)
	assert.Equal(t, "review test results", sent.Reason)

	_, err = f.service.RevisitAppointment(ctx, original.AppointmentID, &types.RevisitRequest{AppointmentDateTime: nextWeek})
	assert.True(t, types.HasCode(err, types.ErrCodeMissingRequiredField))

	_, err = f.service.RevisitAppointment(ctx, original.AppointmentID, &types.RevisitRequest{
		AppointmentDateTime: nextWeek.Add(15 * time.Minute),
		Reason:              "again",
	})
	assert.True(t, types.HasCode(err, types.ErrCodeSchedulingConflict))
}

func TestService_UpdateAppointment(t *testing.T) {
	ctx := context.Background()

	t.Run("patches descriptive fields", func(t *testing.T) {
		f := newServiceFixture(t)
		apt := f.book(t, at(10, 0), 30)

		updated, err := f.service.UpdateAppointment(ctx, apt.AppointmentID, &types.AppointmentUpdates{
			Reason:   strPtr("follow-up"),
			Symptoms: strPtr("none"),
		})
		require.NoError(t, err)
		assert.Equal(t, "follow-up", updated.Reason)
		assert.Equal(t, "none", updated.Symptoms)
		assert.Equal(t, types.StatusPending, updated.Status)
	})

	t.Run("changing doctor re-validates and re-snapshots", func(t *testing.T) {
		f := newServiceFixture(t)
		other := &types.DoctorSnapshot{ID: "doc-2", FullName: "Dr. Iyer", Department: "Neurology"}
		f.doctors.On("FetchDoctor", mock.Anything, "doc-2").Return(other, nil)
		apt := f.book(t, at(10, 0), 30)

		updated, err := f.service.UpdateAppointment(ctx, apt.AppointmentID, &types.AppointmentUpdates{DoctorID: strPtr("doc-2")})
		require.NoError(t, err)
		assert.Equal(t, "doc-2", updated.DoctorID)
		assert.Equal(t, "Dr. Iyer", updated.DoctorName)
		assert.Equal(t, "Neurology", updated.Department)
	})

	t.Run("schedule change is conflict checked", func(t *testing.T) {
		f := newServiceFixture(t)
		f.book(t, at(10, 0), 30)
		apt := f.book(t, at(13, 0), 30)

		start := at(10, 30)
		_, err := f.service.UpdateAppointment(ctx, apt.AppointmentID, &types.AppointmentUpdates{AppointmentDateTime: &start})
		assert.True(t, types.HasCode(err, types.ErrCodeSchedulingConflict))

		duration := 60
		updated, err := f.service.UpdateAppointment(ctx, apt.AppointmentID, &types.AppointmentUpdates{Duration: &duration})
		require.NoError(t, err)
		assert.Equal(t, 60, updated.Duration)
	})

	t.Run("unknown doctor", func(t *testing.T) {
		f := newServiceFixture(t)
		f.doctors.On("FetchDoctor", mock.Anything, "nobody").Return(nil, types.DoctorNotFound("nobody"))
		apt := f.book(t, at(10, 0), 30)

		_, err := f.service.UpdateAppointment(ctx, apt.AppointmentID, &types.AppointmentUpdates{DoctorID: strPtr("nobody")})
		assert.True(t, types.HasCode(err, types.ErrCodeDoctorNotFound))
	})
}

func TestService_DeleteAppointment(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	apt := f.book(t, at(10, 0), 30)
	_, err := f.service.CancelAppointment(ctx, apt.AppointmentID, "")
	require.NoError(t, err)

	require.NoError(t, f.service.DeleteAppointment(ctx, apt.AppointmentID))

	_, err = f.service.GetAppointment(ctx, apt.AppointmentID)
	assert.True(t, types.HasCode(err, types.ErrCodeAppointmentNotFound))
	assert.True(t, types.HasCode(f.service.DeleteAppointment(ctx, apt.AppointmentID), types.ErrCodeAppointmentNotFound))
}

func TestService_GetAvailableSlots(t *testing.T) {
	f := newServiceFixture(t)
	f.book(t, at(10, 0), 30)

	slots, err := f.service.GetAvailableSlots(context.Background(), testDoctor.ID, "2030-01-07")
	require.NoError(t, err)
	assert.Len(t, slots, 12)

	_, err = f.service.GetAvailableSlots(context.Background(), testDoctor.ID, "07/01/2030")
	assert.True(t, types.HasCode(err, types.ErrCodeInvalidDateFormat))
}

// duplicateOnceStore fails the first insert with a duplicate id
type duplicateOnceStore struct {
	*MemoryRepository
	mu       sync.Mutex
	failures int
}

func (s *duplicateOnceStore) Create(ctx context.Context, apt *types.Appointment) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return duplicateAppointmentID(apt.AppointmentID, nil)
	}
	s.mu.Unlock()
	return s.MemoryRepository.Create(ctx, apt)
}

func (s *duplicateOnceStore) WithDoctorDayLock(ctx context.Context, doctorID string, day time.Time, fn func(ctx context.Context, store interfaces.AppointmentStore) error) error {
	return s.MemoryRepository.WithDoctorDayLock(ctx, doctorID, day, func(ctx context.Context, _ interfaces.AppointmentStore) error {
		return fn(ctx, s)
	})
}

func TestService_RetriesDuplicateIDOnInsert(t *testing.T) {
	f := newServiceFixture(t)
	store := &duplicateOnceStore{MemoryRepository: NewMemoryRepository(), failures: 2}
	f.service.store = store

	apt, err := f.service.CreateAppointment(context.Background(), &types.CreateAppointmentRequest{
		PatientID: testPatient.ID, DoctorID: testDoctor.ID, AppointmentDateTime: at(10, 0), Duration: 30,
	})
	require.NoError(t, err)

	exists, _ := store.ExistsByAppointmentID(context.Background(), apt.AppointmentID)
	assert.True(t, exists)

	store.failures = maxInsertAttempts
	_, err = f.service.CreateAppointment(context.Background(), &types.CreateAppointmentRequest{
		PatientID: testPatient.ID, DoctorID: testDoctor.ID, AppointmentDateTime: at(15, 0), Duration: 30,
	})
	assert.True(t, types.HasCode(err, types.ErrCodeIDSpaceExhausted))
}

func strPtr(s string) *string {
	return &s
}

// interleavingStore runs a competing operation at a chosen point of the
// operation under test: after its first read, or right before its first write
type interleavingStore struct {
	*MemoryRepository
	mu          sync.Mutex
	afterRead   func(ctx context.Context)
	beforeWrite func(ctx context.Context)
}

func (s *interleavingStore) take(hook *func(ctx context.Context)) func(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn := *hook
	*hook = nil
	return fn
}

func (s *interleavingStore) FindByAppointmentID(ctx context.Context, appointmentID string) (*types.Appointment, error) {
	apt, err := s.MemoryRepository.FindByAppointmentID(ctx, appointmentID)
	if fn := s.take(&s.afterRead); fn != nil {
		fn(ctx)
	}
	return apt, err
}

func (s *interleavingStore) Update(ctx context.Context, apt *types.Appointment) error {
	if fn := s.take(&s.beforeWrite); fn != nil {
		fn(ctx)
	}
	return s.MemoryRepository.Update(ctx, apt)
}

func (s *interleavingStore) WithDoctorDayLock(ctx context.Context, doctorID string, day time.Time, fn func(ctx context.Context, store interfaces.AppointmentStore) error) error {
	return s.MemoryRepository.WithDoctorDayLock(ctx, doctorID, day, func(ctx context.Context, _ interfaces.AppointmentStore) error {
		return fn(ctx, s)
	})
}

func (f *serviceFixture) interleave() *interleavingStore {
	store := &interleavingStore{MemoryRepository: f.store}
	f.service.store = store
	return store
}

// assertNoOverlaps fails when two active appointments of the test doctor overlap
func (f *serviceFixture) assertNoOverlaps(t *testing.T, day time.Time) {
	t.Helper()
	from, to := f.service.policy.DayBounds(day)
	all, err := f.store.FindByDoctorIDAndDateRange(context.Background(), testDoctor.ID, from, to)
	require.NoError(t, err)
	for _, apt := range all {
		if apt.Status == types.StatusCancelled {
			continue
		}
		conflicts := f.service.policy.FindConflicts(apt.AppointmentDateTime, apt.EndTime(), all, apt.AppointmentID)
		assert.Empty(t, conflicts, "appointment %s overlaps", apt.AppointmentID)
	}
}

func TestService_ConfirmAfterRescheduleKeepsNewSlot(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	a := f.book(t, at(10, 0), 30)
	store := f.interleave()

	var b *types.Appointment
	store.afterRead = func(ctx context.Context) {
		_, err := f.service.RescheduleAppointment(ctx, a.AppointmentID, at(15, 0), 0)
		require.NoError(t, err)
		b = f.book(t, at(10, 0), 30)
	}

	confirmed, err := f.service.ConfirmAppointment(ctx, a.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, confirmed.Status)
	assert.True(t, confirmed.AppointmentDateTime.Equal(at(15, 0)))

	stored, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
	require.NoError(t, err)
	assert.True(t, stored.AppointmentDateTime.Equal(at(15, 0)))
	require.NotNil(t, b)
	f.assertNoOverlaps(t, at(0, 0))
}

func TestService_StaleTransitionWriteIsRejected(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel loses to a complete written first", func(t *testing.T) {
		f := newServiceFixture(t)
		a := f.book(t, at(10, 0), 30)
		store := f.interleave()

		store.beforeWrite = func(ctx context.Context) {
			other, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
			require.NoError(t, err)
			require.NoError(t, other.Complete(testNow))
			require.NoError(t, f.store.Update(ctx, other))
		}

		_, err := f.service.CancelAppointment(ctx, a.AppointmentID, "changed plans")
		require.Error(t, err)
		assert.True(t, types.HasCode(err, types.ErrCodeConcurrentModification))
		assert.Equal(t, http.StatusConflict, types.HTTPStatus(err))

		stored, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, stored.Status)
		assert.Empty(t, stored.CancellationReason)
		assert.NotContains(t, f.notifier.kinds(), types.NotificationCancelled)
	})

	t.Run("confirm does not restore a rescheduled slot", func(t *testing.T) {
		f := newServiceFixture(t)
		a := f.book(t, at(10, 0), 30)
		store := f.interleave()

		store.beforeWrite = func(ctx context.Context) {
			moved, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
			require.NoError(t, err)
			require.NoError(t, moved.Reschedule(at(15, 0), 30, testNow))
			require.NoError(t, f.store.Update(ctx, moved))

			b := a.Clone()
			b.ID, b.AppointmentID, b.Version = "b", "APP-9999", 0
			require.NoError(t, f.store.Create(ctx, b))
		}

		_, err := f.service.ConfirmAppointment(ctx, a.AppointmentID)
		assert.True(t, types.HasCode(err, types.ErrCodeConcurrentModification))

		stored, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRescheduled, stored.Status)
		assert.True(t, stored.AppointmentDateTime.Equal(at(15, 0)))
		f.assertNoOverlaps(t, at(0, 0))
	})
}

func TestService_TransitionSeesCommittedTerminalStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel after complete", func(t *testing.T) {
		f := newServiceFixture(t)
		a := f.book(t, at(10, 0), 30)
		store := f.interleave()

		store.afterRead = func(ctx context.Context) {
			_, err := f.service.CompleteAppointment(ctx, a.AppointmentID)
			require.NoError(t, err)
		}

		_, err := f.service.CancelAppointment(ctx, a.AppointmentID, "")
		assert.True(t, types.HasCode(err, types.ErrCodeInvalidStateTransition))

		stored, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, stored.Status)
	})

	t.Run("notes update after cancel", func(t *testing.T) {
		f := newServiceFixture(t)
		a := f.book(t, at(10, 0), 30)
		store := f.interleave()

		store.afterRead = func(ctx context.Context) {
			_, err := f.service.CancelAppointment(ctx, a.AppointmentID, "")
			require.NoError(t, err)
		}

		_, err := f.service.UpdateAppointment(ctx, a.AppointmentID, &types.AppointmentUpdates{
			AdditionalNotes: strPtr("bring reports"),
		})
		assert.True(t, types.HasCode(err, types.ErrCodeInvalidStateTransition))

		stored, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, stored.Status)
		assert.Empty(t, stored.AdditionalNotes)
	})

	t.Run("reschedule after doctor change", func(t *testing.T) {
		f := newServiceFixture(t)
		a := f.book(t, at(10, 0), 30)
		store := f.interleave()

		store.afterRead = func(ctx context.Context) {
			moved, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
			require.NoError(t, err)
			moved.DoctorID = "doc-2"
			require.NoError(t, f.store.Update(ctx, moved))
		}

		_, err := f.service.RescheduleAppointment(ctx, a.AppointmentID, at(15, 0), 0)
		assert.True(t, types.HasCode(err, types.ErrCodeConcurrentModification))

		stored, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
		require.NoError(t, err)
		assert.True(t, stored.AppointmentDateTime.Equal(at(10, 0)))
	})
}

func TestService_ConcurrentTerminalTransitionsOneWins(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	for i := 0; i < 6; i++ {
		a := f.book(t, at(9+i, 0), 30)

		var wg sync.WaitGroup
		var completeErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, completeErr = f.service.CompleteAppointment(ctx, a.AppointmentID)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.service.CancelAppointment(ctx, a.AppointmentID, "")
		}()
		wg.Wait()

		stored, err := f.store.FindByAppointmentID(ctx, a.AppointmentID)
		require.NoError(t, err)
		switch {
		case completeErr == nil:
			assert.True(t, types.HasCode(cancelErr, types.ErrCodeInvalidStateTransition))
			assert.Equal(t, types.StatusCompleted, stored.Status)
		case cancelErr == nil:
			assert.True(t, types.HasCode(completeErr, types.ErrCodeInvalidStateTransition))
			assert.Equal(t, types.StatusCancelled, stored.Status)
		default:
			t.Fatalf("both transitions failed: %v / %v", completeErr, cancelErr)
		}
	}
}

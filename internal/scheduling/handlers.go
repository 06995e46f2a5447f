package scheduling

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/medrex/appointment-service/pkg/interfaces"
	"github.com/medrex/appointment-service/pkg/logger"
	"github.com/medrex/appointment-service/pkg/types"
)

// requestDateTimeLayouts are tried in order for appointment_datetime values
// without an explicit offset
var requestDateTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Handler exposes the appointment service over HTTP
type Handler struct {
	service  interfaces.AppointmentService
	location *time.Location
	logger   *logger.Logger
}

// NewHandler creates the HTTP handler. Offset-less datetimes are read in loc.
func NewHandler(service interfaces.AppointmentService, loc *time.Location, log *logger.Logger) *Handler {
	if loc == nil {
		loc = time.Local
	}
	return &Handler{service: service, location: loc, logger: log}
}

// RegisterRoutes configures the /api/v1 routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	// Appointment routes
	api.HandleFunc("/appointments", h.createAppointmentHandler).Methods(http.MethodPost)
	api.HandleFunc("/appointments", h.listAppointmentsHandler).Methods(http.MethodGet)
	api.HandleFunc("/appointments/search", h.searchAppointmentsHandler).Methods(http.MethodGet)
	api.HandleFunc("/appointments/stats", h.statsHandler).Methods(http.MethodGet)
	api.HandleFunc("/appointments/{id}", h.getAppointmentHandler).Methods(http.MethodGet)
	api.HandleFunc("/appointments/{id}", h.updateAppointmentHandler).Methods(http.MethodPut)
	api.HandleFunc("/appointments/{id}", h.deleteAppointmentHandler).Methods(http.MethodDelete)

	// Lifecycle
	api.HandleFunc("/appointments/{id}/confirm", h.confirmAppointmentHandler).Methods(http.MethodPut)
	api.HandleFunc("/appointments/{id}/cancel", h.cancelAppointmentHandler).Methods(http.MethodPut)
	api.HandleFunc("/appointments/{id}/reschedule", h.rescheduleAppointmentHandler).Methods(http.MethodPut)
	api.HandleFunc("/appointments/{id}/complete", h.completeAppointmentHandler).Methods(http.MethodPut)
	api.HandleFunc("/appointments/{id}/revisit", h.revisitAppointmentHandler).Methods(http.MethodPost)

	// Patient appointments
	api.HandleFunc("/patients/{patientId}/appointments/upcoming", h.patientUpcomingHandler).Methods(http.MethodGet)
	api.HandleFunc("/patients/{patientId}/appointments/history", h.patientHistoryHandler).Methods(http.MethodGet)

	// Doctor appointments and availability
	api.HandleFunc("/doctors/{doctorId}/appointments/upcoming", h.doctorUpcomingHandler).Methods(http.MethodGet)
	api.HandleFunc("/doctors/{doctorId}/appointments/history", h.doctorHistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/doctors/{doctorId}/appointments/completed", h.doctorCompletedHandler).Methods(http.MethodGet)
	api.HandleFunc("/doctors/{doctorId}/available-slots", h.availableSlotsHandler).Methods(http.MethodGet)

	h.logger.WithComponent("http").Info("Appointment service routes configured")
}

type createAppointmentBody struct {
	PatientID           string `json:"patient_id"`
	DoctorID            string `json:"doctor_id"`
	AppointmentDateTime string `json:"appointment_datetime"`
	Duration            int    `json:"duration"`
	Reason              string `json:"reason"`
	Symptoms            string `json:"symptoms"`
	AdditionalNotes     string `json:"additional_notes"`
}

type updateAppointmentBody struct {
	PatientID           *string `json:"patient_id"`
	DoctorID            *string `json:"doctor_id"`
	AppointmentDateTime *string `json:"appointment_datetime"`
	Duration            *int    `json:"duration"`
	Reason              *string `json:"reason"`
	Symptoms            *string `json:"symptoms"`
	AdditionalNotes     *string `json:"additional_notes"`
}

type rescheduleBody struct {
	AppointmentDateTime string `json:"appointment_datetime"`
	Duration            int    `json:"duration"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

type revisitBody struct {
	NewDate             string `json:"new_date"`
	NewTime             string `json:"new_time"`
	AppointmentDateTime string `json:"appointment_datetime"`
	Reason              string `json:"reason"`
}

// createAppointmentHandler handles appointment booking
func (h *Handler) createAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var body createAppointmentBody
	if err := decodeBody(r, &body); err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}

	start, err := h.parseDateTime("appointment_datetime", body.AppointmentDateTime)
	if err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}

	apt, err := h.service.CreateAppointment(r.Context(), &types.CreateAppointmentRequest{
		PatientID:           body.PatientID,
		DoctorID:            body.DoctorID,
		AppointmentDateTime: start,
		Duration:            body.Duration,
		Reason:              body.Reason,
		Symptoms:            body.Symptoms,
		AdditionalNotes:     body.AdditionalNotes,
	})
	if err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, apt)
}

func (h *Handler) listAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	appointments, err := h.service.ListAppointments(r.Context())
	h.respondList(w, r, appointments, err)
}

// searchAppointmentsHandler accepts status, startDate and endDate query parameters
func (h *Handler) searchAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appointments, err := h.service.SearchAppointments(r.Context(), q.Get("status"), q.Get("startDate"), q.Get("endDate"))
	h.respondList(w, r, appointments, err)
}

func (h *Handler) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, stats)
}

func (h *Handler) getAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	apt, err := h.service.GetAppointment(r.Context(), mux.Vars(r)["id"])
	h.respondAppointment(w, r, apt, err)
}

// updateAppointmentHandler applies a partial update
func (h *Handler) updateAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var body updateAppointmentBody
	if err := decodeBody(r, &body); err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}

	updates := &types.AppointmentUpdates{
		PatientID:       body.PatientID,
		DoctorID:        body.DoctorID,
		Duration:        body.Duration,
		Reason:          body.Reason,
		Symptoms:        body.Symptoms,
		AdditionalNotes: body.AdditionalNotes,
	}
	if body.AppointmentDateTime != nil {
		start, err := h.parseDateTime("appointment_datetime", *body.AppointmentDateTime)
		if err != nil {
			h.writeErrorResponse(w, r, err)
			return
		}
		updates.AppointmentDateTime = &start
	}

	apt, err := h.service.UpdateAppointment(r.Context(), mux.Vars(r)["id"], updates)
	h.respondAppointment(w, r, apt, err)
}

func (h *Handler) deleteAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteAppointment(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]string{"message": "Appointment deleted successfully"})
}

func (h *Handler) confirmAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	apt, err := h.service.ConfirmAppointment(r.Context(), mux.Vars(r)["id"])
	h.respondAppointment(w, r, apt, err)
}

func (h *Handler) completeAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	apt, err := h.service.CompleteAppointment(r.Context(), mux.Vars(r)["id"])
	h.respondAppointment(w, r, apt, err)
}

// cancelAppointmentHandler takes an optional {reason} body
func (h *Handler) cancelAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decodeOptionalBody(r, &body); err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}
	apt, err := h.service.CancelAppointment(r.Context(), mux.Vars(r)["id"], body.Reason)
	h.respondAppointment(w, r, apt, err)
}

func (h *Handler) rescheduleAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var body rescheduleBody
	if err := decodeBody(r, &body); err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}
	start, err := h.parseDateTime("appointment_datetime", body.AppointmentDateTime)
	if err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}
	apt, err := h.service.RescheduleAppointment(r.Context(), mux.Vars(r)["id"], start, body.Duration)
	h.respondAppointment(w, r, apt, err)
}

// revisitAppointmentHandler accepts {new_date, new_time, reason} or {appointment_datetime, reason}
func (h *Handler) revisitAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	var body revisitBody
	if err := decodeBody(r, &body); err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}

	raw := body.AppointmentDateTime
	field := "appointment_datetime"
	if raw == "" && (body.NewDate != "" || body.NewTime != "") {
		if body.NewDate == "" {
			h.writeErrorResponse(w, r, types.MissingRequiredField("new_date"))
			return
		}
		if body.NewTime == "" {
			h.writeErrorResponse(w, r, types.MissingRequiredField("new_time"))
			return
		}
		raw = body.NewDate + "T" + body.NewTime
		field = "new_date"
	}

	start, err := h.parseDateTime(field, raw)
	if err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}

	apt, err := h.service.RevisitAppointment(r.Context(), mux.Vars(r)["id"], &types.RevisitRequest{
		AppointmentDateTime: start,
		Reason:              body.Reason,
	})
	if err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, apt)
}

func (h *Handler) patientUpcomingHandler(w http.ResponseWriter, r *http.Request) {
	appointments, err := h.service.GetUpcomingForPatient(r.Context(), mux.Vars(r)["patientId"])
	h.respondList(w, r, appointments, err)
}

func (h *Handler) patientHistoryHandler(w http.ResponseWriter, r *http.Request) {
	appointments, err := h.service.GetHistoryForPatient(r.Context(), mux.Vars(r)["patientId"])
	h.respondList(w, r, appointments, err)
}

func (h *Handler) doctorUpcomingHandler(w http.ResponseWriter, r *http.Request) {
	appointments, err := h.service.GetUpcomingForDoctor(r.Context(), mux.Vars(r)["doctorId"])
	h.respondList(w, r, appointments, err)
}

func (h *Handler) doctorHistoryHandler(w http.ResponseWriter, r *http.Request) {
	appointments, err := h.service.GetHistoryForDoctor(r.Context(), mux.Vars(r)["doctorId"])
	h.respondList(w, r, appointments, err)
}

func (h *Handler) doctorCompletedHandler(w http.ResponseWriter, r *http.Request) {
	appointments, err := h.service.GetCompletedForDoctor(r.Context(), mux.Vars(r)["doctorId"])
	h.respondList(w, r, appointments, err)
}

// availableSlotsHandler lists free slots for ?date=YYYY-MM-DD
func (h *Handler) availableSlotsHandler(w http.ResponseWriter, r *http.Request) {
	slots, err := h.service.GetAvailableSlots(r.Context(), mux.Vars(r)["doctorId"], r.URL.Query().Get("date"))
	if err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, slots)
}

// parseDateTime reads RFC 3339 or an offset-less local datetime in the clinic zone
func (h *Handler) parseDateTime(field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, types.MissingRequiredField(field)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range requestDateTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, h.location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, types.InvalidDateFormat(value, time.RFC3339)
}

func decodeBody(r *http.Request, out interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return types.NewValidationError(types.ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"reason": err.Error(),
		})
	}
	return nil
}

// decodeOptionalBody tolerates an empty body
func decodeOptionalBody(r *http.Request, out interface{}) error {
	err := json.NewDecoder(r.Body).Decode(out)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return types.NewValidationError(types.ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
		"reason": err.Error(),
	})
}

func (h *Handler) respondAppointment(w http.ResponseWriter, r *http.Request, apt *types.Appointment, err error) {
	if err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, apt)
}

func (h *Handler) respondList(w http.ResponseWriter, r *http.Request, appointments []*types.Appointment, err error) {
	if err != nil {
		h.writeErrorResponse(w, r, err)
		return
	}
	if appointments == nil {
		appointments = []*types.Appointment{}
	}
	h.writeJSONResponse(w, http.StatusOK, appointments)
}

// writeJSONResponse writes a JSON response
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeErrorResponse maps err to its HTTP status. Internal causes are logged, not returned.
func (h *Handler) writeErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := types.HTTPStatus(err)
	response := map[string]interface{}{
		"status": statusCode,
	}

	appErr, ok := types.AsAppError(err)
	switch {
	case ok && appErr.Type != types.ErrorTypeInternal:
		response["error"] = appErr.Message
		response["code"] = appErr.Code
		if len(appErr.Details) > 0 {
			response["details"] = appErr.Details
		}
		h.logger.WithContext(r.Context()).WithField("code", appErr.Code).Info(appErr.Message)
	default:
		response["error"] = "An unexpected error occurred"
		response["code"] = types.ErrCodeInternalError
		h.logger.WithContext(r.Context()).WithError(err).Error("Request failed")
	}

	h.writeJSONResponse(w, statusCode, response)
}

package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sony/gobreaker/v2"

	"github.com/medrex/appointment-service/pkg/config"
	"github.com/medrex/appointment-service/pkg/logger"
	"github.com/medrex/appointment-service/pkg/monitoring"
	"github.com/medrex/appointment-service/pkg/types"
)

// patientEnvelope is the patient service response wrapper
type patientEnvelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    *patientDTO `json:"data"`
}

type patientDTO struct {
	ID          string `json:"id"`
	FullName    string `json:"fullName"`
	Age         int    `json:"age"`
	PhoneNumber string `json:"phoneNumber"`
	Email       string `json:"email"`
}

// PatientClient validates patient ids against the patient service
type PatientClient struct {
	lookup  lookupClient
	breaker *gobreaker.CircuitBreaker[*types.PatientSnapshot]
}

// NewPatientClient creates a patient validator
func NewPatientClient(cfg *config.ServicesConfig, httpClient *http.Client, log *logger.Logger, metrics *monitoring.MetricsCollector) *PatientClient {
	return &PatientClient{
		lookup:  newLookupClient("patient-service", cfg.Patient, httpClient, log, metrics),
		breaker: newBreaker[*types.PatientSnapshot]("patient-service", cfg.Breaker, log, metrics),
	}
}

// ValidatePatient implements interfaces.PatientValidator
func (c *PatientClient) ValidatePatient(ctx context.Context, patientID string) (*types.PatientSnapshot, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, types.MissingRequiredField("patient_id")
	}

	snapshot, err := c.breaker.Execute(func() (*types.PatientSnapshot, error) {
		return c.fetch(ctx, patientID)
	})
	c.lookup.metrics.RecordUpstreamLookup(c.lookup.name, lookupOutcome(err))

	switch {
	case err == nil:
		return snapshot, nil
	case errors.Is(err, errNotFound):
		return nil, types.PatientNotFound(patientID)
	default:
		c.lookup.logger.WithContext(ctx).WithError(err).WithField("patient_id", patientID).
			Error("Patient lookup failed")
		return nil, upstreamFailure(c.lookup.name, err)
	}
}

func (c *PatientClient) fetch(ctx context.Context, patientID string) (*types.PatientSnapshot, error) {
	var envelope patientEnvelope
	if err := c.lookup.getJSON(ctx, patientID, &envelope); err != nil {
		return nil, err
	}
	if !envelope.Success || envelope.Data == nil {
		return nil, errNotFound
	}

	dto := envelope.Data
	id := dto.ID
	if id == "" {
		id = patientID
	}
	return &types.PatientSnapshot{
		ID:          id,
		FullName:    dto.FullName,
		Email:       dto.Email,
		PhoneNumber: dto.PhoneNumber,
		Age:         dto.Age,
	}, nil
}

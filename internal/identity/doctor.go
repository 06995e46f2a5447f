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

type doctorDTO struct {
	ID             string `json:"id"`
	FullName       string `json:"fullName"`
	Specialization string `json:"specialization"`
	Department     string `json:"department"`
	ContactNumber  string `json:"contactNumber"`
	Email          string `json:"email"`
}

// DoctorClient resolves doctors against the doctor service and falls back
// to the last cached snapshot when the service cannot be reached
type DoctorClient struct {
	lookup  lookupClient
	breaker *gobreaker.CircuitBreaker[*types.DoctorSnapshot]
	cache   DoctorCache
}

// NewDoctorClient creates a doctor validator. cache may be nil.
func NewDoctorClient(cfg *config.ServicesConfig, httpClient *http.Client, cache DoctorCache, log *logger.Logger, metrics *monitoring.MetricsCollector) *DoctorClient {
	return &DoctorClient{
		lookup:  newLookupClient("doctor-service", cfg.Doctor, httpClient, log, metrics),
		breaker: newBreaker[*types.DoctorSnapshot]("doctor-service", cfg.Breaker, log, metrics),
		cache:   cache,
	}
}

// FetchDoctor implements interfaces.DoctorValidator
func (c *DoctorClient) FetchDoctor(ctx context.Context, doctorID string) (*types.DoctorSnapshot, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return nil, types.MissingRequiredField("doctor_id")
	}

	log := c.lookup.logger.WithContext(ctx).WithField("doctor_id", doctorID)

	doctor, err := c.breaker.Execute(func() (*types.DoctorSnapshot, error) {
		return c.fetch(ctx, doctorID)
	})
	c.lookup.metrics.RecordUpstreamLookup(c.lookup.name, lookupOutcome(err))

	if err == nil {
		if c.cache != nil {
			if cerr := c.cache.Set(ctx, doctor); cerr != nil {
				log.WithError(cerr).Warn("Failed to refresh doctor cache")
			}
		}
		return doctor, nil
	}

	if errors.Is(err, errNotFound) {
		return nil, types.DoctorNotFound(doctorID)
	}

	log.WithError(err).Warn("Doctor service unavailable, trying fallback cache")
	if c.cache != nil {
		cached, cerr := c.cache.Get(ctx, doctorID)
		if cerr != nil {
			log.WithError(cerr).Warn("Doctor fallback cache read failed")
		}
		if cached != nil {
			c.lookup.metrics.RecordUpstreamLookup(c.lookup.name, "cache_fallback")
			return cached, nil
		}
	}

	return nil, types.DoctorNotFound(doctorID).WithDetail("upstream_error", err.Error())
}

func (c *DoctorClient) fetch(ctx context.Context, doctorID string) (*types.DoctorSnapshot, error) {
	var dto doctorDTO
	if err := c.lookup.getJSON(ctx, doctorID, &dto); err != nil {
		return nil, err
	}
	if dto.ID == "" && dto.FullName == "" {
		return nil, errNotFound
	}

	id := dto.ID
	if id == "" {
		id = doctorID
	}
	return &types.DoctorSnapshot{
		ID:             id,
		FullName:       dto.FullName,
		Department:     dto.Department,
		Specialization: dto.Specialization,
		Email:          dto.Email,
		ContactNumber:  dto.ContactNumber,
	}, nil
}

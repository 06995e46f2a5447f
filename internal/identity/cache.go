package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medrex/appointment-service/pkg/types"
)

// DoctorCache stores the last known good doctor snapshots
type DoctorCache interface {
	Get(ctx context.Context, doctorID string) (*types.DoctorSnapshot, error)
	Set(ctx context.Context, doctor *types.DoctorSnapshot) error
}

// RedisDoctorCache keeps doctor snapshots in Redis as JSON
type RedisDoctorCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDoctorCache creates a cache; a zero ttl keeps entries forever
func NewRedisDoctorCache(client redis.UniversalClient, ttl time.Duration) *RedisDoctorCache {
	return &RedisDoctorCache{
		client: client,
		prefix: "appointment-service:doctor:",
		ttl:    ttl,
	}
}

// Get returns the cached snapshot, or nil without error on a miss
func (c *RedisDoctorCache) Get(ctx context.Context, doctorID string) (*types.DoctorSnapshot, error) {
	raw, err := c.client.Get(ctx, c.prefix+doctorID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read doctor %s from cache: %w", doctorID, err)
	}

	var doctor types.DoctorSnapshot
	if err := json.Unmarshal(raw, &doctor); err != nil {
		return nil, fmt.Errorf("failed to decode cached doctor %s: %w", doctorID, err)
	}
	return &doctor, nil
}

// Set stores a snapshot
func (c *RedisDoctorCache) Set(ctx context.Context, doctor *types.DoctorSnapshot) error {
	raw, err := json.Marshal(doctor)
	if err != nil {
		return fmt.Errorf("failed to encode doctor %s: %w", doctor.ID, err)
	}
	if err := c.client.Set(ctx, c.prefix+doctor.ID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache doctor %s: %w", doctor.ID, err)
	}
	return nil
}

package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SettingsCache keeps clinic settings in Redis so reminder jobs and booking
// paths avoid a clinics row read per appointment.
type SettingsCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSettingsCache creates a cache; a zero ttl keeps entries until
// invalidated.
func NewSettingsCache(client *redis.Client, ttl time.Duration) *SettingsCache {
	return &SettingsCache{redis: client, ttl: ttl}
}

func (s *SettingsCache) key(clinicID uuid.UUID) string {
	return fmt.Sprintf("clinic:settings:%s", clinicID)
}

// Get returns cached settings and whether they were present.
func (s *SettingsCache) Get(ctx context.Context, clinicID uuid.UUID) (Settings, bool, error) {
	var settings Settings
	data, err := s.redis.Get(ctx, s.key(clinicID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return settings, false, nil
	}
	if err != nil {
		return settings, false, fmt.Errorf("clinic: get settings: %w", err)
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return settings, false, fmt.Errorf("clinic: unmarshal settings: %w", err)
	}
	return settings, true, nil
}

func (s *SettingsCache) Set(ctx context.Context, clinicID uuid.UUID, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("clinic: marshal settings: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(clinicID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("clinic: set settings: %w", err)
	}
	return nil
}

func (s *SettingsCache) Invalidate(ctx context.Context, clinicID uuid.UUID) error {
	if err := s.redis.Del(ctx, s.key(clinicID)).Err(); err != nil {
		return fmt.Errorf("clinic: invalidate settings: %w", err)
	}
	return nil
}

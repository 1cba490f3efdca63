package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/usms-stats/internal/reconcile"
	"github.com/smukkama/usms-stats/internal/sensor"
)

const (
	valuePrefix  = "usms:value:"
	statusPrefix = "usms:status:"
)

// Store keeps sensor values and refresh status in Redis so read-only views
// survive restarts and can be served by other processes.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewStore creates a state store. Keys expire after ttl; zero keeps them.
func NewStore(redisClient *redis.Client, ttl time.Duration) *Store {
	return &Store{redis: redisClient, ttl: ttl}
}

// Connect opens a Redis client and checks it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func valueKey(sensorID string) string { return valuePrefix + sensorID }

func statusKey(regNo string) string { return statusPrefix + regNo }

// SaveValue stores the current value of a sensor.
func (s *Store) SaveValue(ctx context.Context, v sensor.Value) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := s.redis.Set(ctx, valueKey(v.SensorID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set value in Redis: %w", err)
	}
	return nil
}

// Value returns the stored value of a sensor.
func (s *Store) Value(ctx context.Context, sensorID string) (*sensor.Value, error) {
	data, err := s.redis.Get(ctx, valueKey(sensorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get value from Redis: %w", err)
	}

	var v sensor.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return &v, nil
}

// Values returns every stored sensor value ordered by sensor id.
func (s *Store) Values(ctx context.Context) ([]sensor.Value, error) {
	var keys []string
	iter := s.redis.Scan(ctx, 0, valuePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan values: %w", err)
	}

	values := make([]sensor.Value, 0, len(keys))
	for _, key := range keys {
		data, err := s.redis.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var v sensor.Value
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].SensorID < values[j].SensorID })
	return values, nil
}

// SaveStatus stores the refresh status of an account.
func (s *Store) SaveStatus(ctx context.Context, regNo string, snap reconcile.StateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := s.redis.Set(ctx, statusKey(regNo), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status in Redis: %w", err)
	}
	return nil
}

// Status returns the stored refresh status of an account. A missing status
// reads as unavailable.
func (s *Store) Status(ctx context.Context, regNo string) (reconcile.StateSnapshot, error) {
	data, err := s.redis.Get(ctx, statusKey(regNo)).Bytes()
	if errors.Is(err, redis.Nil) {
		return reconcile.StateSnapshot{}, nil
	}
	if err != nil {
		return reconcile.StateSnapshot{}, fmt.Errorf("failed to get status from Redis: %w", err)
	}

	var snap reconcile.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return reconcile.StateSnapshot{}, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return snap, nil
}

// DeleteAccount removes the stored status of an account, as on unload.
func (s *Store) DeleteAccount(ctx context.Context, regNo string) error {
	return s.redis.Del(ctx, statusKey(regNo)).Err()
}

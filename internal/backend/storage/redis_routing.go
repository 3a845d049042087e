package storage

import (
	"WaFleet/internal/backend/models"
	"WaFleet/internal/config"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	routeKeyPrefix    = "wafleet:route:"
	snapshotKeyPrefix = "wafleet:worker:"
	fleetEventChannel = "wafleet:fleet:events"

	// TTL защищает от вечно протухших записей если durable store
	// и кеш разъедутся; консьюмеры обязаны переживать cache miss
	routeTTL    = 24 * time.Hour
	snapshotTTL = 10 * time.Minute
)

type redisRoutingIndex struct {
	client *redis.Client
}

func NewRoutingIndex(cfg *config.RedisConfig, log *slog.Logger) (RoutingIndex, error) {
	client := redis.NewClient(cfg.GetRedisOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Connected to Redis")
	return &redisRoutingIndex{client: client}, nil
}

// SetSessionRoute пишет указатель sessionId -> workerId
func (r *redisRoutingIndex) SetSessionRoute(ctx context.Context, sessionID, workerID string) error {
	return r.client.Set(ctx, routeKeyPrefix+sessionID, workerID, routeTTL).Err()
}

// GetSessionRoute возвращает workerId либо "" на cache miss
func (r *redisRoutingIndex) GetSessionRoute(ctx context.Context, sessionID string) (string, error) {
	workerID, err := r.client.Get(ctx, routeKeyPrefix+sessionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis GET route failed: %w", err)
	}
	return workerID, nil
}

func (r *redisRoutingIndex) DeleteSessionRoute(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, routeKeyPrefix+sessionID).Err()
}

func (r *redisRoutingIndex) SetWorkerSnapshot(ctx context.Context, snapshot *models.WorkerSnapshot) error {
	snapshot.UpdatedAt = time.Now()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal worker snapshot: %w", err)
	}

	return r.client.Set(ctx, snapshotKeyPrefix+snapshot.WorkerID, data, snapshotTTL).Err()
}

// GetWorkerSnapshot возвращает nil на cache miss, это не ошибка
func (r *redisRoutingIndex) GetWorkerSnapshot(ctx context.Context, workerID string) (*models.WorkerSnapshot, error) {
	data, err := r.client.Get(ctx, snapshotKeyPrefix+workerID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis GET snapshot failed: %w", err)
	}

	var snapshot models.WorkerSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		// битый снимок равносилен cache miss
		slog.Warn("dropping malformed worker snapshot", "worker_id", workerID, "error", err)
		return nil, nil
	}

	return &snapshot, nil
}

func (r *redisRoutingIndex) DeleteWorkerSnapshot(ctx context.Context, workerID string) error {
	return r.client.Del(ctx, snapshotKeyPrefix+workerID).Err()
}

// PublishEvent шлет fleet событие подписчикам (дашборды, алерты)
func (r *redisRoutingIndex) PublishEvent(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, fleetEventChannel, data).Err()
}

func (r *redisRoutingIndex) Close() error {
	return r.client.Close()
}

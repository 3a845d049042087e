package storage

import (
	"WaFleet/internal/backend/models"
	"WaFleet/pkg/uuidutil"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type metricsStore struct {
	pool *pgxpool.Pool
}

func NewMetricsStore(pool *pgxpool.Pool) MetricsStore {
	return &metricsStore{pool: pool}
}

// Append пишет точку метрик воркера. Вызывается best-effort из
// heartbeat-а: ошибка здесь логируется и не валит heartbeat.
func (s *metricsStore) Append(ctx context.Context, sample *models.WorkerMetricsSample) error {
	sample.ID = uuidutil.New()
	sample.CreatedAt = time.Now()

	query := `
		INSERT INTO worker_metrics (id, worker_id, cpu_usage, memory_usage, session_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		sample.ID,
		sample.WorkerID,
		sample.CPUUsage,
		sample.MemoryUsage,
		sample.SessionCount,
		sample.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to append worker metrics sample: %w", err)
	}

	return nil
}

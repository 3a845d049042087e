package storage

import (
	"WaFleet/internal/backend/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrDuplicateWorker  = errors.New("worker with this endpoint already exists")
	ErrInvalidWorkerRow = errors.New("invalid worker row")
)

type workerStore struct {
	pool *pgxpool.Pool
}

func NewWorkerStore(pool *pgxpool.Pool) WorkerStore {
	return &workerStore{pool: pool}
}

const workerColumns = `id, endpoint, status, session_count, max_sessions,
		cpu_usage, memory_usage, description, version, environment,
		last_heartbeat, registered_at, updated_at`

// Upsert вставляет воркера либо обновляет существующую запись по id.
// Перерегистрация той же пары (id, endpoint) освежает запись, не дублирует.
func (s *workerStore) Upsert(ctx context.Context, worker *models.Worker) error {
	now := time.Now()
	if worker.RegisteredAt.IsZero() {
		worker.RegisteredAt = now
	}
	worker.UpdatedAt = now

	query := `
		INSERT INTO workers (id, endpoint, status, session_count, max_sessions,
			cpu_usage, memory_usage, description, version, environment,
			last_heartbeat, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			status = EXCLUDED.status,
			max_sessions = EXCLUDED.max_sessions,
			description = EXCLUDED.description,
			version = EXCLUDED.version,
			environment = EXCLUDED.environment,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		worker.ID,
		worker.Endpoint,
		worker.Status,
		worker.SessionCount,
		worker.MaxSessions,
		worker.CPUUsage,
		worker.MemoryUsage,
		worker.Description,
		worker.Version,
		worker.Environment,
		worker.LastHeartbeat,
		worker.RegisteredAt,
		worker.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}

	return nil
}

func (s *workerStore) GetByID(ctx context.Context, id string) (*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

func (s *workerStore) GetByEndpoint(ctx context.Context, endpoint string) (*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE endpoint = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, endpoint))
}

func (s *workerStore) List(ctx context.Context) ([]*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	return s.scanRows(rows)
}

func (s *workerStore) ListByStatus(ctx context.Context, status models.WorkerStatus) ([]*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE status = $1 ORDER BY id`

	rows, err := s.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers by status: %w", err)
	}
	defer rows.Close()

	return s.scanRows(rows)
}

// UpdateHeartbeat применяет worker-level поля heartbeat-а одной записью
func (s *workerStore) UpdateHeartbeat(ctx context.Context, worker *models.Worker) error {
	query := `
		UPDATE workers
		SET status = $1, session_count = $2, max_sessions = $3,
			cpu_usage = $4, memory_usage = $5, version = $6, environment = $7,
			last_heartbeat = $8, updated_at = $9
		WHERE id = $10
	`

	result, err := s.pool.Exec(ctx, query,
		worker.Status,
		worker.SessionCount,
		worker.MaxSessions,
		worker.CPUUsage,
		worker.MemoryUsage,
		worker.Version,
		worker.Environment,
		worker.LastHeartbeat,
		time.Now(),
		worker.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update worker heartbeat: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, worker.ID)
	}

	return nil
}

func (s *workerStore) UpdateStatus(ctx context.Context, id string, status models.WorkerStatus) error {
	query := `
		UPDATE workers
		SET status = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := s.pool.Exec(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update worker status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}

	return nil
}

// SetSessionCount выставляет счетчик авторитативно (recovery reconciliation)
func (s *workerStore) SetSessionCount(ctx context.Context, id string, count int) error {
	if count < 0 {
		count = 0
	}

	query := `
		UPDATE workers
		SET session_count = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := s.pool.Exec(ctx, query, count, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set worker session count: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}

	return nil
}

// ClaimSlot атомарный conditional increment: слот достается ровно одному
// конкурентному запросу, перегрузить воркер сверх max_sessions нельзя.
func (s *workerStore) ClaimSlot(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE workers
		SET session_count = session_count + 1, updated_at = $1
		WHERE id = $2 AND session_count < max_sessions
	`

	result, err := s.pool.Exec(ctx, query, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim worker slot: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ReleaseSlot декремент с clamp-ом на нуле
func (s *workerStore) ReleaseSlot(ctx context.Context, id string) error {
	query := `
		UPDATE workers
		SET session_count = GREATEST(session_count - 1, 0), updated_at = $1
		WHERE id = $2
	`

	_, err := s.pool.Exec(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to release worker slot: %w", err)
	}

	return nil
}

func (s *workerStore) Delete(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}

	return nil
}

func (s *workerStore) scanOne(row pgx.Row) (*models.Worker, error) {
	var worker models.Worker
	var lastHeartbeat *time.Time

	err := row.Scan(
		&worker.ID,
		&worker.Endpoint,
		&worker.Status,
		&worker.SessionCount,
		&worker.MaxSessions,
		&worker.CPUUsage,
		&worker.MemoryUsage,
		&worker.Description,
		&worker.Version,
		&worker.Environment,
		&lastHeartbeat,
		&worker.RegisteredAt,
		&worker.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan worker row: %w", err)
	}

	if lastHeartbeat != nil {
		worker.LastHeartbeat = *lastHeartbeat
	}

	return &worker, nil
}

func (s *workerStore) scanRows(rows pgx.Rows) ([]*models.Worker, error) {
	var workers []*models.Worker

	for rows.Next() {
		worker, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating worker rows: %w", err)
	}

	return workers, nil
}

package storage

import (
	"WaFleet/internal/backend/models"
	"context"
)

// WorkerStore интерфейс для работы с воркерами (durable fleet store)
type WorkerStore interface {
	Upsert(ctx context.Context, worker *models.Worker) error
	GetByID(ctx context.Context, id string) (*models.Worker, error)
	GetByEndpoint(ctx context.Context, endpoint string) (*models.Worker, error)
	List(ctx context.Context) ([]*models.Worker, error)
	ListByStatus(ctx context.Context, status models.WorkerStatus) ([]*models.Worker, error)
	UpdateHeartbeat(ctx context.Context, worker *models.Worker) error
	UpdateStatus(ctx context.Context, id string, status models.WorkerStatus) error
	SetSessionCount(ctx context.Context, id string, count int) error
	ClaimSlot(ctx context.Context, id string) (bool, error)
	ReleaseSlot(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// SessionStore интерфейс для работы с сессиями
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListActiveByWorker(ctx context.Context, workerID string) ([]*models.Session, error)
	ListAssignedWithOwners(ctx context.Context, workerID string) ([]*models.AssignedSession, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	UpdateAssignment(ctx context.Context, id string, status models.SessionStatus, workerID *string) error
	SyncState(ctx context.Context, id string, state *models.SessionState) (bool, error)
	DetachAllFromWorker(ctx context.Context, workerID string) (int64, error)
	Delete(ctx context.Context, id string) error
}

// UserStore read-only справочник пользователей, аккаунты живут снаружи
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// RoutingIndex быстрый не-авторитативный индекс поверх Redis.
// Все ошибки записи best-effort: логируются и не валят основную операцию.
type RoutingIndex interface {
	SetSessionRoute(ctx context.Context, sessionID, workerID string) error
	GetSessionRoute(ctx context.Context, sessionID string) (string, error)
	DeleteSessionRoute(ctx context.Context, sessionID string) error
	SetWorkerSnapshot(ctx context.Context, snapshot *models.WorkerSnapshot) error
	GetWorkerSnapshot(ctx context.Context, workerID string) (*models.WorkerSnapshot, error)
	DeleteWorkerSnapshot(ctx context.Context, workerID string) error
	PublishEvent(ctx context.Context, event interface{}) error
	Close() error
}

// MetricsStore time-series хранилище точек метрик воркеров
type MetricsStore interface {
	Append(ctx context.Context, sample *models.WorkerMetricsSample) error
}

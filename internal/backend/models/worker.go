package models

import "time"

type WorkerStatus string

const (
	WorkerStatusOnline      WorkerStatus = "online"
	WorkerStatusOffline     WorkerStatus = "offline"
	WorkerStatusMaintenance WorkerStatus = "maintenance"
)

func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusOnline, WorkerStatusOffline, WorkerStatusMaintenance:
		return true
	}
	return false
}

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvTesting, EnvProduction:
		return true
	}
	return false
}

// Worker внешний процесс который держит живые WhatsApp сессии
type Worker struct {
	ID            string       `json:"workerId"`
	Endpoint      string       `json:"endpoint"`
	Status        WorkerStatus `json:"status"`
	SessionCount  int          `json:"sessionCount"`
	MaxSessions   int          `json:"maxSessions"`
	CPUUsage      float64      `json:"cpuUsage"`
	MemoryUsage   float64      `json:"memoryUsage"`
	Description   string       `json:"description,omitempty"`
	Version       string       `json:"version,omitempty"`
	Environment   Environment  `json:"environment"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	RegisteredAt  time.Time    `json:"registeredAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// HasCapacity сообщает может ли воркер принять новую сессию
func (w *Worker) HasCapacity() bool {
	return w.SessionCount < w.MaxSessions
}

type RegisterWorkerRequest struct {
	WorkerID    string      `json:"workerId" binding:"required"`
	Endpoint    string      `json:"endpoint" binding:"required"`
	MaxSessions int         `json:"maxSessions"`
	Description string      `json:"description"`
	Version     string      `json:"version"`
	Environment Environment `json:"environment"`
}

// RegisterWorkerResult результат регистрации вместе с recovery сценарием
type RegisterWorkerResult struct {
	Worker               *Worker `json:"worker"`
	RecoveryRequired     bool    `json:"recoveryRequired"`
	AssignedSessionCount int     `json:"assignedSessionCount"`
}

type RemoveWorkerResult struct {
	WorkerID         string `json:"workerId"`
	MigratedSessions int64  `json:"migratedSessions"`
}

// WorkerSnapshot денормализованный снимок воркера в routing cache.
// Не авторитативен, перестраивается из базы в любой момент.
type WorkerSnapshot struct {
	WorkerID     string            `json:"workerId"`
	Endpoint     string            `json:"endpoint"`
	Status       WorkerStatus      `json:"status"`
	SessionCount int               `json:"sessionCount"`
	MaxSessions  int               `json:"maxSessions"`
	Breakdown    *SessionBreakdown `json:"sessionBreakdown,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// WorkerMetricsSample точка метрик для time-series аналитики
type WorkerMetricsSample struct {
	ID           string    `json:"id"`
	WorkerID     string    `json:"workerId"`
	CPUUsage     float64   `json:"cpuUsage"`
	MemoryUsage  float64   `json:"memoryUsage"`
	SessionCount int       `json:"sessionCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

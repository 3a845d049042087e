package services

import (
	"WaFleet/internal/backend/models"
	"time"
)

// Веса скоринга: capacity доминирует (0-100) чтобы жестко предпочитать
// недогруженные воркеры; health и resource вторичные сигналы (0-50);
// stability скромный бонус недавно живым воркерам (0-25); qr penalty
// отталкивает от воркеров в середине аутентификации не исключая их.
const (
	capacityWeight    = 100.0
	healthWeight      = 50.0
	resourceDivisor   = 4.0
	stabilityCapMin   = 25.0
	qrPenaltyPerEntry = 2.0
)

// ScoreWorker считает fitness воркера для новой сессии, меньше — лучше.
// Чистая функция без I/O, детерминирована на своих входах.
//
// Enhanced режим при наличии breakdown из кеша, basic режим на cache miss.
func ScoreWorker(worker *models.Worker, breakdown *models.SessionBreakdown, now time.Time) float64 {
	if breakdown != nil {
		return enhancedScore(worker, breakdown, now)
	}
	return basicScore(worker, now)
}

func enhancedScore(worker *models.Worker, b *models.SessionBreakdown, now time.Time) float64 {
	capacity := capacityScore(b.Total, worker.MaxSessions)

	total := b.Total
	if total < 1 {
		total = 1
	}
	health := float64(b.Error+b.Reconnecting) / float64(total) * healthWeight

	resource := (worker.CPUUsage + worker.MemoryUsage) / resourceDivisor
	stability := stabilityScore(worker.LastHeartbeat, now)
	qrPenalty := float64(b.QRRequired) * qrPenaltyPerEntry

	return capacity + health + resource + stability + qrPenalty
}

func basicScore(worker *models.Worker, now time.Time) float64 {
	capacity := capacityScore(worker.SessionCount, worker.MaxSessions)
	resource := (worker.CPUUsage + worker.MemoryUsage) / resourceDivisor
	stability := stabilityScore(worker.LastHeartbeat, now)

	return capacity + resource + stability
}

func capacityScore(sessions, maxSessions int) float64 {
	if maxSessions <= 0 {
		// воркер без capacity всегда худший по этому терму
		return capacityWeight
	}
	return float64(sessions) / float64(maxSessions) * capacityWeight
}

// stabilityScore минуты с последнего heartbeat-а, с потолком
func stabilityScore(lastHeartbeat time.Time, now time.Time) float64 {
	if lastHeartbeat.IsZero() {
		return stabilityCapMin
	}

	minutes := now.Sub(lastHeartbeat).Minutes()
	if minutes < 0 {
		return 0
	}
	if minutes > stabilityCapMin {
		return stabilityCapMin
	}
	return minutes
}

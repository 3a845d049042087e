package handlers

import (
	"WaFleet/internal/backend/models"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RegisterWorker регистрирует воркера (upsert по паре id+endpoint)
func (h *Handlers) RegisterWorker(c *gin.Context) {
	var req models.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid register request", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", "Invalid request body"))
		return
	}

	result, err := h.fleetService.RegisterWorker(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	worker := result.Worker
	c.JSON(http.StatusCreated, SuccessResponse("worker_registered", gin.H{
		"workerId":             worker.ID,
		"endpoint":             worker.Endpoint,
		"status":               worker.Status,
		"maxSessions":          worker.MaxSessions,
		"version":              worker.Version,
		"environment":          worker.Environment,
		"registeredAt":         worker.RegisteredAt,
		"recoveryRequired":     result.RecoveryRequired,
		"assignedSessionCount": result.AssignedSessionCount,
	}))
}

// Heartbeat принимает push heartbeat воркера. Оба поколения схемы
// нормализуются в канонический record до передачи в координатор.
func (h *Handlers) Heartbeat(c *gin.Context) {
	workerID := c.Param("id")

	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid heartbeat request", "worker_id", workerID, "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", "Invalid request body"))
		return
	}

	record, err := models.NormalizeHeartbeat(&req, time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", err.Error()))
		return
	}

	result, err := h.fleetService.UpdateWorkerHeartbeat(c.Request.Context(), workerID, record)
	if err != nil {
		h.respondError(c, err)
		return
	}

	worker := result.Worker
	c.JSON(http.StatusOK, SuccessResponse("heartbeat_received", gin.H{
		"workerId":             worker.ID,
		"status":               worker.Status,
		"lastHeartbeat":        worker.LastHeartbeat,
		"sessionCount":         worker.SessionCount,
		"sessionsProcessed":    result.SessionsProcessed,
		"sessionsSynced":       result.SessionsSynced,
		"staleWorkersDetected": result.StaleWorkersDetected,
		"metrics": gin.H{
			"cpuUsage":    worker.CPUUsage,
			"memoryUsage": worker.MemoryUsage,
		},
		"capabilities": gin.H{
			"maxSessions": worker.MaxSessions,
			"version":     worker.Version,
			"environment": worker.Environment,
		},
	}))
}

// RemoveWorker удаляет воркера, отцепив все его сессии
func (h *Handlers) RemoveWorker(c *gin.Context) {
	workerID := c.Param("id")

	result, err := h.fleetService.RemoveWorker(c.Request.Context(), workerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("worker_removed", gin.H{
		"workerId":         result.WorkerID,
		"migratedSessions": result.MigratedSessions,
	}))
}

// ListWorkers список воркеров флота
func (h *Handlers) ListWorkers(c *gin.Context) {
	workers, err := h.fleetService.ListWorkers(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("workers_list", gin.H{
		"workers": workers,
		"count":   len(workers),
	}))
}

// GetAssignedSessions сессии воркера для recovery reconciliation
func (h *Handlers) GetAssignedSessions(c *gin.Context) {
	workerID := c.Param("id")

	sessions, err := h.fleetService.GetAssignedSessions(c.Request.Context(), workerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("assigned_sessions", gin.H{
		"workerId":     workerID,
		"sessionCount": len(sessions),
		"sessions":     sessions,
	}))
}

// RecoveryStatus принимает итоги recovery батча от воркера
func (h *Handlers) RecoveryStatus(c *gin.Context) {
	workerID := c.Param("id")

	var req models.RecoveryStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid recovery status request", "worker_id", workerID, "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", "Invalid request body"))
		return
	}

	summary, err := h.fleetService.HandleRecoveryStatus(c.Request.Context(), workerID, req.RecoveryResults)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("recovery_processed", gin.H{
		"summary": summary,
	}))
}

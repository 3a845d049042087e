package services

import (
	"WaFleet/internal/backend/models"
	"WaFleet/pkg/slugutil"
	"context"
	"fmt"
)

// GetAssignedSessions выдает перезапустившемуся воркеру список его
// не-терминальных сессий из durable store, обогащенный данными владельца
func (s *FleetService) GetAssignedSessions(ctx context.Context, workerID string) ([]*models.AssignedSession, error) {
	workerID = slugutil.Normalize(workerID)

	worker, err := s.workerStore.GetByID(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	if worker == nil {
		return nil, NewNotFound("worker", workerID)
	}

	sessions, err := s.sessionStore.ListAssignedWithOwners(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned sessions: %w", err)
	}

	s.logger.Info("assigned sessions requested for recovery",
		"worker_id", workerID,
		"session_count", len(sessions),
	)

	return sessions, nil
}

// HandleRecoveryStatus обрабатывает итоги recovery батча от воркера.
// SUCCESS: сессия connected, routing указатель на этот воркер.
// FAILED: сессия error, routing указатель снимается.
// SKIPPED: состояние не трогаем, только логируем.
// Ошибка отдельного элемента собирается в summary и не прерывает батч.
// После обработки session_count воркера выставляется (не инкрементится)
// в число успешных recovery — батч авторитативен для этого прохода.
func (s *FleetService) HandleRecoveryStatus(ctx context.Context, workerID string, results []models.RecoveryResult) (*models.RecoverySummary, error) {
	workerID = slugutil.Normalize(workerID)

	lock := s.locks.get(workerID)
	lock.Lock()
	defer lock.Unlock()

	worker, err := s.workerStore.GetByID(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	if worker == nil {
		return nil, NewNotFound("worker", workerID)
	}

	summary := &models.RecoverySummary{WorkerID: workerID}

	for _, result := range results {
		summary.Processed++

		sessionID := slugutil.Normalize(result.SessionID)

		if err := s.applyRecoveryResult(ctx, workerID, sessionID, &result); err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("session %s: %v", sessionID, err))
			s.logger.Warn("recovery result failed for session",
				"worker_id", workerID,
				"session_id", sessionID,
				"error", err,
			)
			continue
		}

		switch result.Status {
		case models.RecoverySuccess:
			summary.Succeeded++
		case models.RecoveryFailed:
			summary.Failed++
		case models.RecoverySkipped:
			summary.Skipped++
		}
	}

	if err := s.workerStore.SetSessionCount(ctx, workerID, summary.Succeeded); err != nil {
		s.logger.Error("failed to set worker session count after recovery",
			"worker_id", workerID,
			"error", err,
		)
	} else {
		worker.SessionCount = summary.Succeeded
	}

	s.refreshSnapshot(ctx, worker, nil)

	s.logger.Info("recovery batch processed",
		"worker_id", workerID,
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"errors", len(summary.Errors),
	)

	return summary, nil
}

func (s *FleetService) applyRecoveryResult(ctx context.Context, workerID, sessionID string, result *models.RecoveryResult) error {
	session, err := s.sessionStore.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session does not exist")
	}

	if session.WorkerID == nil || *session.WorkerID != workerID {
		return fmt.Errorf("session is not assigned to this worker")
	}

	switch result.Status {
	case models.RecoverySuccess:
		if err := s.sessionStore.UpdateAssignment(ctx, sessionID, models.SessionStatusConnected, &workerID); err != nil {
			return fmt.Errorf("failed to mark session connected: %w", err)
		}
		if err := s.routing.SetSessionRoute(ctx, sessionID, workerID); err != nil {
			s.logger.Warn("failed to repoint session route after recovery",
				"session_id", sessionID,
				"error", err,
			)
		}

	case models.RecoveryFailed:
		if err := s.sessionStore.UpdateAssignment(ctx, sessionID, models.SessionStatusError, &workerID); err != nil {
			return fmt.Errorf("failed to mark session errored: %w", err)
		}
		if err := s.routing.DeleteSessionRoute(ctx, sessionID); err != nil {
			s.logger.Warn("failed to drop session route after failed recovery",
				"session_id", sessionID,
				"error", err,
			)
		}
		s.logger.Warn("session recovery failed on worker",
			"worker_id", workerID,
			"session_id", sessionID,
			"worker_error", result.Error,
		)

	case models.RecoverySkipped:
		s.logger.Info("session recovery skipped by worker",
			"worker_id", workerID,
			"session_id", sessionID,
		)

	default:
		return fmt.Errorf("unknown recovery status %q", result.Status)
	}

	return nil
}

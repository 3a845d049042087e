package services

import (
	"WaFleet/internal/backend/models"
	"WaFleet/internal/backend/storage"
	"WaFleet/pkg/slugutil"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SessionForwarder тонкий HTTP форвардер session команд в воркер
type SessionForwarder interface {
	StartSession(ctx context.Context, endpoint, sessionID, userID string) error
	StopSession(ctx context.Context, endpoint, sessionID string) error
}

// SessionService оркестрация двухфазного создания сессии.
// Фаза 1 создает durable запись без воркера; фаза 2 выбирает воркер
// через координатор, захватывает слот и просит воркер поднять
// соединение. Любой отказ фазы 2 откатывается в состояние фазы 1,
// чтобы повторная попытка стартовала с чистого листа.
type SessionService struct {
	sessionStore storage.SessionStore
	userStore    storage.UserStore
	routing      storage.RoutingIndex
	fleet        *FleetService
	forwarder    SessionForwarder
	logger       *slog.Logger

	claimAttempts int
}

type SessionServiceConfig struct {
	ClaimAttempts int
}

func NewSessionService(
	sessionStore storage.SessionStore,
	userStore storage.UserStore,
	routing storage.RoutingIndex,
	fleet *FleetService,
	forwarder SessionForwarder,
	cfg SessionServiceConfig,
	logger *slog.Logger,
) *SessionService {

	attempts := cfg.ClaimAttempts
	if attempts < 1 {
		attempts = 3
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &SessionService{
		sessionStore:  sessionStore,
		userStore:     userStore,
		routing:       routing,
		fleet:         fleet,
		forwarder:     forwarder,
		logger:        logger,
		claimAttempts: attempts,
	}
}

// CreateSession фаза 1: durable запись со status=disconnected и без
// воркера, после проверки тарифной квоты владельца. Превышение квоты
// это ConflictError, не молчаливое усечение.
//
// Квота считается по всем записям пользователя, не только активным:
// фаза 2 подключает существующую запись без повторной проверки, так
// что запас disconnected записей был бы обходом лимита. Слот квоты
// освобождает удаление сессии, не disconnect.
func (s *SessionService) CreateSession(ctx context.Context, userID string, req *models.CreateSessionRequest) (*models.Session, error) {
	sessionID := slugutil.Normalize(req.SessionID)
	if sessionID == "" {
		return nil, NewValidation("session id %q normalizes to empty slug", req.SessionID)
	}

	user, err := s.userStore.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, NewNotFound("user", userID)
	}

	existing, err := s.sessionStore.CountByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count user sessions: %w", err)
	}

	limit := user.Tier.SessionLimit()
	if existing >= limit {
		s.logger.Warn("session quota exceeded",
			"user_id", userID,
			"tier", user.Tier,
			"existing", existing,
			"limit", limit,
		)
		return nil, NewConflict("tier %s allows %d sessions, %d already exist", user.Tier, limit, existing)
	}

	session := &models.Session{
		ID:          sessionID,
		UserID:      userID,
		Status:      models.SessionStatusDisconnected,
		DisplayName: req.DisplayName,
		LastSeenAt:  time.Now(),
	}

	if err := s.sessionStore.Create(ctx, session); err != nil {
		if isDuplicate(err) {
			return nil, NewConflict("session %s already exists", sessionID)
		}
		s.logger.Error("failed to create session",
			"error", err,
			"session_id", sessionID,
			"user_id", userID,
		)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("session created",
		"session_id", sessionID,
		"user_id", userID,
		"tier", user.Tier,
	)

	return session, nil
}

// ConnectSession фаза 2: выбор воркера, атомарный захват слота,
// привязка сессии и форвардинг запуска соединения в воркер.
func (s *SessionService) ConnectSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	sessionID = slugutil.Normalize(sessionID)

	session, err := s.getOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status != models.SessionStatusDisconnected {
		return nil, NewConflict("session %s is already %s", sessionID, session.Status)
	}

	worker, err := s.claimWorker(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.sessionStore.UpdateAssignment(ctx, sessionID, models.SessionStatusInit, &worker.ID); err != nil {
		s.releaseSlot(ctx, worker.ID)
		return nil, fmt.Errorf("failed to assign session to worker: %w", err)
	}

	if err := s.routing.SetSessionRoute(ctx, sessionID, worker.ID); err != nil {
		s.logger.Warn("failed to write session route",
			"session_id", sessionID,
			"worker_id", worker.ID,
			"error", err,
		)
	}

	if err := s.forwarder.StartSession(ctx, worker.Endpoint, sessionID, userID); err != nil {
		s.logger.Warn("worker rejected session start, rolling back",
			"session_id", sessionID,
			"worker_id", worker.ID,
			"error", err,
		)
		s.rollbackConnect(ctx, sessionID, worker.ID)
		return nil, NewConnectivity("worker failed to start session", err)
	}

	session.Status = models.SessionStatusInit
	session.WorkerID = &worker.ID

	s.logger.Info("session connecting",
		"session_id", sessionID,
		"worker_id", worker.ID,
	)

	return session, nil
}

// DisconnectSession гасит соединение на воркере best-effort и
// переводит сессию в disconnected
func (s *SessionService) DisconnectSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	sessionID = slugutil.Normalize(sessionID)

	session, err := s.getOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == models.SessionStatusDisconnected {
		return session, nil
	}

	if session.WorkerID != nil {
		worker, err := s.fleet.GetWorker(ctx, *session.WorkerID)
		if err == nil && worker != nil {
			if err := s.forwarder.StopSession(ctx, worker.Endpoint, sessionID); err != nil {
				s.logger.Warn("worker failed to stop session, detaching anyway",
					"session_id", sessionID,
					"worker_id", worker.ID,
					"error", err,
				)
			}
		}
	}

	if err := s.sessionStore.UpdateAssignment(ctx, sessionID, models.SessionStatusDisconnected, nil); err != nil {
		return nil, fmt.Errorf("failed to disconnect session: %w", err)
	}

	// слот отпускается только после успешного durable отцепления,
	// иначе упавший update оставит сессию привязанной при уже
	// уменьшенном счетчике
	if session.WorkerID != nil {
		s.releaseSlot(ctx, *session.WorkerID)
	}

	if err := s.routing.DeleteSessionRoute(ctx, sessionID); err != nil {
		s.logger.Warn("failed to drop session route",
			"session_id", sessionID,
			"error", err,
		)
	}

	session.Status = models.SessionStatusDisconnected
	session.WorkerID = nil

	s.logger.Info("session disconnected", "session_id", sessionID)

	return session, nil
}

// DeleteSession отключает и удаляет сессию
func (s *SessionService) DeleteSession(ctx context.Context, userID, sessionID string) error {
	sessionID = slugutil.Normalize(sessionID)

	if _, err := s.DisconnectSession(ctx, userID, sessionID); err != nil {
		return err
	}

	if err := s.sessionStore.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// GetSessionStatus читает статус: сперва routing cache (горячий путь),
// durable store остается арбитром истины
func (s *SessionService) GetSessionStatus(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	sessionID = slugutil.Normalize(sessionID)

	session, err := s.getOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	// расхождение кеша с базой допустимо (eventual consistency),
	// но логируем для наблюдаемости
	cachedWorker, err := s.routing.GetSessionRoute(ctx, sessionID)
	if err == nil && cachedWorker != "" {
		if session.WorkerID == nil || *session.WorkerID != cachedWorker {
			s.logger.Debug("routing cache behind durable store",
				"session_id", sessionID,
				"cached_worker", cachedWorker,
			)
		}
	}

	return session, nil
}

// GetQRCode возвращает QR только пока сессия его ожидает
func (s *SessionService) GetQRCode(ctx context.Context, userID, sessionID string) (string, error) {
	sessionID = slugutil.Normalize(sessionID)

	session, err := s.getOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}

	if session.Status != models.SessionStatusQRRequired || session.QRCode == "" {
		return "", NewConflict("session %s has no pending QR code", sessionID)
	}

	return session.QRCode, nil
}

// claimWorker выбор + атомарный захват слота с ограниченным числом
// попыток: два конкурентных подключения не могут вдвоем пролезть в
// последний слот почти полного воркера
func (s *SessionService) claimWorker(ctx context.Context) (*models.Worker, error) {
	for attempt := 0; attempt < s.claimAttempts; attempt++ {
		worker, err := s.fleet.GetAvailableWorker(ctx)
		if err != nil {
			return nil, err
		}

		claimed, err := s.fleet.ClaimWorkerSlot(ctx, worker.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim worker slot: %w", err)
		}
		if claimed {
			return worker, nil
		}

		// слот увели между выбором и захватом, пробуем заново
		s.logger.Debug("worker slot lost to concurrent claim, retrying",
			"worker_id", worker.ID,
			"attempt", attempt+1,
		)
	}

	return nil, ErrNoAvailableWorker
}

// rollbackConnect возвращает сессию в состояние до фазы 2
func (s *SessionService) rollbackConnect(ctx context.Context, sessionID, workerID string) {
	if err := s.sessionStore.UpdateAssignment(ctx, sessionID, models.SessionStatusDisconnected, nil); err != nil {
		s.logger.Error("rollback failed to reset session",
			"session_id", sessionID,
			"error", err,
		)
	}

	if err := s.routing.DeleteSessionRoute(ctx, sessionID); err != nil {
		s.logger.Warn("rollback failed to drop session route",
			"session_id", sessionID,
			"error", err,
		)
	}

	s.releaseSlot(ctx, workerID)
}

func (s *SessionService) releaseSlot(ctx context.Context, workerID string) {
	if err := s.fleet.ReleaseWorkerSlot(ctx, workerID); err != nil {
		s.logger.Error("failed to release worker slot",
			"worker_id", workerID,
			"error", err,
		)
	}
}

// getOwnedSession сессия строго в скоупе создавшего ее пользователя;
// чужая сессия неотличима от несуществующей
func (s *SessionService) getOwnedSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	session, err := s.sessionStore.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if session == nil || session.UserID != userID {
		return nil, NewNotFound("session", sessionID)
	}

	return session, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, storage.ErrDuplicateSession)
}

package services

import (
	"WaFleet/internal/backend/models"
	"WaFleet/internal/backend/storage"
	"WaFleet/pkg/slugutil"
	"WaFleet/pkg/validator"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WorkerProber проверяет живость endpoint-а воркера с ограниченным таймаутом
type WorkerProber interface {
	Probe(ctx context.Context, endpoint string) error
}

// FleetService координатор флота воркеров: регистрация, heartbeat-ы,
// stale detection, выбор воркера для новой сессии и session recovery.
//
// Durable store арбитр истины; routing cache best-effort ускорение,
// любой его отказ логируется и не валит основную операцию.
type FleetService struct {
	workerStore  storage.WorkerStore
	sessionStore storage.SessionStore
	routing      storage.RoutingIndex
	metrics      storage.MetricsStore
	prober       WorkerProber
	logger       *slog.Logger

	heartbeatTimeout   time.Duration
	defaultMaxSessions int

	locks workerLocks
}

type FleetServiceConfig struct {
	HeartbeatTimeout   time.Duration
	DefaultMaxSessions int
}

// workerLocks сериализует операции по одному воркеру; heartbeat-ы
// разных воркеров идут полностью параллельно
type workerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *workerLocks) get(workerID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}

	lock, ok := l.locks[workerID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[workerID] = lock
	}
	return lock
}

func NewFleetService(
	workerStore storage.WorkerStore,
	sessionStore storage.SessionStore,
	routing storage.RoutingIndex,
	metrics storage.MetricsStore,
	prober WorkerProber,
	cfg FleetServiceConfig,
	logger *slog.Logger,
) *FleetService {

	timeout := cfg.HeartbeatTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	maxSessions := cfg.DefaultMaxSessions
	if maxSessions <= 0 {
		maxSessions = 10
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FleetService{
		workerStore:        workerStore,
		sessionStore:       sessionStore,
		routing:            routing,
		metrics:            metrics,
		prober:             prober,
		logger:             logger,
		heartbeatTimeout:   timeout,
		defaultMaxSessions: maxSessions,
	}
}

// RegisterWorker регистрирует воркера либо освежает запись при
// перерегистрации той же пары (id, endpoint). Endpoint пробится на
// живость до коммита. Если за воркером в базе остались не-disconnected
// сессии — это recovery сценарий, он поднимается наверх в результате.
func (s *FleetService) RegisterWorker(ctx context.Context, req *models.RegisterWorkerRequest) (*models.RegisterWorkerResult, error) {
	workerID := slugutil.Normalize(req.WorkerID)
	if workerID == "" {
		return nil, NewValidation("worker id %q normalizes to empty slug", req.WorkerID)
	}

	endpoint := validator.NormalizeEndpoint(req.Endpoint)
	if !validator.ValidateEndpoint(endpoint) {
		return nil, NewValidation("endpoint must be a valid http(s)://host[:port] URL, got %q", req.Endpoint)
	}

	s.logger.Info("registering worker",
		"worker_id", workerID,
		"endpoint", endpoint,
		"max_sessions", req.MaxSessions,
		"environment", req.Environment,
	)

	lock := s.locks.get(workerID)
	lock.Lock()
	defer lock.Unlock()

	// endpoint и id оба уникальные ключи; на upsert-refresh имеет право
	// только точное совпадение пары
	byEndpoint, err := s.workerStore.GetByEndpoint(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to check endpoint ownership: %w", err)
	}
	if byEndpoint != nil && byEndpoint.ID != workerID {
		s.logger.Warn("registration conflict: endpoint already owned",
			"worker_id", workerID,
			"endpoint", endpoint,
			"owner", byEndpoint.ID,
		)
		return nil, NewConflict("endpoint %s is already registered by worker %s", endpoint, byEndpoint.ID)
	}

	existing, err := s.workerStore.GetByID(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check worker id: %w", err)
	}
	if existing != nil && validator.NormalizeEndpoint(existing.Endpoint) != endpoint {
		s.logger.Warn("registration conflict: worker id bound to different endpoint",
			"worker_id", workerID,
			"endpoint", endpoint,
			"registered_endpoint", existing.Endpoint,
		)
		return nil, NewConflict("worker %s is already registered with endpoint %s", workerID, existing.Endpoint)
	}

	if err := s.prober.Probe(ctx, endpoint); err != nil {
		s.logger.Warn("registration probe failed",
			"worker_id", workerID,
			"endpoint", endpoint,
			"error", err,
		)
		return nil, NewConnectivity("worker endpoint failed liveness probe", err)
	}

	worker := &models.Worker{
		ID:            workerID,
		Endpoint:      endpoint,
		Status:        models.WorkerStatusOnline,
		MaxSessions:   req.MaxSessions,
		Description:   req.Description,
		Version:       req.Version,
		Environment:   req.Environment,
		LastHeartbeat: time.Now(),
	}

	if worker.MaxSessions <= 0 {
		worker.MaxSessions = s.defaultMaxSessions
	}
	if !worker.Environment.Valid() {
		worker.Environment = models.EnvProduction
	}
	if existing != nil {
		worker.SessionCount = existing.SessionCount
		worker.RegisteredAt = existing.RegisteredAt
	}

	if err := s.workerStore.Upsert(ctx, worker); err != nil {
		s.logger.Error("failed to upsert worker",
			"error", err,
			"worker_id", workerID,
		)
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	// recovery сценарий: сессии оставшиеся с прошлой жизни воркера
	assigned, err := s.sessionStore.ListActiveByWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check assigned sessions: %w", err)
	}

	result := &models.RegisterWorkerResult{
		Worker:               worker,
		RecoveryRequired:     len(assigned) > 0,
		AssignedSessionCount: len(assigned),
	}

	s.refreshSnapshot(ctx, worker, nil)
	s.publishEvent(ctx, "worker_registered", workerID)

	s.logger.Info("worker registered",
		"worker_id", workerID,
		"endpoint", endpoint,
		"recovery_required", result.RecoveryRequired,
		"assigned_sessions", result.AssignedSessionCount,
	)

	return result, nil
}

// RemoveWorker удаляет воркера, предварительно отцепив все его сессии.
// TODO: мигрировать живые сессии на выжившие воркеры вместо принудительного
// disconnect — сейчас они просто переводятся в disconnected.
func (s *FleetService) RemoveWorker(ctx context.Context, workerID string) (*models.RemoveWorkerResult, error) {
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

	migrated, err := s.detachWorkerSessions(ctx, workerID)
	if err != nil {
		return nil, err
	}

	if err := s.workerStore.Delete(ctx, workerID); err != nil {
		return nil, fmt.Errorf("failed to delete worker: %w", err)
	}

	if err := s.routing.DeleteWorkerSnapshot(ctx, workerID); err != nil {
		s.logger.Warn("failed to purge worker snapshot from cache",
			"worker_id", workerID,
			"error", err,
		)
	}

	s.publishEvent(ctx, "worker_removed", workerID)

	s.logger.Info("worker removed",
		"worker_id", workerID,
		"migrated_sessions", migrated,
	)

	return &models.RemoveWorkerResult{
		WorkerID:         workerID,
		MigratedSessions: migrated,
	}, nil
}

// UpdateWorkerHeartbeat принимает push heartbeat воркера: синкает
// состояние каждой сессии, пересчитывает breakdown, применяет
// worker-level поля и попутно запускает passive stale sweep.
//
// Heartbeat максимально толерантен: фатально только "unknown worker",
// все внутренние несогласованности логируются warning-ом и не валят вызов.
func (s *FleetService) UpdateWorkerHeartbeat(ctx context.Context, workerID string, hb *models.HeartbeatRecord) (*models.HeartbeatResult, error) {
	workerID = slugutil.Normalize(workerID)

	lock := s.locks.get(workerID)
	lock.Lock()

	worker, err := s.workerStore.GetByID(ctx, workerID)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	if worker == nil {
		lock.Unlock()
		// воркер обязан зарегистрироваться прежде чем слать heartbeat-ы
		return nil, NewNotFound("worker", workerID)
	}

	processed, synced := s.syncHeartbeatSessions(ctx, workerID, hb.Sessions)

	// агрегат считается из полного входящего массива, не из дельт
	breakdown := models.ComputeBreakdown(hb.Sessions)
	if hb.ReportedBreakdown != nil && !hb.ReportedBreakdown.Consistent() {
		s.logger.Warn("worker reported inconsistent session breakdown",
			"worker_id", workerID,
			"reported_total", hb.ReportedBreakdown.Total,
			"component_sum", hb.ReportedBreakdown.ComponentSum(),
		)
	}

	if !hb.Status.Valid() {
		s.logger.Warn("worker reported unknown status, keeping online",
			"worker_id", workerID,
			"status", hb.Status,
		)
		hb.Status = models.WorkerStatusOnline
	}

	worker.Status = hb.Status
	worker.SessionCount = hb.SessionCount
	worker.LastHeartbeat = time.Now()

	if caps := hb.Capabilities; caps != nil {
		if caps.MaxSessions != nil && *caps.MaxSessions > 0 {
			worker.MaxSessions = *caps.MaxSessions
		}
		if caps.Version != nil {
			worker.Version = *caps.Version
		}
		if caps.Environment != nil && caps.Environment.Valid() {
			worker.Environment = *caps.Environment
		}
	}

	if m := hb.Metrics; m != nil {
		if m.CPUUsage != nil {
			worker.CPUUsage = clampGauge(*m.CPUUsage)
		}
		if m.MemoryUsage != nil {
			worker.MemoryUsage = clampGauge(*m.MemoryUsage)
		}
	}

	if err := s.workerStore.UpdateHeartbeat(ctx, worker); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to persist heartbeat: %w", err)
	}

	// legacy скаляр не несет состава сессий: кешировать пустой
	// breakdown нельзя, иначе scoring увидит нагруженный воркер как
	// пустой. Без breakdown-а в снимке выбор уходит в basic режим.
	snapshotBreakdown := &breakdown
	if hb.Legacy {
		snapshotBreakdown = nil
	}
	s.refreshSnapshot(ctx, worker, snapshotBreakdown)

	// time-series точка для аналитики, best-effort
	sample := &models.WorkerMetricsSample{
		WorkerID:     workerID,
		CPUUsage:     worker.CPUUsage,
		MemoryUsage:  worker.MemoryUsage,
		SessionCount: worker.SessionCount,
	}
	if err := s.metrics.Append(ctx, sample); err != nil {
		s.logger.Warn("failed to append metrics sample",
			"worker_id", workerID,
			"error", err,
		)
	}

	lock.Unlock()

	// stale sweep амортизирован на heartbeat трафик, отдельного
	// таймера для passive пути нет
	stale := s.DetectStaleWorkers(ctx)

	s.logger.Debug("heartbeat processed",
		"worker_id", workerID,
		"sessions_processed", processed,
		"sessions_synced", synced,
		"stale_workers", stale,
		"legacy_shape", hb.Legacy,
	)

	return &models.HeartbeatResult{
		Worker:               worker,
		SessionsProcessed:    processed,
		SessionsSynced:       synced,
		StaleWorkersDetected: stale,
		Breakdown:            breakdown,
	}, nil
}

// syncHeartbeatSessions применяет per-session состояния heartbeat-а.
// Сессия не принадлежащая этому воркеру пропускается с warning-ом:
// воркер не должен перетирать чужие сессии.
func (s *FleetService) syncHeartbeatSessions(ctx context.Context, workerID string, states []models.SessionState) (processed, synced int) {
	for i := range states {
		state := &states[i]
		sessionID := slugutil.Normalize(state.SessionID)
		if sessionID == "" {
			s.logger.Warn("skipping heartbeat entry with empty session id", "worker_id", workerID)
			continue
		}
		processed++

		session, err := s.sessionStore.GetByID(ctx, sessionID)
		if err != nil {
			s.logger.Warn("failed to load session for heartbeat sync",
				"worker_id", workerID,
				"session_id", sessionID,
				"error", err,
			)
			continue
		}

		if session == nil || session.WorkerID == nil || *session.WorkerID != workerID {
			s.logger.Warn("worker reported session it does not own, skipping",
				"worker_id", workerID,
				"session_id", sessionID,
			)
			continue
		}

		if !state.Status.Valid() {
			s.logger.Warn("worker reported unknown session status, skipping",
				"worker_id", workerID,
				"session_id", sessionID,
				"status", state.Status,
			)
			continue
		}

		changed, err := s.sessionStore.SyncState(ctx, sessionID, state)
		if err != nil {
			s.logger.Warn("failed to sync session state",
				"worker_id", workerID,
				"session_id", sessionID,
				"error", err,
			)
			continue
		}
		if changed {
			synced++
		}

		// инвариант: disconnected сессия не привязана к воркеру
		if state.Status.Terminal() {
			if err := s.sessionStore.UpdateAssignment(ctx, sessionID, models.SessionStatusDisconnected, nil); err != nil {
				s.logger.Warn("failed to clear assignment of disconnected session",
					"worker_id", workerID,
					"session_id", sessionID,
					"error", err,
				)
			}
		}

		// routing указатель живет только пока сессия routable
		if state.Status.Routable() {
			if err := s.routing.SetSessionRoute(ctx, sessionID, workerID); err != nil {
				s.logger.Warn("failed to write session route",
					"session_id", sessionID,
					"error", err,
				)
			}
		} else {
			if err := s.routing.DeleteSessionRoute(ctx, sessionID); err != nil {
				s.logger.Warn("failed to drop session route",
					"session_id", sessionID,
					"error", err,
				)
			}
		}
	}

	return processed, synced
}

// GetAvailableWorker выбирает лучший воркер для новой сессии.
// Пустой кандидатский набор это ожидаемое capacity условие, наружу
// уходит ErrNoAvailableWorker (503 retry-later), не сбой системы.
//
// Tie-break при равном счете: наименьший id. Выбор и захват слота
// разнесены, поэтому claim делается атомарным ClaimSlot-ом на стороне
// вызывающего.
func (s *FleetService) GetAvailableWorker(ctx context.Context) (*models.Worker, error) {
	workers, err := s.workerStore.ListByStatus(ctx, models.WorkerStatusOnline)
	if err != nil {
		return nil, fmt.Errorf("failed to list online workers: %w", err)
	}

	now := time.Now()
	var best *models.Worker
	var bestScore float64

	for _, worker := range workers {
		if !worker.HasCapacity() {
			continue
		}

		var breakdown *models.SessionBreakdown
		snapshot, err := s.routing.GetWorkerSnapshot(ctx, worker.ID)
		if err != nil {
			s.logger.Warn("snapshot lookup failed, scoring in basic mode",
				"worker_id", worker.ID,
				"error", err,
			)
		} else if snapshot != nil {
			breakdown = snapshot.Breakdown
		}

		score := ScoreWorker(worker, breakdown, now)

		s.logger.Debug("scored candidate worker",
			"worker_id", worker.ID,
			"score", score,
			"enhanced", breakdown != nil,
		)

		if best == nil || score < bestScore || (score == bestScore && worker.ID < best.ID) {
			best = worker
			bestScore = score
		}
	}

	if best == nil {
		s.logger.Info("no worker available for assignment",
			"online_workers", len(workers),
		)
		return nil, ErrNoAvailableWorker
	}

	s.logger.Debug("selected worker for assignment",
		"worker_id", best.ID,
		"score", bestScore,
		"session_count", best.SessionCount,
		"max_sessions", best.MaxSessions,
	)

	return best, nil
}

// ClaimWorkerSlot атомарный conditional increment счетчика сессий
func (s *FleetService) ClaimWorkerSlot(ctx context.Context, workerID string) (bool, error) {
	return s.workerStore.ClaimSlot(ctx, workerID)
}

// ReleaseWorkerSlot декремент с clamp-ом на нуле
func (s *FleetService) ReleaseWorkerSlot(ctx context.Context, workerID string) error {
	return s.workerStore.ReleaseSlot(ctx, workerID)
}

// GetWorker возвращает воркера либо nil если его нет
func (s *FleetService) GetWorker(ctx context.Context, workerID string) (*models.Worker, error) {
	return s.workerStore.GetByID(ctx, slugutil.Normalize(workerID))
}

// ListWorkers полный список воркеров флота
func (s *FleetService) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	return s.workerStore.List(ctx)
}

// ListOnlineWorkers используется active health sweep-ом
func (s *FleetService) ListOnlineWorkers(ctx context.Context) ([]*models.Worker, error) {
	return s.workerStore.ListByStatus(ctx, models.WorkerStatusOnline)
}

// MarkWorkerOffline единственный примитив перевода воркера в offline;
// оба пути stale detection (passive и active) сходятся сюда, поэтому
// семантика отцепления сессий определена ровно один раз.
func (s *FleetService) MarkWorkerOffline(ctx context.Context, workerID, reason string) error {
	lock := s.locks.get(workerID)
	lock.Lock()
	defer lock.Unlock()

	worker, err := s.workerStore.GetByID(ctx, workerID)
	if err != nil {
		return fmt.Errorf("failed to get worker: %w", err)
	}
	if worker == nil {
		return NewNotFound("worker", workerID)
	}

	if worker.Status == models.WorkerStatusOffline {
		return nil
	}

	detached, err := s.detachWorkerSessions(ctx, workerID)
	if err != nil {
		return err
	}

	if err := s.workerStore.UpdateStatus(ctx, workerID, models.WorkerStatusOffline); err != nil {
		return fmt.Errorf("failed to mark worker offline: %w", err)
	}

	worker.Status = models.WorkerStatusOffline
	s.refreshSnapshot(ctx, worker, nil)
	s.publishEvent(ctx, "worker_offline", workerID)

	s.logger.Warn("worker marked offline",
		"worker_id", workerID,
		"reason", reason,
		"detached_sessions", detached,
	)

	return nil
}

// DetectStaleWorkers passive sweep: online воркеры с heartbeat-ом
// старше порога переводятся в offline. Возвращает число найденных.
func (s *FleetService) DetectStaleWorkers(ctx context.Context) int {
	workers, err := s.workerStore.ListByStatus(ctx, models.WorkerStatusOnline)
	if err != nil {
		s.logger.Error("stale sweep failed to list online workers", "error", err)
		return 0
	}

	now := time.Now()
	stale := 0

	for _, worker := range workers {
		age := now.Sub(worker.LastHeartbeat)
		if age <= s.heartbeatTimeout {
			continue
		}

		s.logger.Warn("detected stale worker",
			"worker_id", worker.ID,
			"last_heartbeat", worker.LastHeartbeat,
			"age", age,
		)

		if err := s.MarkWorkerOffline(ctx, worker.ID, "stale heartbeat"); err != nil {
			s.logger.Error("failed to offline stale worker",
				"worker_id", worker.ID,
				"error", err,
			)
			continue
		}
		stale++
	}

	return stale
}

// detachWorkerSessions переводит все живые сессии воркера в disconnected
// и выбрасывает их routing указатели из кеша
func (s *FleetService) detachWorkerSessions(ctx context.Context, workerID string) (int64, error) {
	sessions, err := s.sessionStore.ListActiveByWorker(ctx, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to list worker sessions: %w", err)
	}

	detached, err := s.sessionStore.DetachAllFromWorker(ctx, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to detach worker sessions: %w", err)
	}

	for _, session := range sessions {
		if err := s.routing.DeleteSessionRoute(ctx, session.ID); err != nil {
			s.logger.Warn("failed to purge session route",
				"session_id", session.ID,
				"error", err,
			)
		}
	}

	return detached, nil
}

// refreshSnapshot освежает денормализованный снимок воркера в кеше;
// отказ кеша не фатален для основной операции
func (s *FleetService) refreshSnapshot(ctx context.Context, worker *models.Worker, breakdown *models.SessionBreakdown) {
	snapshot := &models.WorkerSnapshot{
		WorkerID:     worker.ID,
		Endpoint:     worker.Endpoint,
		Status:       worker.Status,
		SessionCount: worker.SessionCount,
		MaxSessions:  worker.MaxSessions,
		Breakdown:    breakdown,
	}

	if err := s.routing.SetWorkerSnapshot(ctx, snapshot); err != nil {
		s.logger.Warn("failed to refresh worker snapshot in cache",
			"worker_id", worker.ID,
			"error", err,
		)
	}
}

type fleetEvent struct {
	Type      string    `json:"type"`
	WorkerID  string    `json:"workerId"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *FleetService) publishEvent(ctx context.Context, eventType, workerID string) {
	event := fleetEvent{
		Type:      eventType,
		WorkerID:  workerID,
		Timestamp: time.Now(),
	}

	if err := s.routing.PublishEvent(ctx, event); err != nil {
		s.logger.Debug("failed to publish fleet event",
			"type", eventType,
			"worker_id", workerID,
			"error", err,
		)
	}
}

func clampGauge(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

package services

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// HealthChecker активный периодический probe online воркеров.
// Явный владеемый объект с Start/Stop/IsRunning, никаких ambient
// глобалов. Дополняет passive stale detection: ловит воркеры которые
// умерли не успев протухнуть по heartbeat-у.
type HealthChecker struct {
	fleet  *FleetService
	prober WorkerProber
	logger *slog.Logger

	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type HealthCheckerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

func NewHealthChecker(fleet *FleetService, prober WorkerProber, cfg HealthCheckerConfig, logger *slog.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &HealthChecker{
		fleet:    fleet,
		prober:   prober,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Start запускает цикл проверок. Повторный Start на работающем цикле
// это no-op с warning-ом, не ошибка.
func (h *HealthChecker) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		h.logger.Warn("health checker already running, ignoring start")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true

	go h.run(ctx, h.done)

	h.logger.Info("health checker started", "interval", h.interval)
}

// Stop останавливает цикл и дожидается его завершения. Идемпотентен.
func (h *HealthChecker) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}

	cancel := h.cancel
	done := h.done
	h.running = false
	h.cancel = nil
	h.done = nil
	h.mu.Unlock()

	cancel()
	<-done

	h.logger.Info("health checker stopped")
}

func (h *HealthChecker) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *HealthChecker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// первый sweep сразу, не ждем первый tick
	h.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			h.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep пробит каждый online воркер; не отвечающий в пределах таймаута
// уходит в offline через тот же MarkWorkerOffline что и passive путь
func (h *HealthChecker) sweep(ctx context.Context) {
	workers, err := h.fleet.ListOnlineWorkers(ctx)
	if err != nil {
		h.logger.Error("health sweep failed to list workers", "error", err)
		return
	}

	for _, worker := range workers {
		probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := h.prober.Probe(probeCtx, worker.Endpoint)
		cancel()

		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			// цикл остановлен, не трогаем состояние флота
			return
		}

		h.logger.Warn("active health check failed",
			"worker_id", worker.ID,
			"endpoint", worker.Endpoint,
			"error", err,
		)

		if err := h.fleet.MarkWorkerOffline(ctx, worker.ID, "failed health check"); err != nil {
			h.logger.Error("failed to offline unhealthy worker",
				"worker_id", worker.ID,
				"error", err,
			)
		}
	}
}

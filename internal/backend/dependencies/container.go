package dependencies

import (
	"context"
	"fmt"
	"log/slog"

	"WaFleet/internal/backend/clients"
	"WaFleet/internal/backend/services"
	"WaFleet/internal/backend/storage"
	"WaFleet/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Container контейнер зависимостей
type Container struct {
	// Config
	Config *config.Config

	// Logger
	Logger *slog.Logger

	// Storage
	WorkerStore  storage.WorkerStore
	SessionStore storage.SessionStore
	UserStore    storage.UserStore
	MetricsStore storage.MetricsStore
	Routing      storage.RoutingIndex

	// Clients
	WorkerClient *clients.WorkerClient

	// Services
	FleetService   *services.FleetService
	SessionService *services.SessionService
	HealthChecker  *services.HealthChecker

	// Database connections
	DB *pgxpool.Pool
}

// NewContainer создает и инициализирует контейнер зависимостей
func NewContainer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Container, error) {
	container := &Container{
		Config: cfg,
		Logger: log,
	}

	// Инициализация зависимостей
	if err := container.initDatabase(ctx); err != nil {
		return nil, err
	}

	if err := container.initRedis(); err != nil {
		return nil, err
	}

	if err := container.initStorage(); err != nil {
		return nil, err
	}

	if err := container.initServices(); err != nil {
		return nil, err
	}

	slog.Info("Dependency container initialized successfully")
	return container, nil
}

func (c *Container) initDatabase(ctx context.Context) error {
	db, err := storage.NewPostgres(ctx, &c.Config.Database, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	c.DB = db
	return nil
}

func (c *Container) initRedis() error {
	routing, err := storage.NewRoutingIndex(&c.Config.Redis, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c.Routing = routing
	return nil
}

func (c *Container) initStorage() error {
	c.WorkerStore = storage.NewWorkerStore(c.DB)
	c.SessionStore = storage.NewSessionStore(c.DB)
	c.UserStore = storage.NewUserStore(c.DB)
	c.MetricsStore = storage.NewMetricsStore(c.DB)
	return nil
}

func (c *Container) initServices() error {
	logger := slog.Default()
	fleetCfg := c.Config.Fleet

	c.WorkerClient = clients.NewWorkerClient(
		clients.WorkerClientConfig{
			ProbeTimeout:   fleetCfg.ProbeTimeout,
			RequestTimeout: fleetCfg.HealthCheckTimeout,
		},
		logger.With("client", "worker"),
	)

	c.FleetService = services.NewFleetService(
		c.WorkerStore,
		c.SessionStore,
		c.Routing,
		c.MetricsStore,
		c.WorkerClient,
		services.FleetServiceConfig{
			HeartbeatTimeout:   fleetCfg.HeartbeatTimeout,
			DefaultMaxSessions: fleetCfg.DefaultMaxSessions,
		},
		logger.With("service", "fleet"),
	)

	c.SessionService = services.NewSessionService(
		c.SessionStore,
		c.UserStore,
		c.Routing,
		c.FleetService,
		c.WorkerClient,
		services.SessionServiceConfig{
			ClaimAttempts: fleetCfg.ClaimAttempts,
		},
		logger.With("service", "session"),
	)

	c.HealthChecker = services.NewHealthChecker(
		c.FleetService,
		c.WorkerClient,
		services.HealthCheckerConfig{
			Interval: fleetCfg.HealthCheckInterval,
			Timeout:  fleetCfg.HealthCheckTimeout,
		},
		logger.With("service", "health_checker"),
	)

	return nil
}

// Close закрывает все соединения
func (c *Container) Close() error {
	var errors []error

	if c.HealthChecker != nil {
		c.HealthChecker.Stop()
	}

	if c.DB != nil {
		c.DB.Close()
	}

	if c.Routing != nil {
		if err := c.Routing.Close(); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errors)
	}

	return nil
}

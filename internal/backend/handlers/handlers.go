package handlers

import (
	"log/slog"

	"WaFleet/internal/backend/dependencies"
	"WaFleet/internal/backend/services"
)

type Handlers struct {
	fleetService   *services.FleetService
	sessionService *services.SessionService
	healthChecker  *services.HealthChecker
	logger         *slog.Logger
}

func NewHandlers(container *dependencies.Container) *Handlers {
	return &Handlers{
		fleetService:   container.FleetService,
		sessionService: container.SessionService,
		healthChecker:  container.HealthChecker,
		logger:         slog.Default(),
	}
}

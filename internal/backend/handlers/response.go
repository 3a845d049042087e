package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"WaFleet/internal/backend/services"

	"github.com/gin-gonic/gin"
)

// создает успешный JSON ответ
func SuccessResponse(message string, data interface{}) gin.H {
	response := gin.H{
		"success":   true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	if data != nil {
		response["data"] = data
	}

	return response
}

// создает JSON ответ с ошибкой
func ErrorResponse(code string, message string) gin.H {
	return gin.H{
		"success":   false,
		"error":     code,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}
}

// respondError маппит типизированные ошибки сервисов в HTTP статусы.
// ErrNoAvailableWorker это ожидаемое capacity условие: 503 retry-later
// и Info в логах, чтобы его было видно отдельно от настоящих сбоев.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var notFound *services.NotFoundError
	var conflict *services.ConflictError
	var validation *services.ValidationError
	var connectivity *services.ConnectivityError

	switch {
	case errors.Is(err, services.ErrNoAvailableWorker):
		h.logger.Info("no worker available", "path", c.Request.URL.Path)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse("no_available_worker",
			"No worker available, retry later"))

	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, ErrorResponse("not_found", notFound.Error()))

	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, ErrorResponse("conflict", conflict.Error()))

	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", validation.Error()))

	case errors.As(err, &connectivity):
		h.logger.Warn("connectivity failure", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse("connectivity_error", connectivity.Error()))

	default:
		h.logger.Error("internal error",
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse("internal_error", "Internal server error"))
	}
}

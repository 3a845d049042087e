package handlers

import (
	"WaFleet/internal/backend/models"
	"net/http"

	"github.com/gin-gonic/gin"
)

// UserScopeMiddleware достает id владельца из заголовка, который
// проставляет вышестоящий auth слой. Сама аутентификация вне скоупа
// контрол-плейна.
func (h *Handlers) UserScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, ErrorResponse("missing_user", "X-User-ID header is required"))
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}

func (h *Handlers) userID(c *gin.Context) string {
	return c.GetString("user_id")
}

// CreateSession фаза 1: durable запись без воркера
func (h *Handlers) CreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid create session request", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse("invalid_request", "Invalid request body"))
		return
	}

	session, err := h.sessionService.CreateSession(c.Request.Context(), h.userID(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, SuccessResponse("session_created", gin.H{
		"session": session,
	}))
}

// ConnectSession фаза 2: выбор воркера и запуск соединения
func (h *Handlers) ConnectSession(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.sessionService.ConnectSession(c.Request.Context(), h.userID(c), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("session_connecting", gin.H{
		"session": session,
	}))
}

// DisconnectSession гасит соединение сессии
func (h *Handlers) DisconnectSession(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.sessionService.DisconnectSession(c.Request.Context(), h.userID(c), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("session_disconnected", gin.H{
		"session": session,
	}))
}

// DeleteSession отключает и удаляет сессию
func (h *Handlers) DeleteSession(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.sessionService.DeleteSession(c.Request.Context(), h.userID(c), sessionID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("session_deleted", nil))
}

// GetSessionStatus текущий статус сессии
func (h *Handlers) GetSessionStatus(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.sessionService.GetSessionStatus(c.Request.Context(), h.userID(c), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("session_status", gin.H{
		"session": session,
	}))
}

// GetQRCode QR для аутентификации, доступен пока сессия его ждет
func (h *Handlers) GetQRCode(c *gin.Context) {
	sessionID := c.Param("id")

	qr, err := h.sessionService.GetQRCode(c.Request.Context(), h.userID(c), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse("qr_code", gin.H{
		"sessionId": sessionID,
		"qrCode":    qr,
	}))
}

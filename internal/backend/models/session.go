package models

import "time"

type SessionStatus string

const (
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusInit         SessionStatus = "init"
	SessionStatusQRRequired   SessionStatus = "qr_required"
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusReconnecting SessionStatus = "reconnecting"
	SessionStatusError        SessionStatus = "error"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusDisconnected, SessionStatusInit, SessionStatusQRRequired,
		SessionStatusConnected, SessionStatusReconnecting, SessionStatusError:
		return true
	}
	return false
}

// Terminal сообщает что сессия не привязана к живому воркеру
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusDisconnected
}

// Routable статусы при которых routing cache должен указывать на воркер
func (s SessionStatus) Routable() bool {
	switch s {
	case SessionStatusConnected, SessionStatusQRRequired, SessionStatusReconnecting:
		return true
	}
	return false
}

// Session одна WhatsApp сессия принадлежащая пользователю,
// привязана максимум к одному воркеру.
// Инвариант: WorkerID == nil всегда когда Status == disconnected.
type Session struct {
	ID          string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	Status      SessionStatus `json:"status"`
	WorkerID    *string       `json:"workerId,omitempty"`
	PhoneNumber string        `json:"phoneNumber,omitempty"`
	DisplayName string        `json:"displayName,omitempty"`
	QRCode      string        `json:"qrCode,omitempty"`
	LastSeenAt  time.Time     `json:"lastSeenAt"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// SessionBreakdown агрегат по статусам сессий воркера.
// Сумма компонентов должна сходиться с Total; расхождение
// логируется но heartbeat не отклоняется.
type SessionBreakdown struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Disconnected int `json:"disconnected"`
	QRRequired   int `json:"qr_required"`
	Reconnecting int `json:"reconnecting"`
	Error        int `json:"error"`
}

func (b *SessionBreakdown) ComponentSum() int {
	return b.Connected + b.Disconnected + b.QRRequired + b.Reconnecting + b.Error
}

func (b *SessionBreakdown) Consistent() bool {
	return b.ComponentSum() == b.Total
}

// ComputeBreakdown строит агрегат из полного массива сессий heartbeat-а
func ComputeBreakdown(sessions []SessionState) SessionBreakdown {
	b := SessionBreakdown{Total: len(sessions)}
	for _, s := range sessions {
		switch s.Status {
		case SessionStatusConnected:
			b.Connected++
		case SessionStatusQRRequired:
			b.QRRequired++
		case SessionStatusReconnecting:
			b.Reconnecting++
		case SessionStatusError:
			b.Error++
		default:
			// init и неизвестные статусы считаем disconnected
			b.Disconnected++
		}
	}
	return b
}

type CreateSessionRequest struct {
	SessionID   string `json:"sessionId" binding:"required"`
	DisplayName string `json:"displayName"`
}

// AssignedSession сессия воркера обогащенная данными владельца
// для reconciliation логики на стороне воркера
type AssignedSession struct {
	SessionID   string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	Status      SessionStatus `json:"status"`
	PhoneNumber string        `json:"phoneNumber,omitempty"`
	DisplayName string        `json:"displayName,omitempty"`
	OwnerEmail  string        `json:"ownerEmail,omitempty"`
	OwnerTier   Tier          `json:"ownerTier,omitempty"`
}

type RecoveryOutcome string

const (
	RecoverySuccess RecoveryOutcome = "SUCCESS"
	RecoveryFailed  RecoveryOutcome = "FAILED"
	RecoverySkipped RecoveryOutcome = "SKIPPED"
)

type RecoveryResult struct {
	SessionID   string          `json:"sessionId" binding:"required"`
	Status      RecoveryOutcome `json:"status" binding:"required"`
	Error       string          `json:"error,omitempty"`
	RecoveredAt *time.Time      `json:"recoveredAt,omitempty"`
}

type RecoveryStatusRequest struct {
	RecoveryResults      []RecoveryResult `json:"recoveryResults" binding:"required"`
	TotalSessions        int              `json:"totalSessions"`
	SuccessfulRecoveries int              `json:"successfulRecoveries"`
	FailedRecoveries     int              `json:"failedRecoveries"`
}

// RecoverySummary итог обработки recovery батча; ошибки по
// отдельным сессиям собираются и не прерывают батч
type RecoverySummary struct {
	WorkerID  string   `json:"workerId"`
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

package models

import (
	"errors"
	"time"
)

// SessionState состояние одной сессии в составе heartbeat-а
type SessionState struct {
	SessionID    string        `json:"sessionId"`
	Status       SessionStatus `json:"status"`
	PhoneNumber  string        `json:"phoneNumber,omitempty"`
	DisplayName  string        `json:"displayName,omitempty"`
	QRCode       string        `json:"qrCode,omitempty"`
	LastActivity *time.Time    `json:"lastActivity,omitempty"`
}

type WorkerCapabilities struct {
	MaxSessions       *int         `json:"maxSessions,omitempty"`
	Version           *string      `json:"version,omitempty"`
	Environment       *Environment `json:"environment,omitempty"`
	SupportedFeatures []string     `json:"supportedFeatures,omitempty"`
}

type WorkerMetrics struct {
	CPUUsage    *float64 `json:"cpuUsage,omitempty"`
	MemoryUsage *float64 `json:"memoryUsage,omitempty"`
}

// HeartbeatRequest wire-формат heartbeat-а. Канонический вариант несет
// массив sessions; legacy вариант (первое поколение протокола) несет
// только скалярный sessionCount. Оба нормализуются в HeartbeatRecord
// до того как попасть в координатор.
type HeartbeatRequest struct {
	Status       *WorkerStatus       `json:"status,omitempty"`
	LastActivity *time.Time          `json:"lastActivity,omitempty"`
	Sessions     []SessionState      `json:"sessions"`
	SessionCount *int                `json:"sessionCount,omitempty"` // legacy scalar shape
	Breakdown    *SessionBreakdown   `json:"breakdown,omitempty"`    // worker-reported aggregate
	Capabilities *WorkerCapabilities `json:"capabilities,omitempty"`
	Metrics      *WorkerMetrics      `json:"metrics,omitempty"`
}

// HeartbeatRecord канонический внутренний формат heartbeat-а;
// единственная форма которую видит координатор.
type HeartbeatRecord struct {
	Status            WorkerStatus
	Sessions          []SessionState
	SessionCount      int
	ReportedBreakdown *SessionBreakdown
	Capabilities      *WorkerCapabilities
	Metrics           *WorkerMetrics
	LastActivity      time.Time
	Legacy            bool
}

var ErrEmptyHeartbeat = errors.New("heartbeat carries neither sessions array nor legacy session count")

// NormalizeHeartbeat сводит оба поколения схемы heartbeat-а к одной
// канонической записи. Legacy скаляр принимается только при отсутствии
// массива sessions.
func NormalizeHeartbeat(req *HeartbeatRequest, now time.Time) (*HeartbeatRecord, error) {
	rec := &HeartbeatRecord{
		Status:            WorkerStatusOnline,
		ReportedBreakdown: req.Breakdown,
		Capabilities:      req.Capabilities,
		Metrics:           req.Metrics,
		LastActivity:      now,
	}

	if req.Status != nil {
		rec.Status = *req.Status
	}

	if req.LastActivity != nil {
		rec.LastActivity = *req.LastActivity
	}

	switch {
	case req.Sessions != nil:
		rec.Sessions = req.Sessions
		rec.SessionCount = len(req.Sessions)
	case req.SessionCount != nil:
		if *req.SessionCount < 0 {
			rec.SessionCount = 0
		} else {
			rec.SessionCount = *req.SessionCount
		}
		rec.Legacy = true
	default:
		return nil, ErrEmptyHeartbeat
	}

	return rec, nil
}

// HeartbeatResult ответ на heartbeat с процессинговыми счетчиками
type HeartbeatResult struct {
	Worker               *Worker          `json:"worker"`
	SessionsProcessed    int              `json:"sessionsProcessed"`
	SessionsSynced       int              `json:"sessionsSynced"`
	StaleWorkersDetected int              `json:"staleWorkersDetected"`
	Breakdown            SessionBreakdown `json:"sessionBreakdown"`
}

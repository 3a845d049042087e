package storage

import (
	"WaFleet/internal/backend/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateSession = errors.New("session with this id already exists")
)

type sessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) SessionStore {
	return &sessionStore{pool: pool}
}

const sessionColumns = `id, user_id, status, worker_id, phone_number,
		display_name, qr_code, last_seen_at, created_at, updated_at`

func (s *sessionStore) Create(ctx context.Context, session *models.Session) error {
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	query := `
		INSERT INTO sessions (id, user_id, status, worker_id, phone_number,
			display_name, qr_code, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.pool.Exec(ctx, query,
		session.ID,
		session.UserID,
		session.Status,
		session.WorkerID,
		session.PhoneNumber,
		session.DisplayName,
		session.QRCode,
		session.LastSeenAt,
		session.CreatedAt,
		session.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, session.ID)
	}

	return nil
}

func (s *sessionStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

// ListActiveByWorker все не-disconnected сессии привязанные к воркеру
func (s *sessionStore) ListActiveByWorker(ctx context.Context, workerID string) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE worker_id = $1 AND status != $2
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query, workerID, models.SessionStatusDisconnected)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by worker: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

// ListAssignedWithOwners сессии воркера обогащенные тарифом и email
// владельца — воркеру это нужно для собственной reconciliation логики
func (s *sessionStore) ListAssignedWithOwners(ctx context.Context, workerID string) ([]*models.AssignedSession, error) {
	query := `
		SELECT s.id, s.user_id, s.status, s.phone_number, s.display_name,
			COALESCE(u.email, ''), COALESCE(u.tier, 'BASIC')
		FROM sessions s
		LEFT JOIN users u ON u.id = s.user_id
		WHERE s.worker_id = $1 AND s.status != $2
		ORDER BY s.id
	`

	rows, err := s.pool.Query(ctx, query, workerID, models.SessionStatusDisconnected)
	if err != nil {
		return nil, fmt.Errorf("failed to query assigned sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.AssignedSession
	for rows.Next() {
		var assigned models.AssignedSession

		err := rows.Scan(
			&assigned.SessionID,
			&assigned.UserID,
			&assigned.Status,
			&assigned.PhoneNumber,
			&assigned.DisplayName,
			&assigned.OwnerEmail,
			&assigned.OwnerTier,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assigned session row: %w", err)
		}

		sessions = append(sessions, &assigned)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assigned session rows: %w", err)
	}

	return sessions, nil
}

// CountByUser количество сессий пользователя в любом статусе.
// Тарифная квота считает слоты целиком: каждая существующая запись
// может быть подключена без повторной проверки, поэтому квоту нельзя
// считать только по подключенным.
func (s *sessionStore) CountByUser(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM sessions
		WHERE user_id = $1
	`

	var count int
	err := s.pool.QueryRow(ctx, query, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user sessions: %w", err)
	}

	return count, nil
}

// UpdateAssignment переводит сессию в новый статус и привязку к воркеру.
// workerID == nil снимает привязку (disconnected path).
func (s *sessionStore) UpdateAssignment(ctx context.Context, id string, status models.SessionStatus, workerID *string) error {
	query := `
		UPDATE sessions
		SET status = $1, worker_id = $2, updated_at = $3
		WHERE id = $4
	`

	result, err := s.pool.Exec(ctx, query, status, workerID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session assignment: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	return nil
}

// SyncState применяет дельту из heartbeat-а, обновляя только те поля
// которые реально изменились. Возвращает true если запись была изменена.
func (s *sessionStore) SyncState(ctx context.Context, id string, state *models.SessionState) (bool, error) {
	lastSeen := time.Now()
	if state.LastActivity != nil {
		lastSeen = *state.LastActivity
	}

	query := `
		UPDATE sessions
		SET status = $1,
			phone_number = CASE WHEN $2 != '' THEN $2 ELSE phone_number END,
			display_name = CASE WHEN $3 != '' THEN $3 ELSE display_name END,
			qr_code = CASE WHEN $4 != '' THEN $4 ELSE qr_code END,
			last_seen_at = $5,
			updated_at = $6
		WHERE id = $7
			AND (status != $1
				OR ($2 != '' AND phone_number IS DISTINCT FROM $2)
				OR ($3 != '' AND display_name IS DISTINCT FROM $3)
				OR ($4 != '' AND qr_code IS DISTINCT FROM $4))
	`

	result, err := s.pool.Exec(ctx, query,
		state.Status,
		state.PhoneNumber,
		state.DisplayName,
		state.QRCode,
		lastSeen,
		time.Now(),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to sync session state: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// DetachAllFromWorker принудительно переводит все не-disconnected сессии
// воркера в disconnected и снимает привязку. Явная замена ORM cascade.
func (s *sessionStore) DetachAllFromWorker(ctx context.Context, workerID string) (int64, error) {
	query := `
		UPDATE sessions
		SET status = $1, worker_id = NULL, updated_at = $2
		WHERE worker_id = $3 AND status != $1
	`

	result, err := s.pool.Exec(ctx, query, models.SessionStatusDisconnected, time.Now(), workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to detach sessions from worker: %w", err)
	}

	return result.RowsAffected(), nil
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	return nil
}

func (s *sessionStore) scanOne(row pgx.Row) (*models.Session, error) {
	var session models.Session
	var lastSeen *time.Time

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.Status,
		&session.WorkerID,
		&session.PhoneNumber,
		&session.DisplayName,
		&session.QRCode,
		&lastSeen,
		&session.CreatedAt,
		&session.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan session row: %w", err)
	}

	if lastSeen != nil {
		session.LastSeenAt = *lastSeen
	}

	return &session, nil
}

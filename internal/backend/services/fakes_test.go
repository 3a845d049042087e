package services

import (
	"WaFleet/internal/backend/models"
	"WaFleet/internal/backend/storage"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// In-memory фейки storage интерфейсов для юнит-тестов сервисов.

type memWorkerStore struct {
	mu      sync.Mutex
	workers map[string]*models.Worker
}

func newMemWorkerStore() *memWorkerStore {
	return &memWorkerStore{workers: make(map[string]*models.Worker)}
}

func (s *memWorkerStore) Upsert(_ context.Context, worker *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.workers[worker.ID]; ok {
		worker.RegisteredAt = existing.RegisteredAt
	} else if worker.RegisteredAt.IsZero() {
		worker.RegisteredAt = now
	}
	worker.UpdatedAt = now

	cp := *worker
	s.workers[worker.ID] = &cp
	return nil
}

func (s *memWorkerStore) GetByID(_ context.Context, id string) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return nil, nil
	}
	cp := *worker
	return &cp, nil
}

func (s *memWorkerStore) GetByEndpoint(_ context.Context, endpoint string) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, worker := range s.workers {
		if worker.Endpoint == endpoint {
			cp := *worker
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memWorkerStore) List(_ context.Context) ([]*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(*models.Worker) bool { return true }), nil
}

func (s *memWorkerStore) ListByStatus(_ context.Context, status models.WorkerStatus) ([]*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(w *models.Worker) bool { return w.Status == status }), nil
}

func (s *memWorkerStore) sorted(keep func(*models.Worker) bool) []*models.Worker {
	var out []*models.Worker
	for _, worker := range s.workers {
		if keep(worker) {
			cp := *worker
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memWorkerStore) UpdateHeartbeat(_ context.Context, worker *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.workers[worker.ID]
	if !ok {
		return errors.New("worker not found")
	}

	stored.Status = worker.Status
	stored.SessionCount = worker.SessionCount
	stored.MaxSessions = worker.MaxSessions
	stored.CPUUsage = worker.CPUUsage
	stored.MemoryUsage = worker.MemoryUsage
	stored.Version = worker.Version
	stored.Environment = worker.Environment
	stored.LastHeartbeat = worker.LastHeartbeat
	stored.UpdatedAt = time.Now()
	return nil
}

func (s *memWorkerStore) UpdateStatus(_ context.Context, id string, status models.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return errors.New("worker not found")
	}
	worker.Status = status
	return nil
}

func (s *memWorkerStore) SetSessionCount(_ context.Context, id string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return errors.New("worker not found")
	}
	if count < 0 {
		count = 0
	}
	worker.SessionCount = count
	return nil
}

func (s *memWorkerStore) ClaimSlot(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return false, nil
	}
	if worker.SessionCount >= worker.MaxSessions {
		return false, nil
	}
	worker.SessionCount++
	return true, nil
}

func (s *memWorkerStore) ReleaseSlot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return nil
	}
	if worker.SessionCount > 0 {
		worker.SessionCount--
	}
	return nil
}

func (s *memWorkerStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return errors.New("worker not found")
	}
	delete(s.workers, id)
	return nil
}

type memSessionStore struct {
	mu         sync.Mutex
	sessions   map[string]*models.Session
	owners     map[string]*models.User
	failUpdate bool
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{
		sessions: make(map[string]*models.Session),
		owners:   make(map[string]*models.User),
	}
}

func (s *memSessionStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateSession, session.ID)
	}

	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *memSessionStore) GetByID(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *session
	return &cp, nil
}

func (s *memSessionStore) ListActiveByWorker(_ context.Context, workerID string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if session.WorkerID != nil && *session.WorkerID == workerID &&
			session.Status != models.SessionStatusDisconnected {
			cp := *session
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memSessionStore) ListAssignedWithOwners(ctx context.Context, workerID string) ([]*models.AssignedSession, error) {
	active, err := s.ListActiveByWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AssignedSession
	for _, session := range active {
		assigned := &models.AssignedSession{
			SessionID:   session.ID,
			UserID:      session.UserID,
			Status:      session.Status,
			PhoneNumber: session.PhoneNumber,
			DisplayName: session.DisplayName,
			OwnerTier:   models.TierBasic,
		}
		if owner, ok := s.owners[session.UserID]; ok {
			assigned.OwnerEmail = owner.Email
			assigned.OwnerTier = owner.Tier
		}
		out = append(out, assigned)
	}
	return out, nil
}

func (s *memSessionStore) CountByUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, session := range s.sessions {
		if session.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *memSessionStore) UpdateAssignment(_ context.Context, id string, status models.SessionStatus, workerID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdate {
		return errors.New("store write failed")
	}

	session, ok := s.sessions[id]
	if !ok {
		return errors.New("session not found")
	}

	session.Status = status
	session.WorkerID = workerID
	session.UpdatedAt = time.Now()
	return nil
}

func (s *memSessionStore) SyncState(_ context.Context, id string, state *models.SessionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false, errors.New("session not found")
	}

	changed := false
	if session.Status != state.Status {
		session.Status = state.Status
		changed = true
	}
	if state.PhoneNumber != "" && session.PhoneNumber != state.PhoneNumber {
		session.PhoneNumber = state.PhoneNumber
		changed = true
	}
	if state.DisplayName != "" && session.DisplayName != state.DisplayName {
		session.DisplayName = state.DisplayName
		changed = true
	}
	if state.QRCode != "" && session.QRCode != state.QRCode {
		session.QRCode = state.QRCode
		changed = true
	}

	if state.LastActivity != nil {
		session.LastSeenAt = *state.LastActivity
	} else {
		session.LastSeenAt = time.Now()
	}
	return changed, nil
}

func (s *memSessionStore) DetachAllFromWorker(_ context.Context, workerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detached int64
	for _, session := range s.sessions {
		if session.WorkerID != nil && *session.WorkerID == workerID &&
			session.Status != models.SessionStatusDisconnected {
			session.Status = models.SessionStatusDisconnected
			session.WorkerID = nil
			detached++
		}
	}
	return detached, nil
}

func (s *memSessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return errors.New("session not found")
	}
	delete(s.sessions, id)
	return nil
}

type memUserStore struct {
	users map[string]*models.User
}

func newMemUserStore(users ...*models.User) *memUserStore {
	s := &memUserStore{users: make(map[string]*models.User)}
	for _, user := range users {
		s.users[user.ID] = user
	}
	return s
}

func (s *memUserStore) GetByID(_ context.Context, id string) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return user, nil
}

type memRoutingIndex struct {
	mu        sync.Mutex
	routes    map[string]string
	snapshots map[string]*models.WorkerSnapshot
	events    []interface{}
	failWrite bool
}

func newMemRoutingIndex() *memRoutingIndex {
	return &memRoutingIndex{
		routes:    make(map[string]string),
		snapshots: make(map[string]*models.WorkerSnapshot),
	}
}

func (r *memRoutingIndex) SetSessionRoute(_ context.Context, sessionID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrite {
		return errors.New("cache write failed")
	}
	r.routes[sessionID] = workerID
	return nil
}

func (r *memRoutingIndex) GetSessionRoute(_ context.Context, sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[sessionID], nil
}

func (r *memRoutingIndex) DeleteSessionRoute(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, sessionID)
	return nil
}

func (r *memRoutingIndex) SetWorkerSnapshot(_ context.Context, snapshot *models.WorkerSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrite {
		return errors.New("cache write failed")
	}
	cp := *snapshot
	r.snapshots[snapshot.WorkerID] = &cp
	return nil
}

func (r *memRoutingIndex) GetWorkerSnapshot(_ context.Context, workerID string) (*models.WorkerSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, ok := r.snapshots[workerID]
	if !ok {
		return nil, nil
	}
	cp := *snapshot
	return &cp, nil
}

func (r *memRoutingIndex) DeleteWorkerSnapshot(_ context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, workerID)
	return nil
}

func (r *memRoutingIndex) PublishEvent(_ context.Context, event interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *memRoutingIndex) Close() error { return nil }

func (r *memRoutingIndex) route(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[sessionID]
}

type memMetricsStore struct {
	mu      sync.Mutex
	samples []*models.WorkerMetricsSample
	fail    bool
}

func (s *memMetricsStore) Append(_ context.Context, sample *models.WorkerMetricsSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("metrics store down")
	}
	s.samples = append(s.samples, sample)
	return nil
}

// fakeProber управляемый probe: по умолчанию все endpoint-ы живые
type fakeProber struct {
	mu     sync.Mutex
	down   map[string]bool
	probes int
}

func newFakeProber() *fakeProber {
	return &fakeProber{down: make(map[string]bool)}
}

func (p *fakeProber) Probe(_ context.Context, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.down[endpoint] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProber) setDown(endpoint string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[endpoint] = down
}

// fakeForwarder управляемый форвардер session команд
type fakeForwarder struct {
	mu        sync.Mutex
	failStart bool
	started   []string
	stopped   []string
}

func (f *fakeForwarder) StartSession(_ context.Context, _, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return errors.New("worker exploded")
	}
	f.started = append(f.started, sessionID)
	return nil
}

func (f *fakeForwarder) StopSession(_ context.Context, _, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sessionID)
	return nil
}

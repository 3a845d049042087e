package services

import (
	"WaFleet/internal/backend/models"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fleetFixture struct {
	fleet    *FleetService
	workers  *memWorkerStore
	sessions *memSessionStore
	routing  *memRoutingIndex
	metrics  *memMetricsStore
	prober   *fakeProber
}

func newFleetFixture(t *testing.T) *fleetFixture {
	t.Helper()

	f := &fleetFixture{
		workers:  newMemWorkerStore(),
		sessions: newMemSessionStore(),
		routing:  newMemRoutingIndex(),
		metrics:  &memMetricsStore{},
		prober:   newFakeProber(),
	}

	f.fleet = NewFleetService(
		f.workers, f.sessions, f.routing, f.metrics, f.prober,
		FleetServiceConfig{HeartbeatTimeout: 2 * time.Minute},
		nil,
	)

	return f
}

func (f *fleetFixture) register(t *testing.T, id, endpoint string, maxSessions int) *models.Worker {
	t.Helper()

	result, err := f.fleet.RegisterWorker(context.Background(), &models.RegisterWorkerRequest{
		WorkerID:    id,
		Endpoint:    endpoint,
		MaxSessions: maxSessions,
	})
	require.NoError(t, err)
	return result.Worker
}

func (f *fleetFixture) seedSession(id, userID string, status models.SessionStatus, workerID *string) {
	session := &models.Session{
		ID:     id,
		UserID: userID,
		Status: status,
	}
	if workerID != nil {
		w := *workerID
		session.WorkerID = &w
	}
	cp := *session
	f.sessions.sessions[id] = &cp
}

func TestRegisterWorker(t *testing.T) {
	f := newFleetFixture(t)

	result, err := f.fleet.RegisterWorker(context.Background(), &models.RegisterWorkerRequest{
		WorkerID:    "Worker One",
		Endpoint:    "http://10.0.0.1:8001",
		MaxSessions: 5,
		Environment: models.EnvStaging,
	})
	require.NoError(t, err)

	assert.Equal(t, "worker-one", result.Worker.ID) // id нормализован в slug
	assert.Equal(t, models.WorkerStatusOnline, result.Worker.Status)
	assert.Equal(t, 5, result.Worker.MaxSessions)
	assert.False(t, result.RecoveryRequired)
	assert.Equal(t, 1, f.prober.probes)

	// кеш засеян снимком
	snapshot, err := f.routing.GetWorkerSnapshot(context.Background(), "worker-one")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, "http://10.0.0.1:8001", snapshot.Endpoint)
}

func TestRegisterWorkerSamePairIsIdempotent(t *testing.T) {
	f := newFleetFixture(t)

	first := f.register(t, "w1", "http://10.0.0.1:8001", 5)

	// перерегистрация той же пары освежает запись, не дублирует
	result, err := f.fleet.RegisterWorker(context.Background(), &models.RegisterWorkerRequest{
		WorkerID:    "w1",
		Endpoint:    "http://10.0.0.1:8001",
		MaxSessions: 8,
	})
	require.NoError(t, err)

	all, err := f.workers.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Equal(t, models.WorkerStatusOnline, result.Worker.Status)
	assert.Equal(t, 8, result.Worker.MaxSessions)
	assert.Equal(t, first.RegisteredAt, result.Worker.RegisteredAt)
}

func TestRegisterWorkerEndpointConflict(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	_, err := f.fleet.RegisterWorker(context.Background(), &models.RegisterWorkerRequest{
		WorkerID: "w2",
		Endpoint: "http://10.0.0.1:8001",
	})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestRegisterWorkerIDConflict(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	_, err := f.fleet.RegisterWorker(context.Background(), &models.RegisterWorkerRequest{
		WorkerID: "w1",
		Endpoint: "http://10.0.0.2:8001",
	})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestRegisterWorkerInvalidEndpoint(t *testing.T) {
	f := newFleetFixture(t)

	for _, endpoint := range []string{"", "10.0.0.1:8001", "ftp://host", "http://"} {
		_, err := f.fleet.RegisterWorker(context.Background(), &models.RegisterWorkerRequest{
			WorkerID: "w1",
			Endpoint: endpoint,
		})

		var validation *ValidationError
		assert.ErrorAs(t, err, &validation, "endpoint %q", endpoint)
	}
}

func TestRegisterWorkerProbeFailure(t *testing.T) {
	f := newFleetFixture(t)
	f.prober.setDown("http://10.0.0.1:8001", true)

	_, err := f.fleet.RegisterWorker(context.Background(), &models.RegisterWorkerRequest{
		WorkerID: "w1",
		Endpoint: "http://10.0.0.1:8001",
	})

	var connectivity *ConnectivityError
	require.ErrorAs(t, err, &connectivity)

	// ничего не закоммичено
	worker, err := f.workers.GetByID(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, worker)
}

func TestRegisterWorkerDetectsRecoveryScenario(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	workerID := "w1"
	f.seedSession("s1", "u1", models.SessionStatusConnected, &workerID)
	f.seedSession("s2", "u1", models.SessionStatusReconnecting, &workerID)
	f.seedSession("s3", "u1", models.SessionStatusDisconnected, nil)

	// воркер перезапустился и регистрируется заново
	result, err := f.fleet.RegisterWorker(context.Background(), &models.RegisterWorkerRequest{
		WorkerID: "w1",
		Endpoint: "http://10.0.0.1:8001",
	})
	require.NoError(t, err)

	assert.True(t, result.RecoveryRequired)
	assert.Equal(t, 2, result.AssignedSessionCount)
}

func TestRemoveWorkerNotFound(t *testing.T) {
	f := newFleetFixture(t)

	_, err := f.fleet.RemoveWorker(context.Background(), "ghost")

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRemoveWorkerDetachesSessions(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	workerID := "w1"
	f.seedSession("s1", "u1", models.SessionStatusConnected, &workerID)
	f.routing.routes["s1"] = "w1"

	result, err := f.fleet.RemoveWorker(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.MigratedSessions)

	session, err := f.sessions.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDisconnected, session.Status)
	assert.Nil(t, session.WorkerID)
	assert.Empty(t, f.routing.route("s1"))

	worker, err := f.workers.GetByID(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, worker)

	snapshot, err := f.routing.GetWorkerSnapshot(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	f := newFleetFixture(t)

	_, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "ghost", &models.HeartbeatRecord{
		Status: models.WorkerStatusOnline,
	})

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestHeartbeatSyncsSessionStates(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	workerID := "w1"
	f.seedSession("s1", "u1", models.SessionStatusInit, &workerID)
	f.seedSession("s2", "u1", models.SessionStatusConnected, &workerID)

	result, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "w1", &models.HeartbeatRecord{
		Status: models.WorkerStatusOnline,
		Sessions: []models.SessionState{
			{SessionID: "s1", Status: models.SessionStatusConnected, PhoneNumber: "+100"},
			{SessionID: "s2", Status: models.SessionStatusError},
		},
		SessionCount: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.SessionsProcessed)
	assert.Equal(t, 2, result.SessionsSynced)
	assert.Equal(t, 2, result.Worker.SessionCount)

	s1, _ := f.sessions.GetByID(context.Background(), "s1")
	assert.Equal(t, models.SessionStatusConnected, s1.Status)
	assert.Equal(t, "+100", s1.PhoneNumber)
	assert.Equal(t, "w1", f.routing.route("s1")) // routable -> указатель записан

	s2, _ := f.sessions.GetByID(context.Background(), "s2")
	assert.Equal(t, models.SessionStatusError, s2.Status)
	assert.Empty(t, f.routing.route("s2")) // error -> указатель снят

	assert.Len(t, f.metrics.samples, 1)
}

func TestHeartbeatDisconnectedReportClearsAssignment(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	workerID := "w1"
	f.seedSession("s1", "u1", models.SessionStatusConnected, &workerID)
	f.routing.routes["s1"] = "w1"

	result, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "w1", &models.HeartbeatRecord{
		Status: models.WorkerStatusOnline,
		Sessions: []models.SessionState{
			{SessionID: "s1", Status: models.SessionStatusDisconnected},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SessionsSynced)

	// disconnected сессия не может оставаться привязанной к воркеру
	s1, _ := f.sessions.GetByID(context.Background(), "s1")
	assert.Equal(t, models.SessionStatusDisconnected, s1.Status)
	assert.Nil(t, s1.WorkerID)
	assert.Empty(t, f.routing.route("s1"))

	// и удаление воркера после такого heartbeat-а не оставляет
	// висячих ссылок на несуществующий воркер
	_, err = f.fleet.RemoveWorker(context.Background(), "w1")
	require.NoError(t, err)

	s1, _ = f.sessions.GetByID(context.Background(), "s1")
	assert.Nil(t, s1.WorkerID)
}

func TestHeartbeatSkipsForeignSessions(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)
	f.register(t, "w2", "http://10.0.0.2:8001", 5)

	otherWorker := "w2"
	f.seedSession("s1", "u1", models.SessionStatusConnected, &otherWorker)

	// воркер не может перетирать сессию которой не владеет
	result, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "w1", &models.HeartbeatRecord{
		Status: models.WorkerStatusOnline,
		Sessions: []models.SessionState{
			{SessionID: "s1", Status: models.SessionStatusDisconnected},
		},
		SessionCount: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.SessionsProcessed)
	assert.Equal(t, 0, result.SessionsSynced)

	s1, _ := f.sessions.GetByID(context.Background(), "s1")
	assert.Equal(t, models.SessionStatusConnected, s1.Status)
	assert.Equal(t, "w2", *s1.WorkerID)
}

func TestHeartbeatAcceptsInconsistentBreakdown(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	// сумма компонентов не сходится с total: принимаем, только логируем
	result, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "w1", &models.HeartbeatRecord{
		Status:   models.WorkerStatusOnline,
		Sessions: []models.SessionState{},
		ReportedBreakdown: &models.SessionBreakdown{
			Total:     10,
			Connected: 3,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, result)
}

func TestHeartbeatToleratesCacheAndMetricsFailures(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	f.routing.failWrite = true
	f.metrics.fail = true

	result, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "w1", &models.HeartbeatRecord{
		Status:   models.WorkerStatusOnline,
		Sessions: []models.SessionState{},
	})
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusOnline, result.Worker.Status)
}

func TestHeartbeatLegacyScalarShape(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	result, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "w1", &models.HeartbeatRecord{
		Status:       models.WorkerStatusOnline,
		SessionCount: 3,
		Legacy:       true,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Worker.SessionCount)
	assert.Equal(t, 0, result.SessionsProcessed)

	// legacy скаляр не несет состава: в снимок breakdown не пишется,
	// scoring для такого воркера остается в basic режиме
	snapshot, err := f.routing.GetWorkerSnapshot(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Nil(t, snapshot.Breakdown)
	assert.Equal(t, 3, snapshot.SessionCount)
}

func TestLegacyHeartbeatDoesNotPoisonScoring(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "a-loaded", "http://10.0.0.1:8001", 10)
	f.register(t, "b-idle", "http://10.0.0.2:8001", 10)

	_, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "a-loaded", &models.HeartbeatRecord{
		Status:       models.WorkerStatusOnline,
		SessionCount: 3,
		Legacy:       true,
	})
	require.NoError(t, err)

	_, err = f.fleet.UpdateWorkerHeartbeat(context.Background(), "b-idle", &models.HeartbeatRecord{
		Status:   models.WorkerStatusOnline,
		Sessions: []models.SessionState{},
	})
	require.NoError(t, err)

	// нагруженный legacy воркер не должен выигрывать у пустого за счет
	// сфабрикованного нулевого breakdown-а в кеше
	selected, err := f.fleet.GetAvailableWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b-idle", selected.ID)
}

func TestHeartbeatAppliesCapabilitiesAndMetrics(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	maxSessions := 20
	version := "2.1.0"
	env := models.EnvProduction
	cpu := 33.0
	mem := 250.0 // за пределами шкалы, должен clamp-нуться

	result, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "w1", &models.HeartbeatRecord{
		Status:   models.WorkerStatusOnline,
		Sessions: []models.SessionState{},
		Capabilities: &models.WorkerCapabilities{
			MaxSessions: &maxSessions,
			Version:     &version,
			Environment: &env,
		},
		Metrics: &models.WorkerMetrics{CPUUsage: &cpu, MemoryUsage: &mem},
	})
	require.NoError(t, err)

	assert.Equal(t, 20, result.Worker.MaxSessions)
	assert.Equal(t, "2.1.0", result.Worker.Version)
	assert.Equal(t, models.EnvProduction, result.Worker.Environment)
	assert.Equal(t, 33.0, result.Worker.CPUUsage)
	assert.Equal(t, 100.0, result.Worker.MemoryUsage)
}

func TestGetAvailableWorkerNoCandidates(t *testing.T) {
	f := newFleetFixture(t)

	// пустой флот
	_, err := f.fleet.GetAvailableWorker(context.Background())
	require.ErrorIs(t, err, ErrNoAvailableWorker)

	// все online воркеры забиты под завязку
	worker := f.register(t, "w1", "http://10.0.0.1:8001", 2)
	worker.SessionCount = 2
	require.NoError(t, f.workers.Upsert(context.Background(), worker))
	require.NoError(t, f.workers.SetSessionCount(context.Background(), "w1", 2))

	_, err = f.fleet.GetAvailableWorker(context.Background())
	require.ErrorIs(t, err, ErrNoAvailableWorker)

	// offline воркер с местом тоже не кандидат
	f.register(t, "w2", "http://10.0.0.2:8001", 5)
	require.NoError(t, f.workers.UpdateStatus(context.Background(), "w2", models.WorkerStatusOffline))

	_, err = f.fleet.GetAvailableWorker(context.Background())
	require.ErrorIs(t, err, ErrNoAvailableWorker)
}

func TestGetAvailableWorkerPicksLowestScore(t *testing.T) {
	f := newFleetFixture(t)

	busy := f.register(t, "busy", "http://10.0.0.1:8001", 10)
	require.NoError(t, f.workers.SetSessionCount(context.Background(), busy.ID, 9))

	idle := f.register(t, "idle", "http://10.0.0.2:8001", 10)
	require.NoError(t, f.workers.SetSessionCount(context.Background(), idle.ID, 1))

	selected, err := f.fleet.GetAvailableWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "idle", selected.ID)
}

func TestGetAvailableWorkerTieBreaksByLowestID(t *testing.T) {
	f := newFleetFixture(t)

	f.register(t, "w-b", "http://10.0.0.1:8001", 10)
	f.register(t, "w-a", "http://10.0.0.2:8001", 10)

	// идентичные воркеры: побеждает наименьший id
	selected, err := f.fleet.GetAvailableWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "w-a", selected.ID)
}

func TestGetAvailableWorkerUsesEnhancedScoringFromSnapshot(t *testing.T) {
	f := newFleetFixture(t)

	sick := f.register(t, "a-sick", "http://10.0.0.1:8001", 10)
	healthy := f.register(t, "b-healthy", "http://10.0.0.2:8001", 10)
	require.NoError(t, f.workers.SetSessionCount(context.Background(), sick.ID, 2))
	require.NoError(t, f.workers.SetSessionCount(context.Background(), healthy.ID, 2))

	// у sick в снимке половина сессий в error
	require.NoError(t, f.routing.SetWorkerSnapshot(context.Background(), &models.WorkerSnapshot{
		WorkerID:  sick.ID,
		Breakdown: &models.SessionBreakdown{Total: 2, Connected: 1, Error: 1},
	}))
	require.NoError(t, f.routing.SetWorkerSnapshot(context.Background(), &models.WorkerSnapshot{
		WorkerID:  healthy.ID,
		Breakdown: &models.SessionBreakdown{Total: 2, Connected: 2},
	}))

	selected, err := f.fleet.GetAvailableWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b-healthy", selected.ID)
}

func TestClaimSlotIsConditional(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 1)

	claimed, err := f.fleet.ClaimWorkerSlot(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// второй конкурентный claim в последний слот обязан проиграть
	claimed, err = f.fleet.ClaimWorkerSlot(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestReleaseSlotClampsAtZero(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	require.NoError(t, f.fleet.ReleaseWorkerSlot(context.Background(), "w1"))
	require.NoError(t, f.fleet.ReleaseWorkerSlot(context.Background(), "w1"))

	worker, err := f.workers.GetByID(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, worker.SessionCount)
}

func TestDetectStaleWorkers(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "fresh", "http://10.0.0.1:8001", 5)
	stale := f.register(t, "stale", "http://10.0.0.2:8001", 5)

	workerID := stale.ID
	f.seedSession("s1", "u1", models.SessionStatusConnected, &workerID)
	f.routing.routes["s1"] = workerID

	// heartbeat старше порога в 2 минуты
	stale.LastHeartbeat = time.Now().Add(-3 * time.Minute)
	require.NoError(t, f.workers.UpdateHeartbeat(context.Background(), stale))

	detected := f.fleet.DetectStaleWorkers(context.Background())
	assert.Equal(t, 1, detected)

	worker, _ := f.workers.GetByID(context.Background(), "stale")
	assert.Equal(t, models.WorkerStatusOffline, worker.Status)

	session, _ := f.sessions.GetByID(context.Background(), "s1")
	assert.Equal(t, models.SessionStatusDisconnected, session.Status)
	assert.Nil(t, session.WorkerID)
	assert.Empty(t, f.routing.route("s1"))

	fresh, _ := f.workers.GetByID(context.Background(), "fresh")
	assert.Equal(t, models.WorkerStatusOnline, fresh.Status)
}

func TestHeartbeatRunsStaleSweep(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "alive", "http://10.0.0.1:8001", 5)
	stale := f.register(t, "stale", "http://10.0.0.2:8001", 5)

	stale.LastHeartbeat = time.Now().Add(-5 * time.Minute)
	require.NoError(t, f.workers.UpdateHeartbeat(context.Background(), stale))

	// sweep амортизирован на heartbeat трафик
	result, err := f.fleet.UpdateWorkerHeartbeat(context.Background(), "alive", &models.HeartbeatRecord{
		Status:   models.WorkerStatusOnline,
		Sessions: []models.SessionState{},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.StaleWorkersDetected)
}

func TestMarkWorkerOfflineIsIdempotent(t *testing.T) {
	f := newFleetFixture(t)
	f.register(t, "w1", "http://10.0.0.1:8001", 5)

	require.NoError(t, f.fleet.MarkWorkerOffline(context.Background(), "w1", "test"))
	require.NoError(t, f.fleet.MarkWorkerOffline(context.Background(), "w1", "test"))

	worker, _ := f.workers.GetByID(context.Background(), "w1")
	assert.Equal(t, models.WorkerStatusOffline, worker.Status)
}

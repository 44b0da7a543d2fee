package services

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/adapters/logger"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/pkg/errors"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"github.com/google/uuid"
)

func testLogger(t *testing.T) interfaces.LoggerPort {
	t.Helper()
	log, err := logger.NewZapLogger("error", false)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// fakeStorage хранилище запусков в памяти для тестов
type fakeStorage struct {
	runs     map[string]*models.SyncRun
	mappings map[string]*models.FieldMapping
	saveErr  error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		runs:     map[string]*models.SyncRun{},
		mappings: map[string]*models.FieldMapping{},
	}
}

func (f *fakeStorage) SaveSyncRun(ctx context.Context, run *models.SyncRun) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	copied := *run
	f.runs[run.ID] = &copied
	return nil
}

func (f *fakeStorage) GetSyncRun(ctx context.Context, runID, tenantID string) (*models.SyncRun, error) {
	run, ok := f.runs[runID]
	if !ok || run.TenantID != tenantID {
		return nil, errors.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (f *fakeStorage) ListSyncRuns(ctx context.Context, tenantID string, limit, offset int) ([]*models.SyncRun, error) {
	var result []*models.SyncRun
	for _, run := range f.runs {
		if run.TenantID == tenantID {
			result = append(result, run)
		}
	}
	return result, nil
}

func (f *fakeStorage) GetLastCompletedRun(ctx context.Context, tenantID, syncType string) (*models.SyncRun, error) {
	var last *models.SyncRun
	for _, run := range f.runs {
		if run.TenantID != tenantID || run.Type != syncType || run.Status != models.SyncStatusCompleted {
			continue
		}
		if last == nil || (run.CompletedAt != nil && last.CompletedAt != nil && run.CompletedAt.After(*last.CompletedAt)) {
			last = run
		}
	}
	if last == nil {
		return nil, errors.ErrNotFound
	}
	return last, nil
}

func (f *fakeStorage) SaveFieldMapping(ctx context.Context, mapping *models.FieldMapping) error {
	if mapping.ID == "" {
		mapping.ID = uuid.New().String()
	}
	f.mappings[mapping.ID] = mapping
	return nil
}

func (f *fakeStorage) ListFieldMappings(ctx context.Context, tenantID string) ([]*models.FieldMapping, error) {
	var result []*models.FieldMapping
	for _, m := range f.mappings {
		if m.TenantID == tenantID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (f *fakeStorage) DeleteFieldMapping(ctx context.Context, mappingID, tenantID string) error {
	m, ok := f.mappings[mappingID]
	if !ok || m.TenantID != tenantID {
		return errors.ErrNotFound
	}
	delete(f.mappings, mappingID)
	return nil
}

func (f *fakeStorage) SaveConnection(ctx context.Context, conn *models.SpreadsheetConnection) error {
	return nil
}

func (f *fakeStorage) GetConnection(ctx context.Context, tenantID string) (*models.SpreadsheetConnection, error) {
	return nil, errors.ErrNotFound
}

func (f *fakeStorage) UpdateConnectionTokens(ctx context.Context, tenantID string, accessCipher []byte, expiresAt *time.Time) error {
	return nil
}

func (f *fakeStorage) DeleteConnection(ctx context.Context, tenantID string) error { return nil }

func (f *fakeStorage) BeginTx(ctx context.Context) (context.Context, error) { return ctx, nil }
func (f *fakeStorage) CommitTx(ctx context.Context) error                   { return nil }
func (f *fakeStorage) RollbackTx(ctx context.Context) error                 { return nil }
func (f *fakeStorage) Close() error                                         { return nil }

// fakeCache кэш в памяти, ключи дополняются арендатором
type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (f *fakeCache) key(key, tenantID string) string { return tenantID + ":" + key }

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	return f.GetWithTenant(ctx, key, "")
}

func (f *fakeCache) GetWithTenant(ctx context.Context, key, tenantID string) ([]byte, error) {
	v, ok := f.data[f.key(key, tenantID)]
	if !ok {
		return nil, errors.ErrCacheMiss
	}
	return v, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	return f.SetWithTenant(ctx, key, value, "", 0)
}

func (f *fakeCache) SetWithTenant(ctx context.Context, key string, value []byte, tenantID string, _ time.Duration) error {
	f.data[f.key(key, tenantID)] = value
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, key string) error {
	return f.DeleteWithTenant(ctx, key, "")
}

func (f *fakeCache) DeleteWithTenant(ctx context.Context, key, tenantID string) error {
	delete(f.data, f.key(key, tenantID))
	return nil
}

func (f *fakeCache) Close() error { return nil }

// fakeMessaging собирает публикации по темам
type fakeMessaging struct {
	published  map[string][][]byte
	publishErr error
}

func newFakeMessaging() *fakeMessaging {
	return &fakeMessaging{published: map[string][][]byte{}}
}

func (f *fakeMessaging) Publish(ctx context.Context, topic string, message []byte) error {
	return f.PublishForTenant(ctx, topic, message, "")
}

func (f *fakeMessaging) PublishWithKey(ctx context.Context, topic, key string, message []byte) error {
	return f.PublishForTenant(ctx, topic, message, key)
}

func (f *fakeMessaging) PublishForTenant(ctx context.Context, topic string, message []byte, tenantID string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[topic] = append(f.published[topic], message)
	return nil
}

func (f *fakeMessaging) Subscribe(ctx context.Context, topic string, handler interfaces.MessageHandler) (func() error, error) {
	return func() error { return nil }, nil
}

func (f *fakeMessaging) Close() error { return nil }

// executorFunc адаптер функции к интерфейсу исполнителя
type executorFunc func(ctx context.Context, run *models.SyncRun, req *SyncRequest) (int, error)

func (f executorFunc) Execute(ctx context.Context, run *models.SyncRun, req *SyncRequest) (int, error) {
	return f(ctx, run, req)
}

type serviceFixture struct {
	service   *SyncService
	storage   *fakeStorage
	cache     *fakeCache
	messaging *fakeMessaging
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	st := newFakeStorage()
	cache := newFakeCache()
	msg := newFakeMessaging()
	svc := NewSyncService(st, cache, msg, testLogger(t), SyncServiceOptions{
		JobsTopic:   "sync-jobs",
		EventsTopic: "sync-events",
	})
	return &serviceFixture{service: svc, storage: st, cache: cache, messaging: msg}
}

func TestStartSyncRejectsInvalidRequests(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		tenantID string
		req      SyncRequest
	}{
		{"missing tenant", "", SyncRequest{Type: models.SyncTypeProducts}},
		{"unknown type", "t1", SyncRequest{Type: "cosmic"}},
		{"unknown strategy", "t1", SyncRequest{Type: models.SyncTypeProducts, Strategy: "sideways"}},
		{"unknown conflict policy", "t1", SyncRequest{Type: models.SyncTypeImport, ConflictResolution: "coin_flip"}},
		{"selective without ids", "t1", SyncRequest{Type: models.SyncTypeProducts, Strategy: models.StrategySelective}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			_, err := fx.service.StartSync(ctx, tc.tenantID, &req)
			if !syncerr.Is(err, syncerr.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	if len(fx.storage.runs) != 0 {
		t.Errorf("invalid requests must not create runs, found %d", len(fx.storage.runs))
	}
}

func TestStartSyncDefaultsApplied(t *testing.T) {
	fx := newServiceFixture(t)
	fx.service.SetExecutor(executorFunc(func(ctx context.Context, run *models.SyncRun, req *SyncRequest) (int, error) {
		if req.Strategy != models.StrategyFull {
			t.Errorf("expected default full strategy, got %q", req.Strategy)
		}
		if req.ConflictResolution != models.ConflictShopifyWins {
			t.Errorf("expected default conflict policy, got %q", req.ConflictResolution)
		}
		return 0, nil
	}))

	req := SyncRequest{Type: models.SyncTypeProducts}
	if _, err := fx.service.StartSync(context.Background(), "t1", &req); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	importReq := SyncRequest{Type: models.SyncTypeImport}
	if _, err := fx.service.StartSync(context.Background(), "t1", &importReq); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if importReq.ImportMode != ImportModeApply {
		t.Errorf("expected default import mode, got %q", importReq.ImportMode)
	}

	// Полный запуск содержит фазу импорта и тоже получает режим по умолчанию
	fullReq := SyncRequest{Type: models.SyncTypeFull}
	if _, err := fx.service.StartSync(context.Background(), "t1", &fullReq); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if fullReq.ImportMode != ImportModeApply {
		t.Errorf("expected default import mode on full run, got %q", fullReq.ImportMode)
	}
}

func TestStartSyncSynchronousCompletesRun(t *testing.T) {
	fx := newServiceFixture(t)
	fx.service.SetExecutor(executorFunc(func(ctx context.Context, run *models.SyncRun, req *SyncRequest) (int, error) {
		return 42, nil
	}))

	run, err := fx.service.StartSync(context.Background(), "t1", &SyncRequest{Type: models.SyncTypeProducts})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if run.Status != models.SyncStatusCompleted {
		t.Errorf("expected completed status, got %q", run.Status)
	}
	if run.RecordsProcessed != 42 {
		t.Errorf("expected 42 records, got %d", run.RecordsProcessed)
	}

	stored := fx.storage.runs[run.ID]
	if stored == nil || stored.Status != models.SyncStatusCompleted {
		t.Error("completed status not persisted")
	}

	events := fx.messaging.published["sync-events"]
	if len(events) == 0 {
		t.Fatal("expected a completion event")
	}
	var event map[string]interface{}
	if err := json.Unmarshal(events[len(events)-1], &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if event["status"] != models.SyncStatusCompleted || event["run_id"] != run.ID {
		t.Errorf("unexpected event payload: %v", event)
	}
}

func TestStartSyncSynchronousFailureMarksRunFailed(t *testing.T) {
	fx := newServiceFixture(t)
	fx.service.SetExecutor(executorFunc(func(ctx context.Context, run *models.SyncRun, req *SyncRequest) (int, error) {
		return 0, stderrors.New("sheet unavailable")
	}))

	run, err := fx.service.StartSync(context.Background(), "t1", &SyncRequest{Type: models.SyncTypeProducts})
	if err == nil {
		t.Fatal("expected error from failed executor")
	}
	if run == nil || run.Status != models.SyncStatusFailed {
		t.Fatalf("expected failed run returned alongside error, got %+v", run)
	}
	if fx.storage.runs[run.ID].ErrorMessage == "" {
		t.Error("failure reason not persisted")
	}
}

func TestStartSyncAsyncEnqueuesJob(t *testing.T) {
	fx := newServiceFixture(t)

	run, err := fx.service.StartSync(context.Background(), "t1", &SyncRequest{
		Type:  models.SyncTypeProducts,
		Async: true,
	})
	if err != nil {
		t.Fatalf("async start failed: %v", err)
	}
	if run.Status != models.SyncStatusPending {
		t.Errorf("async run must stay pending, got %q", run.Status)
	}

	jobs := fx.messaging.published["sync-jobs"]
	if len(jobs) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(jobs))
	}
	var job SyncJob
	if err := json.Unmarshal(jobs[0], &job); err != nil {
		t.Fatalf("failed to decode job: %v", err)
	}
	if job.RunID != run.ID || job.TenantID != "t1" || job.Request.Type != models.SyncTypeProducts {
		t.Errorf("unexpected job payload: %+v", job)
	}
}

func TestStartSyncAsyncEnqueueFailureMarksRunFailed(t *testing.T) {
	fx := newServiceFixture(t)
	fx.messaging.publishErr = stderrors.New("broker down")

	_, err := fx.service.StartSync(context.Background(), "t1", &SyncRequest{
		Type:  models.SyncTypeProducts,
		Async: true,
	})
	if err == nil {
		t.Fatal("expected enqueue error")
	}

	var failed *models.SyncRun
	for _, run := range fx.storage.runs {
		failed = run
	}
	if failed == nil || failed.Status != models.SyncStatusFailed {
		t.Errorf("expected run marked failed after enqueue error, got %+v", failed)
	}
}

func TestStartSyncIncrementalSinceFromLastRun(t *testing.T) {
	fx := newServiceFixture(t)

	completedAt := time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC)
	prior := &models.SyncRun{
		TenantID:    "t1",
		Type:        models.SyncTypeProducts,
		Status:      models.SyncStatusCompleted,
		CompletedAt: &completedAt,
	}
	if err := fx.storage.SaveSyncRun(context.Background(), prior); err != nil {
		t.Fatalf("failed to seed prior run: %v", err)
	}

	var gotSince *time.Time
	fx.service.SetExecutor(executorFunc(func(ctx context.Context, run *models.SyncRun, req *SyncRequest) (int, error) {
		gotSince = req.Since
		return 0, nil
	}))

	_, err := fx.service.StartSync(context.Background(), "t1", &SyncRequest{
		Type:     models.SyncTypeProducts,
		Strategy: models.StrategyIncremental,
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if gotSince == nil || !gotSince.Equal(completedAt) {
		t.Errorf("expected since from last completed run %v, got %v", completedAt, gotSince)
	}
}

func TestStartSyncIncrementalSinceDefaultWindow(t *testing.T) {
	fx := newServiceFixture(t)

	var gotSince *time.Time
	fx.service.SetExecutor(executorFunc(func(ctx context.Context, run *models.SyncRun, req *SyncRequest) (int, error) {
		gotSince = req.Since
		return 0, nil
	}))

	before := time.Now().UTC().Add(-30 * 24 * time.Hour)
	_, err := fx.service.StartSync(context.Background(), "t1", &SyncRequest{
		Type:     models.SyncTypeProducts,
		Strategy: models.StrategyIncremental,
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if gotSince == nil {
		t.Fatal("expected a default since window")
	}
	if gotSince.Before(before.Add(-time.Minute)) || gotSince.After(time.Now().UTC()) {
		t.Errorf("default since outside expected window: %v", gotSince)
	}
}

func TestGetProgressPrefersCacheSnapshot(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	run := &models.SyncRun{TenantID: "t1", Type: models.SyncTypeProducts, Status: models.SyncStatusProcessing}
	if err := fx.storage.SaveSyncRun(ctx, run); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}

	snapshot := models.Progress{
		RunID:            run.ID,
		Status:           models.SyncStatusProcessing,
		RecordsProcessed: 120,
		TotalRecords:     500,
		Percentage:       24,
	}
	payload, _ := json.Marshal(snapshot)
	fx.cache.SetWithTenant(ctx, "progress:"+run.ID, payload, "t1", 0)

	progress, err := fx.service.GetProgress(ctx, run.ID, "t1")
	if err != nil {
		t.Fatalf("get progress failed: %v", err)
	}
	if progress.RecordsProcessed != 120 || progress.TotalRecords != 500 {
		t.Errorf("expected cached snapshot, got %+v", progress)
	}
}

func TestGetProgressFallsBackToStorage(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	run := &models.SyncRun{TenantID: "t1", Type: models.SyncTypeProducts, Status: models.SyncStatusCompleted}
	run.MarkAsCompleted(300)
	run.TotalRecords = 300
	if err := fx.storage.SaveSyncRun(ctx, run); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}

	progress, err := fx.service.GetProgress(ctx, run.ID, "t1")
	if err != nil {
		t.Fatalf("get progress failed: %v", err)
	}
	if progress.Status != models.SyncStatusCompleted || progress.RecordsProcessed != 300 {
		t.Errorf("unexpected progress from storage: %+v", progress)
	}
}

func TestGetProgressUnknownRun(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.service.GetProgress(context.Background(), "does-not-exist", "t1")
	if !syncerr.Is(err, syncerr.KindNotFound) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestGetRunScopedToTenant(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	run := &models.SyncRun{TenantID: "t1", Type: models.SyncTypeProducts, Status: models.SyncStatusPending}
	if err := fx.storage.SaveSyncRun(ctx, run); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}

	if _, err := fx.service.GetRun(ctx, run.ID, "t1"); err != nil {
		t.Errorf("owner must see the run: %v", err)
	}
	if _, err := fx.service.GetRun(ctx, run.ID, "t2"); !syncerr.Is(err, syncerr.KindNotFound) {
		t.Errorf("foreign tenant must get not-found, got %v", err)
	}
}

func TestConflictsRoundTrip(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	set := &models.ConflictSet{
		RunID:    "run-1",
		TenantID: "t1",
		Conflicts: []models.Conflict{
			{SKU: "BAG-001", FieldName: "price", SheetValue: "90.00", CatalogValue: "100.00"},
		},
	}
	if err := fx.service.StoreConflicts(ctx, set); err != nil {
		t.Fatalf("store conflicts failed: %v", err)
	}

	got, err := fx.service.GetConflicts(ctx, "run-1", "t1")
	if err != nil {
		t.Fatalf("get conflicts failed: %v", err)
	}
	if len(got.Conflicts) != 1 || got.Conflicts[0].SKU != "BAG-001" {
		t.Errorf("unexpected conflict set: %+v", got)
	}

	if _, err := fx.service.GetConflicts(ctx, "run-2", "t1"); !syncerr.Is(err, syncerr.KindNotFound) {
		t.Errorf("expected not-found for unknown run, got %v", err)
	}
}

func TestSaveMappingValidation(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	cases := []models.FieldMapping{
		{FieldName: "price", Column: "C"},
		{TenantID: "t1", Column: "C"},
		{TenantID: "t1", FieldName: "price"},
	}
	for _, mapping := range cases {
		m := mapping
		if err := fx.service.SaveMapping(ctx, &m); !syncerr.Is(err, syncerr.KindValidation) {
			t.Errorf("expected validation error for %+v, got %v", mapping, err)
		}
	}

	valid := models.FieldMapping{TenantID: "t1", FieldName: "price", Column: "C"}
	if err := fx.service.SaveMapping(ctx, &valid); err != nil {
		t.Fatalf("valid mapping rejected: %v", err)
	}

	mappings, err := fx.service.ListMappings(ctx, "t1")
	if err != nil || len(mappings) != 1 {
		t.Errorf("expected 1 stored mapping, got %d (err %v)", len(mappings), err)
	}
}

func TestDeleteMappingNotFound(t *testing.T) {
	fx := newServiceFixture(t)

	err := fx.service.DeleteMapping(context.Background(), "missing", "t1")
	if !syncerr.Is(err, syncerr.KindNotFound) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

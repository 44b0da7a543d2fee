package jobs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

type executorFunc func(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error)

func (f executorFunc) Execute(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error) {
	return f(ctx, run, req)
}

type runnerFixture struct {
	runner  *Runner
	sync    *services.SyncService
	storage *fakeStorage
	sleeps  []time.Duration
}

func newRunnerFixture(t *testing.T, opts RunnerOptions) *runnerFixture {
	t.Helper()
	st := newFakeStorage()
	svc := services.NewSyncService(st, newFakeCache(), &fakeMessaging{}, testLogger(t), services.SyncServiceOptions{})

	fx := &runnerFixture{sync: svc, storage: st}
	fx.runner = NewRunner(svc, st, &fakeMessaging{}, testLogger(t), opts)
	fx.runner.sleep = func(d time.Duration) { fx.sleeps = append(fx.sleeps, d) }
	return fx
}

func jobMessage(t *testing.T, runID, tenantID string) *interfaces.Message {
	t.Helper()
	payload, err := json.Marshal(services.SyncJob{
		RunID:    runID,
		TenantID: tenantID,
		Request:  services.SyncRequest{Type: models.SyncTypeProducts, Strategy: models.StrategyFull},
	})
	if err != nil {
		t.Fatalf("failed to marshal job: %v", err)
	}
	return &interfaces.Message{ID: "msg-1", Topic: "sync-jobs", Value: payload, TenantID: tenantID}
}

func seedRun(t *testing.T, st *fakeStorage, tenantID string) *models.SyncRun {
	t.Helper()
	run := &models.SyncRun{TenantID: tenantID, Type: models.SyncTypeProducts, Status: models.SyncStatusPending}
	if err := st.SaveSyncRun(context.Background(), run); err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}
	return run
}

func TestRunnerRetriesUntilSuccess(t *testing.T) {
	fx := newRunnerFixture(t, RunnerOptions{MaxAttempts: 3, Backoff: 30 * time.Second})
	run := seedRun(t, fx.storage, "t1")

	attempts := 0
	fx.sync.SetExecutor(executorFunc(func(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, stderrors.New("sheet busy")
		}
		return 10, nil
	}))

	if err := fx.runner.handleMessage(context.Background(), jobMessage(t, run.ID, "t1")); err != nil {
		t.Fatalf("handle message returned error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(fx.sleeps) != 2 || fx.sleeps[0] != 30*time.Second {
		t.Errorf("expected fixed backoff between attempts, got %v", fx.sleeps)
	}

	stored := fx.storage.runs[run.ID]
	if stored.Status != models.SyncStatusCompleted || stored.RecordsProcessed != 10 {
		t.Errorf("expected completed run with 10 records, got %+v", stored)
	}
}

func TestRunnerExhaustedAttemptsLeaveRunFailed(t *testing.T) {
	fx := newRunnerFixture(t, RunnerOptions{MaxAttempts: 2, Backoff: time.Second})
	run := seedRun(t, fx.storage, "t1")

	fx.sync.SetExecutor(executorFunc(func(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error) {
		return 0, stderrors.New("quota exhausted")
	}))

	// Ошибка не возвращается брокеру, повторная доставка не нужна
	if err := fx.runner.handleMessage(context.Background(), jobMessage(t, run.ID, "t1")); err != nil {
		t.Fatalf("terminal failure must not bubble to broker: %v", err)
	}

	stored := fx.storage.runs[run.ID]
	if stored.Status != models.SyncStatusFailed {
		t.Errorf("expected failed run, got %q", stored.Status)
	}
	if stored.ErrorMessage == "" {
		t.Error("failure reason not persisted")
	}
}

func TestRunnerIgnoresMalformedMessages(t *testing.T) {
	fx := newRunnerFixture(t, RunnerOptions{})

	executed := false
	fx.sync.SetExecutor(executorFunc(func(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error) {
		executed = true
		return 0, nil
	}))

	msg := &interfaces.Message{ID: "msg-bad", Value: []byte("{not json")}
	if err := fx.runner.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("malformed message must be dropped silently: %v", err)
	}
	if executed {
		t.Error("malformed message must not trigger execution")
	}
}

func TestRunnerIgnoresUnknownRun(t *testing.T) {
	fx := newRunnerFixture(t, RunnerOptions{})

	executed := false
	fx.sync.SetExecutor(executorFunc(func(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error) {
		executed = true
		return 0, nil
	}))

	if err := fx.runner.handleMessage(context.Background(), jobMessage(t, "missing-run", "t1")); err != nil {
		t.Fatalf("unknown run must be dropped silently: %v", err)
	}
	if executed {
		t.Error("unknown run must not trigger execution")
	}
}

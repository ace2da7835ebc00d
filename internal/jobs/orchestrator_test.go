package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/medtransport-dispatch/internal/engine"
	"github.com/example/medtransport-dispatch/internal/idempotency"
	"github.com/example/medtransport-dispatch/internal/models"
	"github.com/example/medtransport-dispatch/internal/notify"
	"github.com/example/medtransport-dispatch/internal/storage"
)

var testNow = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func testDriver(id string) models.Driver {
	return models.Driver{
		ID:                     id,
		Active:                 true,
		TrainingComplete:       true,
		VehicleType:            models.VehicleSedan,
		Base:                   models.Coord{Lat: 41, Lon: 29},
		LicenseExpiry:          testNow.AddDate(1, 0, 0),
		TransportLicenseExpiry: testNow.AddDate(1, 0, 0),
		InsuranceExpiry:        testNow.AddDate(1, 0, 0),
	}
}

func testRide(id string) models.Ride {
	return models.Ride{
		ID:         id,
		PatientID:  "p-" + id,
		Pickup:     models.Location{Coord: models.Coord{Lat: 41.018, Lon: 29.0}},
		Dropoff:    models.Location{Coord: models.Coord{Lat: 41.05, Lon: 29.0}},
		PickupTime: testNow.Add(2 * time.Hour),
		Priority:   models.PriorityRoutine,
		Structure:  models.StructureRoundTrip,
		Status:     models.RideRequested,
	}
}

func newTestOrchestrator(store *storage.MemoryStore) *Orchestrator {
	eng := &engine.Engine{
		Rides:   store,
		Drivers: store,
		Policy:  engine.SingleAssignment,
		Now:     func() time.Time { return testNow },
	}
	return &Orchestrator{
		Jobs:   store,
		Rides:  store,
		Audits: store,
		Engine: eng,
		Idem:   idempotency.NewMemoryStore(),
		Now:    func() time.Time { return testNow },
	}
}

func TestSubmitReturnsPendingImmediately(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	r := testRide("ride1")
	_ = store.SaveRide(ctx, &r)
	_ = store.UpsertDriver(ctx, testDriver("d1"))

	o := newTestOrchestrator(store)
	job, err := o.SubmitForRides(ctx, []string{"ride1"}, "", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.JobPending {
		t.Fatalf("submit must return PENDING, got %s", job.Status)
	}

	o.Wait()
	final, err := o.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.Status != models.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s (error=%q)", final.Status, final.Error)
	}
	if final.BatchID == "" || final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatalf("terminal job missing fields: %+v", final)
	}
	if _, err := store.GetAudit(ctx, final.BatchID); err != nil {
		t.Fatalf("expected audit record for batch %s: %v", final.BatchID, err)
	}
	stored, _ := store.GetRide(ctx, "ride1")
	if stored.Status != models.RideAssigned {
		t.Fatalf("ride not assigned after run: %+v", stored)
	}
}

// Scenario: same idempotency key and target twice inside the TTL window.
func TestDuplicateSubmissionRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	o := newTestOrchestrator(store)

	first, err := o.SubmitForDate(ctx, "2026-03-01", "key-1", "")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := o.SubmitForDate(ctx, "2026-03-01", "key-1", "")
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("duplicate response should surface the original job, got %+v", second)
	}
	o.Wait()
}

func TestSameKeyDifferentTargetIsNotDuplicate(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	o := newTestOrchestrator(store)

	a, err := o.SubmitForDate(ctx, "2026-03-01", "key-1", "")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	b, err := o.SubmitForDate(ctx, "2026-03-02", "key-1", "")
	if err != nil {
		t.Fatalf("different target must not collide: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("expected two distinct jobs")
	}
	o.Wait()
}

type flakyJobStore struct {
	*storage.MemoryStore
	failures int
}

func (f *flakyJobStore) CreateJob(ctx context.Context, j *models.OptimizationJob) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("job backend unavailable")
	}
	return f.MemoryStore.CreateJob(ctx, j)
}

// A create failure must release the idempotency claim so the caller can retry
// with the same key once the backend recovers.
func TestRetryAfterCreateFailureIsNotDuplicate(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	o := newTestOrchestrator(store)
	o.Jobs = &flakyJobStore{MemoryStore: store, failures: 1}

	if _, err := o.SubmitForDate(ctx, "2026-03-01", "key-1", ""); err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("first submit should surface the create failure, got %v", err)
	}

	job, err := o.SubmitForDate(ctx, "2026-03-01", "key-1", "")
	if err != nil {
		t.Fatalf("retry with the same key must succeed: %v", err)
	}
	if job == nil || job.Status != models.JobPending {
		t.Fatalf("retry should create a fresh pending job, got %+v", job)
	}
	o.Wait()
}

type failingDriverStore struct{}

func (failingDriverStore) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	return nil, errors.New("roster backend down")
}
func (failingDriverStore) UpsertDriver(ctx context.Context, d models.Driver) error {
	return errors.New("roster backend down")
}

// Scenario: run fails, job lands in FAILED with the cause, webhook still
// fires with status FAILED.
func TestRunFailureMarksJobFailedAndFiresWebhook(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	r := testRide("ride1")
	_ = store.SaveRide(ctx, &r)

	var mu sync.Mutex
	var received *WebhookPayload
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var p WebhookPayload
		_ = json.NewDecoder(req.Body).Decode(&p)
		mu.Lock()
		received = &p
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	o := newTestOrchestrator(store)
	o.Engine.Drivers = failingDriverStore{}
	o.Webhook = notify.NewWebhook(time.Second)

	job, err := o.SubmitForRides(ctx, []string{"ride1"}, "", hook.URL)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	final, err := o.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.Status != models.JobFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.Error == "" {
		t.Fatal("failed job must retain the error text")
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("webhook never fired")
	}
	if received.JobID != job.ID || received.Status != string(models.JobFailed) {
		t.Fatalf("unexpected webhook payload: %+v", received)
	}
	if received.Error == "" {
		t.Fatal("webhook payload should carry the error")
	}
}

// Failed runs still get an audit row, keyed by the batch id stamped on the
// job before the run started.
func TestFailedRunRecordsAuditUnderBatchID(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	r := testRide("ride1")
	_ = store.SaveRide(ctx, &r)

	o := newTestOrchestrator(store)
	o.Engine.Drivers = failingDriverStore{}

	job, err := o.SubmitForRides(ctx, []string{"ride1"}, "", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	final, err := o.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if final.Status != models.JobFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.BatchID == "" {
		t.Fatal("failed job must still carry its batch id")
	}
	audit, err := store.GetAudit(ctx, final.BatchID)
	if err != nil {
		t.Fatalf("expected audit for batch %s: %v", final.BatchID, err)
	}
	if audit.TotalRides != 1 || audit.AssignedRides != 0 {
		t.Fatalf("unexpected failed-run audit: %+v", audit)
	}
}

func TestWebhookFiresOnCompletion(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	r := testRide("ride1")
	_ = store.SaveRide(ctx, &r)
	_ = store.UpsertDriver(ctx, testDriver("d1"))

	var mu sync.Mutex
	var received *WebhookPayload
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var p WebhookPayload
		_ = json.NewDecoder(req.Body).Decode(&p)
		mu.Lock()
		received = &p
		mu.Unlock()
	}))
	defer hook.Close()

	o := newTestOrchestrator(store)
	o.Webhook = notify.NewWebhook(time.Second)

	job, err := o.SubmitForRides(ctx, []string{"ride1"}, "", hook.URL)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("webhook never fired")
	}
	if received.Status != string(models.JobCompleted) || received.BatchID == "" {
		t.Fatalf("unexpected webhook payload: %+v", received)
	}
	_ = job
}

func TestSubmitValidation(t *testing.T) {
	o := newTestOrchestrator(storage.NewMemoryStore())
	if _, err := o.SubmitForDate(context.Background(), "not-a-date", "", ""); err == nil {
		t.Fatal("expected error for malformed date")
	}
	if _, err := o.SubmitForRides(context.Background(), nil, "", ""); err == nil {
		t.Fatal("expected error for empty ride list")
	}
}

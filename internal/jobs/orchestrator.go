package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/medtransport-dispatch/internal/billing"
	"github.com/example/medtransport-dispatch/internal/engine"
	"github.com/example/medtransport-dispatch/internal/geo"
	"github.com/example/medtransport-dispatch/internal/idempotency"
	"github.com/example/medtransport-dispatch/internal/models"
	"github.com/example/medtransport-dispatch/internal/notify"
	"github.com/example/medtransport-dispatch/internal/observability"
	"github.com/example/medtransport-dispatch/internal/storage"
)

// ErrDuplicate is returned when an idempotency key already claimed this
// target inside the TTL window. No new job is created.
var ErrDuplicate = errors.New("duplicate submission")

// WebhookPayload is the terminal-state callback body.
type WebhookPayload struct {
	JobID       string     `json:"jobId"`
	Status      string     `json:"status"`
	BatchID     string     `json:"batchId,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Orchestrator owns the job lifecycle: submit creates a PENDING record and
// returns; the run itself happens on a worker goroutine. Jobs are never
// cancelled once RUNNING and never deleted here.
type Orchestrator struct {
	Jobs   storage.JobStore
	Rides  storage.RideStore
	Audits storage.AuditStore
	Engine *engine.Engine

	Idem    idempotency.Store  // optional; submissions are not deduped without it
	Webhook *notify.Webhook    // optional
	WS      *notify.WSRegistry // optional
	Billing billing.FareHolder // optional
	Geocode geo.Geocoder       // optional

	IdemTTL   time.Duration
	FareCents int64
	Logger    *slog.Logger

	// Now is swappable for tests.
	Now func() time.Time

	wg sync.WaitGroup
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// SubmitForDate queues optimization of a date's unassigned rides.
func (o *Orchestrator) SubmitForDate(ctx context.Context, date, idemKey, callbackURL string) (*models.OptimizationJob, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	job := &models.OptimizationJob{
		ID:          uuid.NewString(),
		Kind:        models.JobByDate,
		TargetDate:  date,
		Status:      models.JobPending,
		CallbackURL: callbackURL,
		SubmittedAt: o.now(),
	}
	return o.submit(ctx, job, idemKey, "date:"+date)
}

// SubmitForRides queues optimization of an explicit ride id list.
func (o *Orchestrator) SubmitForRides(ctx context.Context, rideIDs []string, idemKey, callbackURL string) (*models.OptimizationJob, error) {
	if len(rideIDs) == 0 {
		return nil, errors.New("no ride ids given")
	}
	job := &models.OptimizationJob{
		ID:          uuid.NewString(),
		Kind:        models.JobByRideIDs,
		RideIDs:     rideIDs,
		Status:      models.JobPending,
		CallbackURL: callbackURL,
		SubmittedAt: o.now(),
	}
	sorted := make([]string, len(rideIDs))
	copy(sorted, rideIDs)
	sort.Strings(sorted)
	return o.submit(ctx, job, idemKey, "rides:"+strings.Join(sorted, ","))
}

func (o *Orchestrator) GetJob(ctx context.Context, id string) (*models.OptimizationJob, error) {
	return o.Jobs.GetJob(ctx, id)
}

// Wait blocks until every queued run has finished. Test hook.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) submit(ctx context.Context, job *models.OptimizationJob, idemKey, target string) (*models.OptimizationJob, error) {
	var claimedKey string
	if idemKey != "" && o.Idem != nil {
		key := idempotencyKey(idemKey, target)
		ttl := o.IdemTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		claimed, err := o.Idem.SetIfAbsent(ctx, key, job.ID, ttl)
		if err != nil {
			return nil, fmt.Errorf("idempotency check: %w", err)
		}
		if !claimed {
			observability.JobsDuplicate.Inc()
			if existingID, ok, getErr := o.Idem.Get(ctx, key); getErr == nil && ok {
				if existing, jobErr := o.Jobs.GetJob(ctx, existingID); jobErr == nil {
					return existing, ErrDuplicate
				}
			}
			return nil, ErrDuplicate
		}
		claimedKey = key
	}

	if err := o.Jobs.CreateJob(ctx, job); err != nil {
		// release the claim so a retry with the same key is not pinned to a
		// job record that never existed
		if claimedKey != "" {
			if delErr := o.Idem.Delete(ctx, claimedKey); delErr != nil {
				o.logger().Warn("idempotency release failed", "key", claimedKey, "error", delErr)
			}
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	observability.JobsSubmitted.Inc()
	o.logger().Info("job submitted", "job_id", job.ID, "kind", job.Kind)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// Detached from the request context on purpose: the caller is never
		// blocked on, or able to abort, a running optimization.
		o.run(context.Background(), job.ID)
	}()

	cp := *job
	return &cp, nil
}

// run drives PENDING -> RUNNING -> COMPLETED | FAILED. Engine panics and
// errors are converted into a FAILED job; they never reach the submitter.
func (o *Orchestrator) run(ctx context.Context, jobID string) {
	job, err := o.Jobs.GetJob(ctx, jobID)
	if err != nil {
		o.logger().Error("job vanished before run", "job_id", jobID, "error", err)
		return
	}
	started := o.now()
	batchID := uuid.NewString()
	job.Status = models.JobRunning
	job.BatchID = batchID
	job.StartedAt = &started
	if err := o.Jobs.UpdateJob(ctx, job); err != nil {
		o.logger().Error("job update failed", "job_id", jobID, "error", err)
	}

	var rides []models.Ride
	result, runErr := func() (res *models.OptimizationResult, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("optimization panic: %v", rec)
			}
		}()
		rides, err = o.loadTarget(ctx, job)
		if err != nil {
			return nil, err
		}
		o.geocodeMissing(ctx, rides)
		res, err = o.Engine.Run(ctx, batchID, rides)
		if err != nil {
			o.logger().Warn("phased assignment failed, trying fallback", "job_id", jobID, "error", err)
			res, err = o.Engine.FallbackAssign(ctx, batchID, rides)
		}
		return res, err
	}()

	if runErr != nil {
		o.fail(ctx, job, rides, runErr)
		return
	}
	o.complete(ctx, job, rides, result)
}

func (o *Orchestrator) loadTarget(ctx context.Context, job *models.OptimizationJob) ([]models.Ride, error) {
	switch job.Kind {
	case models.JobByDate:
		return o.Rides.UnassignedForDate(ctx, job.TargetDate)
	case models.JobByRideIDs:
		return o.Rides.RidesByIDs(ctx, job.RideIDs)
	}
	return nil, fmt.Errorf("unknown job kind %q", job.Kind)
}

// geocodeMissing resolves coordinates for rides that only carry addresses.
// Best-effort: a ride that stays unresolved will fail engine validation and
// surface through the normal failure path.
func (o *Orchestrator) geocodeMissing(ctx context.Context, rides []models.Ride) {
	if o.Geocode == nil {
		return
	}
	for i := range rides {
		for _, loc := range []*models.Location{&rides[i].Pickup, &rides[i].Dropoff} {
			if geo.Valid(loc.Coord) || loc.Address == "" {
				continue
			}
			c, err := o.Geocode.Geocode(ctx, loc.Address)
			if err != nil {
				o.logger().Warn("geocode failed", "ride_id", rides[i].ID, "address", loc.Address, "error", err)
				continue
			}
			if c != nil {
				loc.Coord = *c
			}
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context, job *models.OptimizationJob, rides []models.Ride, result *models.OptimizationResult) {
	done := o.now()
	job.Status = models.JobCompleted
	job.BatchID = result.BatchID
	job.CompletedAt = &done
	if err := o.Jobs.UpdateJob(ctx, job); err != nil {
		o.logger().Error("job update failed", "job_id", job.ID, "error", err)
	}
	observability.JobsCompleted.Inc()

	o.recordAudit(ctx, result.BatchID, rides, result)
	o.notifyDrivers(result)
	o.holdFares(ctx, result)
	o.fireWebhook(job)
}

func (o *Orchestrator) fail(ctx context.Context, job *models.OptimizationJob, rides []models.Ride, cause error) {
	done := o.now()
	job.Status = models.JobFailed
	job.Error = cause.Error()
	job.CompletedAt = &done
	if err := o.Jobs.UpdateJob(ctx, job); err != nil {
		o.logger().Error("job update failed", "job_id", job.ID, "error", err)
	}
	observability.JobsFailed.Inc()
	o.logger().Error("job failed", "job_id", job.ID, "error", cause)

	o.recordAudit(ctx, job.BatchID, rides, nil)
	o.fireWebhook(job)
}

// recordAudit persists the run summary. Failure is logged and swallowed; it
// must never change the job's outcome.
func (o *Orchestrator) recordAudit(ctx context.Context, batchID string, rides []models.Ride, result *models.OptimizationResult) {
	if o.Audits == nil {
		return
	}
	audit := o.Engine.BuildAudit(ctx, batchID, rides, result)
	if err := o.Audits.SaveAudit(ctx, audit); err != nil {
		o.logger().Error("audit write failed", "batch_id", batchID, "error", err)
	}
}

func (o *Orchestrator) notifyDrivers(result *models.OptimizationResult) {
	if o.WS == nil {
		return
	}
	for driverID, rideIDs := range result.Assigned {
		err := o.WS.Notify(driverID, notify.AssignmentNotice{BatchID: result.BatchID, RideIDs: rideIDs})
		if err != nil && !errors.Is(err, notify.ErrNoSession) {
			o.logger().Warn("driver notify failed", "driver_id", driverID, "error", err)
		}
	}
}

func (o *Orchestrator) holdFares(ctx context.Context, result *models.OptimizationResult) {
	if o.Billing == nil || o.FareCents <= 0 {
		return
	}
	for _, rideIDs := range result.Assigned {
		for _, rideID := range rideIDs {
			if _, err := o.Billing.Hold(ctx, rideID, o.FareCents); err != nil {
				o.logger().Warn("fare hold failed", "ride_id", rideID, "error", err)
			}
		}
	}
}

func (o *Orchestrator) fireWebhook(job *models.OptimizationJob) {
	if o.Webhook == nil || job.CallbackURL == "" {
		return
	}
	payload := WebhookPayload{
		JobID:       job.ID,
		Status:      string(job.Status),
		BatchID:     job.BatchID,
		Error:       job.Error,
		SubmittedAt: job.SubmittedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if err := o.Webhook.Post(job.CallbackURL, payload); err != nil {
		observability.WebhookFailures.Inc()
		o.logger().Warn("webhook delivery failed", "job_id", job.ID, "url", job.CallbackURL, "error", err)
	}
}

func idempotencyKey(idemKey, target string) string {
	sum := sha256.Sum256([]byte(target))
	return "optimize:" + idemKey + ":" + hex.EncodeToString(sum[:8])
}

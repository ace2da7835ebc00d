package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/medtransport-dispatch/internal/geo"
	"github.com/example/medtransport-dispatch/internal/models"
	"github.com/example/medtransport-dispatch/internal/observability"
	"github.com/example/medtransport-dispatch/internal/storage"
)

// Assignment methods stamped on rides.
const (
	MethodOptimized = "batch_optimized"
	MethodFallback  = "fallback_nearest"

	assignedBy = "dispatch-engine"
)

// Unassigned reasons. These strings are part of the audit contract.
const (
	ReasonNoEmergencyDriver  = "No qualified emergency driver available"
	ReasonNoCompatibleDriver = "No compatible driver available"
	ReasonVersionConflict    = "Ride record changed during assignment"
	ReasonWriteFailed        = "Assignment write failed"
)

// ReasonNoBucketDrivers is recorded for every ride of a vehicle-type bucket
// whose narrowed pool came up empty.
func ReasonNoBucketDrivers(vt models.VehicleType) string {
	return fmt.Sprintf("No compatible %s drivers available", vt)
}

// Engine runs one phased greedy assignment batch. Collaborators are
// interfaces so tests can swap in fakes.
type Engine struct {
	Rides   storage.RideStore
	Drivers storage.DriverStore

	// Distance overrides straight-line haversine for the score's distance
	// term when set (e.g. an OSRM client). Best-effort: provider errors fall
	// back to haversine.
	Distance geo.DistanceProvider

	LicenseHorizon time.Duration
	Policy         ExclusionPolicy
	Logger         *slog.Logger

	// Now is swappable for tests.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) horizon() time.Duration {
	if e.LicenseHorizon > 0 {
		return e.LicenseHorizon
	}
	return DefaultLicenseHorizon
}

func (e *Engine) distKm(a, b models.Coord) float64 {
	if e.Distance != nil {
		if m, err := e.Distance.DistanceMeters(a, b); err == nil {
			return m / 1000.0
		}
	}
	return geo.HaversineKm(a, b)
}

// Run executes the fixed phase order: emergency, then every round-trip
// vehicle-type bucket, then every one-way bucket. A driver who received an
// assignment is pruned from the pool for everything that follows, per the
// configured exclusion policy.
func (e *Engine) Run(ctx context.Context, batchID string, rides []models.Ride) (*models.OptimizationResult, error) {
	started := e.now()

	if err := validateRides(rides); err != nil {
		return nil, err
	}
	all, err := e.Drivers.ListDrivers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load drivers: %w", err)
	}
	if err := validateDrivers(all); err != nil {
		return nil, err
	}

	qualified := QualifiedDrivers(all, started, e.horizon())
	p := newPool(qualified, e.Policy)
	b := Categorize(rides)

	e.logger().Info("batch started",
		"batch_id", batchID,
		"rides", len(rides),
		"qualified_drivers", len(qualified),
		"emergency", len(b.Emergency),
		"round_trip_buckets", len(b.RoundTrip),
		"one_way_buckets", len(b.OneWay),
	)

	result := models.NewOptimizationResult(batchID)
	result.TotalRides = len(rides)

	result.Merge(e.assignEmergency(ctx, batchID, b.Emergency, p))
	for _, vt := range sortedBucketKeys(b.RoundTrip) {
		result.Merge(e.assignBucket(ctx, batchID, vt, b.RoundTrip[vt], p, true))
	}
	for _, vt := range sortedBucketKeys(b.OneWay) {
		result.Merge(e.assignBucket(ctx, batchID, vt, b.OneWay[vt], p, false))
	}

	observability.RidesAssigned.Add(float64(result.AssignedCount()))
	observability.RidesUnassigned.Add(float64(len(result.Unassigned)))
	observability.BatchDuration.Observe(time.Since(started).Seconds())

	e.logger().Info("batch finished",
		"batch_id", batchID,
		"assigned", result.AssignedCount(),
		"unassigned", len(result.Unassigned),
		"success_rate", result.SuccessRate(),
	)
	return result, nil
}

// assignEmergency resolves emergency rides against the full available pool:
// medical compatibility plus skill tags, nearest base-to-pickup wins.
func (e *Engine) assignEmergency(ctx context.Context, batchID string, rides []models.Ride, p *pool) *models.OptimizationResult {
	part := models.NewOptimizationResult(batchID)
	for _, r := range rides {
		cands := filterDrivers(p.available(), func(d models.Driver) bool {
			return d.CanServe(r.Needs) && d.HasSkills(r.RequiredSkills)
		})
		best, ok := nearest(cands, r.Pickup.Coord)
		if !ok {
			part.Unassigned[r.ID] = ReasonNoEmergencyDriver
			continue
		}
		e.commit(ctx, part, p, r, best.ID, best.ID, batchID, MethodOptimized)
	}
	return part
}

// assignBucket resolves one vehicle-type bucket. The pool is narrowed by the
// type's capability predicate up front; an empty narrowed pool fails the
// whole bucket without scoring.
func (e *Engine) assignBucket(ctx context.Context, batchID string, vt models.VehicleType, rides []models.Ride, p *pool, roundTrip bool) *models.OptimizationResult {
	part := models.NewOptimizationResult(batchID)

	narrowed := filterDrivers(p.available(), func(d models.Driver) bool { return vt.Compatible(d) })
	if len(narrowed) == 0 {
		reason := ReasonNoBucketDrivers(vt)
		for _, r := range rides {
			part.Unassigned[r.ID] = reason
		}
		return part
	}

	ordered := make([]models.Ride, len(rides))
	copy(ordered, rides)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority.Rank() != ordered[j].Priority.Rank() {
			return ordered[i].Priority.Rank() < ordered[j].Priority.Rank()
		}
		return ordered[i].PickupTime.Before(ordered[j].PickupTime)
	})

	for _, r := range ordered {
		cands := filterDrivers(p.available(), func(d models.Driver) bool {
			return vt.Compatible(d) && d.CanServe(r.Needs) && d.HasSkills(r.RequiredSkills)
		})
		pickup := r.Pickup.Coord
		best, ok := pickBest(cands, func(d models.Driver) float64 {
			return driverScore(d, pickup, vt, e.distKm)
		})
		if !ok {
			part.Unassigned[r.ID] = ReasonNoCompatibleDriver
			continue
		}

		dropoffDriver := best
		if !roundTrip {
			// A distinct driver may take the return-to-service leg; the
			// pickup driver covers the dropoff when nobody else qualifies.
			others := filterDrivers(cands, func(d models.Driver) bool { return d.ID != best.ID })
			dropoff := r.Dropoff.Coord
			if second, ok := pickBest(others, func(d models.Driver) float64 {
				return driverScore(d, dropoff, vt, e.distKm)
			}); ok {
				dropoffDriver = second
			}
		}
		e.commit(ctx, part, p, r, best.ID, dropoffDriver.ID, batchID, MethodOptimized)
	}
	return part
}

// commit persists one assignment with an optimistic-versioned write and
// records the outcome on the partial result. A version conflict or write
// failure leaves the ride unassigned; it never aborts the batch.
func (e *Engine) commit(ctx context.Context, part *models.OptimizationResult, p *pool, r models.Ride, pickupID, dropoffID, batchID, method string) {
	now := e.now()
	expected := r.Version
	r.Status = models.RideAssigned
	r.PickupDriverID = pickupID
	r.DropoffDriverID = dropoffID
	r.BatchID = batchID
	r.AssignedAt = &now
	r.AssignmentMethod = method
	r.AssignedBy = assignedBy

	err := e.Rides.ApplyAssignment(ctx, &r, expected)
	switch {
	case errors.Is(err, storage.ErrVersionConflict):
		e.logger().Warn("assignment lost version race", "ride_id", r.ID, "driver_id", pickupID)
		part.Unassigned[r.ID] = ReasonVersionConflict
		return
	case err != nil:
		e.logger().Error("assignment write failed", "ride_id", r.ID, "driver_id", pickupID, "error", err)
		part.Unassigned[r.ID] = ReasonWriteFailed
		return
	}

	part.Assigned[pickupID] = append(part.Assigned[pickupID], r.ID)
	part.AssignedOrder = append(part.AssignedOrder, r.ID)
	p.markAssigned(pickupID)
	if dropoffID != pickupID {
		p.markAssigned(dropoffID)
	}
}

// FallbackAssign is the simpler single-pass path attempted when Run fails:
// nearest medically compatible driver per ride, same driver both legs, no
// cross-phase exclusion.
func (e *Engine) FallbackAssign(ctx context.Context, batchID string, rides []models.Ride) (*models.OptimizationResult, error) {
	started := e.now()
	all, err := e.Drivers.ListDrivers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load drivers: %w", err)
	}
	qualified := QualifiedDrivers(all, started, e.horizon())
	p := newPool(qualified, func(models.Driver, int) bool { return true })

	result := models.NewOptimizationResult(batchID)
	result.TotalRides = len(rides)
	for _, r := range rides {
		if !geo.Valid(r.Pickup.Coord) {
			result.Unassigned[r.ID] = ReasonNoCompatibleDriver
			continue
		}
		vt := RequiredVehicleType(r)
		cands := filterDrivers(qualified, func(d models.Driver) bool {
			return vt.Compatible(d) && d.CanServe(r.Needs) && d.HasSkills(r.RequiredSkills)
		})
		best, ok := nearest(cands, r.Pickup.Coord)
		if !ok {
			result.Unassigned[r.ID] = ReasonNoCompatibleDriver
			continue
		}
		e.commit(ctx, result, p, r, best.ID, best.ID, batchID, MethodFallback)
	}
	return result, nil
}

// BuildAudit derives the immutable run summary. Details keep commit order, so
// the phase sequence of the run stays visible in the audit trail. Dropoff
// driver ids are read back from the ride store since the result map only
// carries the pickup leg.
func (e *Engine) BuildAudit(ctx context.Context, batchID string, rides []models.Ride, result *models.OptimizationResult) *models.AssignmentAudit {
	now := e.now()
	a := &models.AssignmentAudit{
		BatchID:           batchID,
		AssignmentDate:    now,
		TotalRides:        len(rides),
		UnassignedReasons: make(map[string]string),
		CreatedAt:         now,
	}
	for _, r := range rides {
		if r.Priority == models.PriorityEmergency {
			a.EmergencyCount++
		}
		vt := RequiredVehicleType(r)
		if r.Needs.Wheelchair || vt == models.VehicleWheelchairVan {
			a.WheelchairCount++
		}
		if r.Needs.Stretcher || vt == models.VehicleStretcherVan || vt == models.VehicleAmbulance {
			a.StretcherCount++
		}
		if IsRoundTrip(r) {
			a.RoundTripCount++
		}
	}
	if result == nil {
		return a
	}
	a.AssignedRides = result.AssignedCount()
	a.UnassignedRides = len(result.Unassigned)
	a.AssignedDrivers = result.AssignedDriverCount()
	a.SuccessRate = result.SuccessRate()
	for rideID, reason := range result.Unassigned {
		a.UnassignedReasons[rideID] = reason
	}
	driverByRide := make(map[string]string)
	for driverID, rideIDs := range result.Assigned {
		for _, rideID := range rideIDs {
			driverByRide[rideID] = driverID
		}
	}
	for _, rideID := range result.AssignedOrder {
		driverID := driverByRide[rideID]
		detail := models.AuditDetail{RideID: rideID, PickupDriverID: driverID, DropoffDriverID: driverID}
		if stored, err := e.Rides.GetRide(ctx, rideID); err == nil && stored.DropoffDriverID != "" {
			detail.DropoffDriverID = stored.DropoffDriverID
		}
		a.Details = append(a.Details, detail)
	}
	return a
}

func validateRides(rides []models.Ride) error {
	for _, r := range rides {
		if !geo.Valid(r.Pickup.Coord) {
			return fmt.Errorf("ride %s: invalid pickup coordinates (%f,%f)", r.ID, r.Pickup.Coord.Lat, r.Pickup.Coord.Lon)
		}
		if !geo.Valid(r.Dropoff.Coord) {
			return fmt.Errorf("ride %s: invalid dropoff coordinates (%f,%f)", r.ID, r.Dropoff.Coord.Lat, r.Dropoff.Coord.Lon)
		}
	}
	return nil
}

func validateDrivers(drivers []models.Driver) error {
	for _, d := range drivers {
		if !geo.Valid(d.Base) {
			return fmt.Errorf("driver %s: invalid base coordinates (%f,%f)", d.ID, d.Base.Lat, d.Base.Lon)
		}
	}
	return nil
}

func filterDrivers(in []models.Driver, keep func(models.Driver) bool) []models.Driver {
	out := make([]models.Driver, 0, len(in))
	for _, d := range in {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func sortedBucketKeys(m map[models.VehicleType][]models.Ride) []models.VehicleType {
	keys := make([]models.VehicleType, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

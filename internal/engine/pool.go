package engine

import (
	"time"

	"github.com/example/medtransport-dispatch/internal/models"
)

// DefaultLicenseHorizon is how close to expiry a license disqualifies a
// driver from the pool.
const DefaultLicenseHorizon = 30 * 24 * time.Hour

// QualifiedDrivers keeps only drivers that may be dispatched at all: active,
// training complete, no license or insurance expiring within the horizon.
// Input order is preserved; it decides exact-score ties downstream.
func QualifiedDrivers(drivers []models.Driver, now time.Time, horizon time.Duration) []models.Driver {
	out := make([]models.Driver, 0, len(drivers))
	for _, d := range drivers {
		if d.QualifiedAt(now, horizon) {
			out = append(out, d)
		}
	}
	return out
}

// ExclusionPolicy decides whether a driver with the given number of
// assignments so far in the batch is still available.
type ExclusionPolicy func(d models.Driver, assigned int) bool

// SingleAssignment removes a driver from the pool after any assignment in
// the batch, capping most drivers at one ride per run regardless of
// MaxDailyRides. This matches the long-observed production behavior; swap in
// CapacityAware here to track remaining capacity instead.
func SingleAssignment(d models.Driver, assigned int) bool {
	return assigned == 0
}

// CapacityAware keeps a driver available until MaxDailyRides is exhausted.
// Drivers with no declared capacity get a single slot.
func CapacityAware(d models.Driver, assigned int) bool {
	capacity := d.MaxDailyRides
	if capacity <= 0 {
		capacity = 1
	}
	return assigned < capacity
}

// pool tracks per-driver assignment counts over the phases of one run. All
// pruning between and within phases funnels through the policy so the
// exclusion behavior can change without touching the engine.
type pool struct {
	drivers []models.Driver
	counts  map[string]int
	policy  ExclusionPolicy
}

func newPool(drivers []models.Driver, policy ExclusionPolicy) *pool {
	if policy == nil {
		policy = SingleAssignment
	}
	return &pool{drivers: drivers, counts: make(map[string]int), policy: policy}
}

// available returns the drivers the policy still admits, in roster order.
func (p *pool) available() []models.Driver {
	out := make([]models.Driver, 0, len(p.drivers))
	for _, d := range p.drivers {
		if p.policy(d, p.counts[d.ID]) {
			out = append(out, d)
		}
	}
	return out
}

func (p *pool) markAssigned(driverID string) {
	p.counts[driverID]++
}

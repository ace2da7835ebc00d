package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is an address plus its resolved coordinates. Coordinates may be
// zero until geocoding runs.
type Location struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
}

// VehicleType is a closed set. Compatibility is decided by the type's own
// predicate rather than a switch with a permissive default, so an unknown tag
// can never silently match every driver.
type VehicleType string

const (
	VehicleSedan         VehicleType = "sedan"
	VehicleVan           VehicleType = "van"
	VehicleWheelchairVan VehicleType = "wheelchair_van"
	VehicleStretcherVan  VehicleType = "stretcher_van"
	VehicleAmbulance     VehicleType = "ambulance"
)

func ParseVehicleType(s string) (VehicleType, error) {
	switch VehicleType(s) {
	case VehicleSedan, VehicleVan, VehicleWheelchairVan, VehicleStretcherVan, VehicleAmbulance:
		return VehicleType(s), nil
	}
	return "", fmt.Errorf("unknown vehicle type %q", s)
}

// Compatible reports whether a driver's equipment satisfies this vehicle
// type. Sedan and van are permissive; the medical types require the matching
// capability flags.
func (v VehicleType) Compatible(d Driver) bool {
	switch v {
	case VehicleSedan, VehicleVan:
		return true
	case VehicleWheelchairVan:
		return d.WheelchairAccessible
	case VehicleStretcherVan:
		return d.StretcherCapable
	case VehicleAmbulance:
		return d.StretcherCapable && d.OxygenEquipped
	}
	return false
}

type Priority string

const (
	PriorityEmergency Priority = "EMERGENCY"
	PriorityUrgent    Priority = "URGENT"
	PriorityRoutine   Priority = "ROUTINE"
)

// Rank orders priorities for in-bucket sorting; lower sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityUrgent:
		return 1
	default:
		return 2
	}
}

type RideStructure string

const (
	StructureOneWay    RideStructure = "ONE_WAY"
	StructureRoundTrip RideStructure = "ROUND_TRIP"
	StructureRecurring RideStructure = "RECURRING"
)

type RideStatus string

const (
	RideRequested RideStatus = "REQUESTED"
	RideScheduled RideStatus = "SCHEDULED"
	RideAssigned  RideStatus = "ASSIGNED"
	RideEnRoute   RideStatus = "EN_ROUTE"
	RideCompleted RideStatus = "COMPLETED"
	RideCancelled RideStatus = "CANCELLED"
	RideNoShow    RideStatus = "NO_SHOW"
)

// PatientNeeds captures the medical requirements the assigned vehicle must
// cover.
type PatientNeeds struct {
	Wheelchair bool `json:"wheelchair"`
	Stretcher  bool `json:"stretcher"`
	Oxygen     bool `json:"oxygen"`
}

type Ride struct {
	ID        string   `json:"id"`
	PatientID string   `json:"patient_id"`
	Pickup    Location `json:"pickup"`
	Dropoff   Location `json:"dropoff"`

	PickupTime      time.Time     `json:"pickup_time"`
	PickupWindow    time.Duration `json:"pickup_window"`
	VehicleType     VehicleType   `json:"vehicle_type,omitempty"` // empty: derived from needs
	Priority        Priority      `json:"priority"`
	Structure       RideStructure `json:"structure"`
	RoundTrip       bool          `json:"round_trip"`
	AppointmentMins int           `json:"appointment_minutes"`
	Needs           PatientNeeds  `json:"needs"`
	RequiredSkills  []string      `json:"required_skills,omitempty"`
	Status          RideStatus    `json:"status"`

	PickupDriverID   string     `json:"pickup_driver_id,omitempty"`
	DropoffDriverID  string     `json:"dropoff_driver_id,omitempty"`
	BatchID          string     `json:"batch_id,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	AssignmentMethod string     `json:"assignment_method,omitempty"`
	AssignedBy       string     `json:"assigned_by,omitempty"`

	// Version supports optimistic concurrency on assignment writes.
	Version int64 `json:"version"`
}

type Driver struct {
	ID               string `json:"id"`
	Active           bool   `json:"active"`
	TrainingComplete bool   `json:"training_complete"`

	WheelchairAccessible bool `json:"wheelchair_accessible"`
	StretcherCapable     bool `json:"stretcher_capable"`
	OxygenEquipped       bool `json:"oxygen_equipped"`

	VehicleType   VehicleType `json:"vehicle_type"`
	Base          Coord       `json:"base"`
	MaxDailyRides int         `json:"max_daily_rides"`
	Skills        []string    `json:"skills,omitempty"`

	LicenseExpiry          time.Time `json:"license_expiry"`
	TransportLicenseExpiry time.Time `json:"transport_license_expiry"`
	InsuranceExpiry        time.Time `json:"insurance_expiry"`

	Version int64 `json:"version"`
}

// QualifiedAt reports whether the driver may be dispatched at all: active,
// trained, and no license or insurance expiring within the horizon.
func (d Driver) QualifiedAt(now time.Time, horizon time.Duration) bool {
	if !d.Active || !d.TrainingComplete {
		return false
	}
	cutoff := now.Add(horizon)
	return d.LicenseExpiry.After(cutoff) &&
		d.TransportLicenseExpiry.After(cutoff) &&
		d.InsuranceExpiry.After(cutoff)
}

// CanServe reports whether the driver's equipment covers the patient's
// medical needs.
func (d Driver) CanServe(n PatientNeeds) bool {
	if n.Wheelchair && !d.WheelchairAccessible {
		return false
	}
	if n.Stretcher && !d.StretcherCapable {
		return false
	}
	if n.Oxygen && !d.OxygenEquipped {
		return false
	}
	return true
}

// HasSkills reports whether the driver holds every required skill tag.
func (d Driver) HasSkills(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range d.Skills {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type JobKind string

const (
	JobByDate    JobKind = "BY_DATE"
	JobByRideIDs JobKind = "BY_RIDE_IDS"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status can never change again.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

type OptimizationJob struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	TargetDate  string    `json:"target_date,omitempty"` // YYYY-MM-DD for BY_DATE
	RideIDs     []string  `json:"ride_ids,omitempty"`
	Status      JobStatus `json:"status"`
	BatchID     string    `json:"batch_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	CallbackURL string    `json:"callback_url,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// OptimizationResult is the transient outcome of one engine run.
type OptimizationResult struct {
	BatchID    string              `json:"batch_id"`
	TotalRides int                 `json:"total_rides"`
	Assigned   map[string][]string `json:"assigned"`   // driver id -> ride ids
	Unassigned map[string]string   `json:"unassigned"` // ride id -> reason

	// AssignedOrder holds ride ids in the order their assignments were
	// committed, across phases. The audit trail relies on it.
	AssignedOrder []string `json:"assigned_order,omitempty"`
}

func NewOptimizationResult(batchID string) *OptimizationResult {
	return &OptimizationResult{
		BatchID:    batchID,
		Assigned:   make(map[string][]string),
		Unassigned: make(map[string]string),
	}
}

func (r *OptimizationResult) AssignedCount() int {
	n := 0
	for _, rides := range r.Assigned {
		n += len(rides)
	}
	return n
}

func (r *OptimizationResult) AssignedDriverCount() int { return len(r.Assigned) }

func (r *OptimizationResult) SuccessRate() float64 {
	if r.TotalRides == 0 {
		return 0.0
	}
	return float64(r.AssignedCount()) * 100.0 / float64(r.TotalRides)
}

// Merge folds a partial phase result into the receiver. A ride already
// assigned is never reclaimed by a later phase's unassigned map.
func (r *OptimizationResult) Merge(part *OptimizationResult) {
	if part == nil {
		return
	}
	for driverID, rideIDs := range part.Assigned {
		r.Assigned[driverID] = append(r.Assigned[driverID], rideIDs...)
		for _, id := range rideIDs {
			delete(r.Unassigned, id)
		}
	}
	r.AssignedOrder = append(r.AssignedOrder, part.AssignedOrder...)
	assigned := make(map[string]bool)
	for _, rideIDs := range r.Assigned {
		for _, id := range rideIDs {
			assigned[id] = true
		}
	}
	for rideID, reason := range part.Unassigned {
		if assigned[rideID] {
			continue
		}
		if _, seen := r.Unassigned[rideID]; seen {
			continue
		}
		r.Unassigned[rideID] = reason
	}
}

// AuditDetail mirrors one ride's outcome inside an audit record.
type AuditDetail struct {
	RideID          string `json:"ride_id"`
	PickupDriverID  string `json:"pickup_driver_id"`
	DropoffDriverID string `json:"dropoff_driver_id"`
}

// AssignmentAudit is the immutable persisted summary of one batch run.
type AssignmentAudit struct {
	BatchID         string    `json:"batch_id"`
	AssignmentDate  time.Time `json:"assignment_date"`
	TotalRides      int       `json:"total_rides"`
	AssignedRides   int       `json:"assigned_rides"`
	UnassignedRides int       `json:"unassigned_rides"`
	AssignedDrivers int       `json:"assigned_drivers"`
	SuccessRate     float64   `json:"success_rate"`

	EmergencyCount  int `json:"emergency_count"`
	WheelchairCount int `json:"wheelchair_count"`
	StretcherCount  int `json:"stretcher_count"`
	RoundTripCount  int `json:"round_trip_count"`

	Details           []AuditDetail     `json:"details"`
	UnassignedReasons map[string]string `json:"unassigned_reasons"`
	CreatedAt         time.Time         `json:"created_at"`
}

package storage

import (
	"context"
	"errors"

	"github.com/example/medtransport-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic assignment write
	// observes a newer record version than the one it read.
	ErrVersionConflict = errors.New("version conflict")
)

// RideStore defines persistence operations for rides.
type RideStore interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	SaveRide(ctx context.Context, r *models.Ride) error
	// UnassignedForDate returns rides with pickup on the given day (YYYY-MM-DD)
	// that have not yet been assigned.
	UnassignedForDate(ctx context.Context, date string) ([]models.Ride, error)
	RidesByIDs(ctx context.Context, ids []string) ([]models.Ride, error)
	// ApplyAssignment persists the assignment fields of r if and only if the
	// stored version still equals expectedVersion; on success the version is
	// bumped. Returns ErrVersionConflict otherwise.
	ApplyAssignment(ctx context.Context, r *models.Ride, expectedVersion int64) error
}

// DriverStore defines persistence operations for the driver roster.
type DriverStore interface {
	ListDrivers(ctx context.Context) ([]models.Driver, error)
	UpsertDriver(ctx context.Context, d models.Driver) error
}

// JobStore defines persistence operations for optimization jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j *models.OptimizationJob) error
	GetJob(ctx context.Context, id string) (*models.OptimizationJob, error)
	UpdateJob(ctx context.Context, j *models.OptimizationJob) error
}

// AuditStore persists batch audit records. Audits are write-once.
type AuditStore interface {
	SaveAudit(ctx context.Context, a *models.AssignmentAudit) error
	GetAudit(ctx context.Context, batchID string) (*models.AssignmentAudit, error)
}

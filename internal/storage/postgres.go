package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/medtransport-dispatch/internal/models"
)

// PostgresStore implements all four store interfaces on one database handle.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, patient_id, pickup_address, pickup_lat, pickup_lon,
	dropoff_address, dropoff_lat, dropoff_lon, pickup_time, pickup_window_secs,
	vehicle_type, priority, structure, round_trip, appointment_minutes,
	needs, required_skills, status, pickup_driver_id, dropoff_driver_id,
	batch_id, assigned_at, assignment_method, assigned_by, version`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	needs, _ := json.Marshal(r.Needs)
	skills, _ := json.Marshal(r.RequiredSkills)
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status, pickup_driver_id=EXCLUDED.pickup_driver_id,
			dropoff_driver_id=EXCLUDED.dropoff_driver_id, batch_id=EXCLUDED.batch_id,
			assigned_at=EXCLUDED.assigned_at, assignment_method=EXCLUDED.assignment_method,
			assigned_by=EXCLUDED.assigned_by, version=EXCLUDED.version`,
		r.ID, r.PatientID, r.Pickup.Address, r.Pickup.Coord.Lat, r.Pickup.Coord.Lon,
		r.Dropoff.Address, r.Dropoff.Coord.Lat, r.Dropoff.Coord.Lon, r.PickupTime, int64(r.PickupWindow.Seconds()),
		string(r.VehicleType), string(r.Priority), string(r.Structure), r.RoundTrip, r.AppointmentMins,
		needs, skills, string(r.Status), nullStr(r.PickupDriverID), nullStr(r.DropoffDriverID),
		nullStr(r.BatchID), r.AssignedAt, nullStr(r.AssignmentMethod), nullStr(r.AssignedBy), r.Version)
	return err
}

func (p *PostgresStore) UnassignedForDate(ctx context.Context, date string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE pickup_time::date = $1::date
		  AND pickup_driver_id IS NULL
		  AND status IN ('REQUESTED','SCHEDULED')
		ORDER BY pickup_time`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRides(rows)
}

func (p *PostgresStore) RidesByIDs(ctx context.Context, ids []string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE id = ANY($1) ORDER BY pickup_time`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRides(rows)
}

func (p *PostgresStore) ApplyAssignment(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
			status=$1, pickup_driver_id=$2, dropoff_driver_id=$3, batch_id=$4,
			assigned_at=$5, assignment_method=$6, assigned_by=$7, version=version+1
		WHERE id=$8 AND version=$9`,
		string(r.Status), nullStr(r.PickupDriverID), nullStr(r.DropoffDriverID), nullStr(r.BatchID),
		r.AssignedAt, nullStr(r.AssignmentMethod), nullStr(r.AssignedBy), r.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	r.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, active, training_complete,
			wheelchair_accessible, stretcher_capable, oxygen_equipped,
			vehicle_type, base_lat, base_lon, max_daily_rides, skills,
			license_expiry, transport_license_expiry, insurance_expiry, version
		FROM drivers ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		var d models.Driver
		var vt string
		var skills []byte
		if err := rows.Scan(&d.ID, &d.Active, &d.TrainingComplete,
			&d.WheelchairAccessible, &d.StretcherCapable, &d.OxygenEquipped,
			&vt, &d.Base.Lat, &d.Base.Lon, &d.MaxDailyRides, &skills,
			&d.LicenseExpiry, &d.TransportLicenseExpiry, &d.InsuranceExpiry, &d.Version); err != nil {
			return nil, err
		}
		d.VehicleType = models.VehicleType(vt)
		if len(skills) > 0 {
			_ = json.Unmarshal(skills, &d.Skills)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d models.Driver) error {
	skills, _ := json.Marshal(d.Skills)
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, active, training_complete,
			wheelchair_accessible, stretcher_capable, oxygen_equipped,
			vehicle_type, base_lat, base_lon, max_daily_rides, skills,
			license_expiry, transport_license_expiry, insurance_expiry, version, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			active=EXCLUDED.active, training_complete=EXCLUDED.training_complete,
			wheelchair_accessible=EXCLUDED.wheelchair_accessible,
			stretcher_capable=EXCLUDED.stretcher_capable,
			oxygen_equipped=EXCLUDED.oxygen_equipped,
			vehicle_type=EXCLUDED.vehicle_type, base_lat=EXCLUDED.base_lat,
			base_lon=EXCLUDED.base_lon, max_daily_rides=EXCLUDED.max_daily_rides,
			skills=EXCLUDED.skills, license_expiry=EXCLUDED.license_expiry,
			transport_license_expiry=EXCLUDED.transport_license_expiry,
			insurance_expiry=EXCLUDED.insurance_expiry, updated_at=now()`,
		d.ID, d.Active, d.TrainingComplete,
		d.WheelchairAccessible, d.StretcherCapable, d.OxygenEquipped,
		string(d.VehicleType), d.Base.Lat, d.Base.Lon, d.MaxDailyRides, skills,
		d.LicenseExpiry, d.TransportLicenseExpiry, d.InsuranceExpiry, d.Version)
	return err
}

func (p *PostgresStore) CreateJob(ctx context.Context, j *models.OptimizationJob) error {
	rideIDs, _ := json.Marshal(j.RideIDs)
	_, err := p.db.ExecContext(ctx, `INSERT INTO optimization_jobs(id, kind, target_date,
			ride_ids, status, batch_id, error, callback_url, submitted_at, started_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		j.ID, string(j.Kind), nullStr(j.TargetDate), rideIDs, string(j.Status),
		nullStr(j.BatchID), nullStr(j.Error), nullStr(j.CallbackURL),
		j.SubmittedAt, j.StartedAt, j.CompletedAt)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*models.OptimizationJob, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, kind, target_date, ride_ids, status,
			batch_id, error, callback_url, submitted_at, started_at, completed_at
		FROM optimization_jobs WHERE id=$1`, id)
	var j models.OptimizationJob
	var kind, status string
	var targetDate, batchID, jobErr, callback sql.NullString
	var rideIDs []byte
	err := row.Scan(&j.ID, &kind, &targetDate, &rideIDs, &status,
		&batchID, &jobErr, &callback, &j.SubmittedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	j.TargetDate = targetDate.String
	j.BatchID = batchID.String
	j.Error = jobErr.String
	j.CallbackURL = callback.String
	if len(rideIDs) > 0 {
		_ = json.Unmarshal(rideIDs, &j.RideIDs)
	}
	return &j, nil
}

func (p *PostgresStore) UpdateJob(ctx context.Context, j *models.OptimizationJob) error {
	_, err := p.db.ExecContext(ctx, `UPDATE optimization_jobs SET status=$1, batch_id=$2,
			error=$3, started_at=$4, completed_at=$5 WHERE id=$6`,
		string(j.Status), nullStr(j.BatchID), nullStr(j.Error), j.StartedAt, j.CompletedAt, j.ID)
	return err
}

func (p *PostgresStore) SaveAudit(ctx context.Context, a *models.AssignmentAudit) error {
	details, _ := json.Marshal(a.Details)
	reasons, _ := json.Marshal(a.UnassignedReasons)
	_, err := p.db.ExecContext(ctx, `INSERT INTO assignment_audits(batch_id, assignment_date,
			total_rides, assigned_rides, unassigned_rides, assigned_drivers, success_rate,
			emergency_count, wheelchair_count, stretcher_count, round_trip_count,
			details, unassigned_reasons, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.BatchID, a.AssignmentDate, a.TotalRides, a.AssignedRides, a.UnassignedRides,
		a.AssignedDrivers, a.SuccessRate, a.EmergencyCount, a.WheelchairCount,
		a.StretcherCount, a.RoundTripCount, details, reasons, a.CreatedAt)
	return err
}

func (p *PostgresStore) GetAudit(ctx context.Context, batchID string) (*models.AssignmentAudit, error) {
	row := p.db.QueryRowContext(ctx, `SELECT batch_id, assignment_date, total_rides,
			assigned_rides, unassigned_rides, assigned_drivers, success_rate,
			emergency_count, wheelchair_count, stretcher_count, round_trip_count,
			details, unassigned_reasons, created_at
		FROM assignment_audits WHERE batch_id=$1`, batchID)
	var a models.AssignmentAudit
	var details, reasons []byte
	err := row.Scan(&a.BatchID, &a.AssignmentDate, &a.TotalRides,
		&a.AssignedRides, &a.UnassignedRides, &a.AssignedDrivers, &a.SuccessRate,
		&a.EmergencyCount, &a.WheelchairCount, &a.StretcherCount, &a.RoundTripCount,
		&details, &reasons, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(details, &a.Details)
	_ = json.Unmarshal(reasons, &a.UnassignedReasons)
	return &a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var vt, priority, structure, status string
	var windowSecs int64
	var needs, skills []byte
	var pickupDriver, dropoffDriver, batchID, method, actor sql.NullString
	var assignedAt sql.NullTime
	err := row.Scan(&r.ID, &r.PatientID, &r.Pickup.Address, &r.Pickup.Coord.Lat, &r.Pickup.Coord.Lon,
		&r.Dropoff.Address, &r.Dropoff.Coord.Lat, &r.Dropoff.Coord.Lon, &r.PickupTime, &windowSecs,
		&vt, &priority, &structure, &r.RoundTrip, &r.AppointmentMins,
		&needs, &skills, &status, &pickupDriver, &dropoffDriver,
		&batchID, &assignedAt, &method, &actor, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.PickupWindow = time.Duration(windowSecs) * time.Second
	r.VehicleType = models.VehicleType(vt)
	r.Priority = models.Priority(priority)
	r.Structure = models.RideStructure(structure)
	r.Status = models.RideStatus(status)
	if len(needs) > 0 {
		_ = json.Unmarshal(needs, &r.Needs)
	}
	if len(skills) > 0 {
		_ = json.Unmarshal(skills, &r.RequiredSkills)
	}
	r.PickupDriverID = pickupDriver.String
	r.DropoffDriverID = dropoffDriver.String
	r.BatchID = batchID.String
	r.AssignmentMethod = method.String
	r.AssignedBy = actor.String
	if assignedAt.Valid {
		t := assignedAt.Time
		r.AssignedAt = &t
	}
	return &r, nil
}

func collectRides(rows *sql.Rows) ([]models.Ride, error) {
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

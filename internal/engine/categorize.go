package engine

import (
	"github.com/example/medtransport-dispatch/internal/models"
)

// shortAppointmentMins is the cutoff under which an appointment is treated as
// a round trip: the driver waits and returns the patient.
const shortAppointmentMins = 15

// Buckets is the categorizer output: emergency rides first, everything else
// split by round-trip-ness and required vehicle type.
type Buckets struct {
	Emergency []models.Ride
	RoundTrip map[models.VehicleType][]models.Ride
	OneWay    map[models.VehicleType][]models.Ride
}

// Categorize classifies one batch of rides. EMERGENCY priority takes
// precedence over vehicle-type bucketing entirely.
func Categorize(rides []models.Ride) Buckets {
	b := Buckets{
		RoundTrip: make(map[models.VehicleType][]models.Ride),
		OneWay:    make(map[models.VehicleType][]models.Ride),
	}
	for _, r := range rides {
		if r.Priority == models.PriorityEmergency {
			b.Emergency = append(b.Emergency, r)
			continue
		}
		vt := RequiredVehicleType(r)
		if IsRoundTrip(r) {
			b.RoundTrip[vt] = append(b.RoundTrip[vt], r)
		} else {
			b.OneWay[vt] = append(b.OneWay[vt], r)
		}
	}
	return b
}

// RequiredVehicleType resolves the vehicle type a ride needs: the ride's own
// tag when set, otherwise derived from the patient's needs.
func RequiredVehicleType(r models.Ride) models.VehicleType {
	if r.VehicleType != "" {
		return r.VehicleType
	}
	switch {
	case r.Needs.Stretcher:
		return models.VehicleStretcherVan
	case r.Needs.Wheelchair, r.Needs.Oxygen:
		return models.VehicleWheelchairVan
	default:
		return models.VehicleSedan
	}
}

// IsRoundTrip reports whether the same driver should hold both legs. A known
// appointment duration at or under the cutoff implies a round trip even when
// the ride itself doesn't say so.
func IsRoundTrip(r models.Ride) bool {
	if r.RoundTrip || r.Structure == models.StructureRoundTrip {
		return true
	}
	return r.AppointmentMins > 0 && r.AppointmentMins <= shortAppointmentMins
}

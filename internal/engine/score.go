package engine

import (
	"github.com/example/medtransport-dispatch/internal/geo"
	"github.com/example/medtransport-dispatch/internal/models"
)

// Score weights. Distance dominates; an exact vehicle-type match and a
// larger declared capacity nudge the score down (lower is better).
const (
	distanceWeightPerKm = 100.0
	exactMatchBonus     = 50.0
	capacityBonusPer    = 5.0
)

// driverScore ranks a candidate for a ride leg ending at target. Lower wins.
func driverScore(d models.Driver, target models.Coord, required models.VehicleType, distKm func(models.Coord, models.Coord) float64) float64 {
	s := distanceWeightPerKm * distKm(d.Base, target)
	if d.VehicleType == required {
		s -= exactMatchBonus
	}
	s -= capacityBonusPer * float64(d.MaxDailyRides)
	return s
}

// pickBest returns the candidate with the minimum score. Strict less-than
// keeps the first candidate in roster order on an exact numeric tie.
func pickBest(cands []models.Driver, score func(models.Driver) float64) (models.Driver, bool) {
	var best models.Driver
	bestScore := 0.0
	found := false
	for _, d := range cands {
		s := score(d)
		if !found || s < bestScore {
			best = d
			bestScore = s
			found = true
		}
	}
	return best, found
}

// nearest returns the candidate with the minimum great-circle distance from
// base to target.
func nearest(cands []models.Driver, target models.Coord) (models.Driver, bool) {
	return pickBest(cands, func(d models.Driver) float64 {
		return geo.HaversineKm(d.Base, target)
	})
}

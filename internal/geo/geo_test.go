package geo

import (
	"math"
	"testing"

	"github.com/example/medtransport-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(41, 29, 41, 29)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111km
	km := HaversineKm(models.Coord{Lat: 40, Lon: 29}, models.Coord{Lat: 41, Lon: 29})
	if km < 110 || km > 112 {
		t.Fatalf("expected ~111km, got %f", km)
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		c    models.Coord
		want bool
	}{
		{models.Coord{Lat: 41.0, Lon: 29.0}, true},
		{models.Coord{Lat: 0, Lon: 0}, false},
		{models.Coord{Lat: 91, Lon: 0}, false},
		{models.Coord{Lat: 0, Lon: -181}, false},
		{models.Coord{Lat: math.NaN(), Lon: 1}, false},
		{models.Coord{Lat: math.Inf(1), Lon: 1}, false},
		{models.Coord{Lat: -89.9, Lon: 179.9}, true},
	}
	for _, tc := range cases {
		if got := Valid(tc.c); got != tc.want {
			t.Errorf("Valid(%v) = %v, want %v", tc.c, got, tc.want)
		}
	}
}

package geo

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/medtransport-dispatch/internal/models"
)

// Geocoder resolves a street address to coordinates. A nil result with a nil
// error means the address could not be resolved.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*models.Coord, error)
}

// GoogleGeocoder resolves addresses through the Google Maps Geocoding API.
type GoogleGeocoder struct {
	client *maps.Client
}

func NewGoogleGeocoder(apiKey string) (*GoogleGeocoder, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleGeocoder{client: c}, nil
}

func (g *GoogleGeocoder) Geocode(ctx context.Context, address string) (*models.Coord, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address})
	if err != nil {
		return nil, fmt.Errorf("geocode %q: %w", address, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	loc := results[0].Geometry.Location
	return &models.Coord{Lat: loc.Lat, Lon: loc.Lng}, nil
}

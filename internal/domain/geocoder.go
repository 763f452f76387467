package domain

import "context"

// GeocodingResult contains location data returned by a geocoding provider.
type GeocodingResult struct {
	Lat              float64
	Lon              float64
	FormattedAddress string
	PlaceName        string
	CountryISO3      string
	BBox             []float64 // minLon, minLat, maxLon, maxLat
	Confidence       float64   // 0.0–1.0 provider confidence score
}

// Geocoder resolves user supplied locations.
type Geocoder interface {
	// ForwardGeocode converts a free-text place name to coordinates and country.
	ForwardGeocode(ctx context.Context, query string) (GeocodingResult, error)

	// ReverseGeocode converts coordinates to place details and country.
	ReverseGeocode(ctx context.Context, lat, lon float64) (GeocodingResult, error)
}

package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ResolveLocation fills in the country (and bounding polygon when missing)
// of a request location. A location that already names its country is
// returned unchanged apart from normalisation. Coordinates are preferred over
// the place name when both are present.
func ResolveLocation(ctx context.Context, loc Location, geocoder Geocoder, logger *slog.Logger) (Location, error) {
	loc.CountryISO3 = strings.ToUpper(strings.TrimSpace(loc.CountryISO3))
	if loc.CountryISO3 != "" {
		return loc, nil
	}
	if geocoder == nil {
		return loc, fmt.Errorf("%w: location country is required when geocoding is disabled", ErrInvalidRequest)
	}

	hasCoords := loc.Lat != 0 || loc.Lon != 0
	hasName := strings.TrimSpace(loc.Name) != ""

	var (
		result GeocodingResult
		err    error
		method string
	)
	switch {
	case hasCoords:
		method = "reverse"
		result, err = geocoder.ReverseGeocode(ctx, loc.Lat, loc.Lon)
	case hasName:
		method = "forward"
		result, err = geocoder.ForwardGeocode(ctx, loc.Name)
	default:
		return loc, fmt.Errorf("%w: location needs a country, coordinates or a name", ErrInvalidRequest)
	}
	if err != nil {
		logger.Warn("location geocoding failed",
			"method", method,
			"location", loc.Name,
			"lat", loc.Lat,
			"lon", loc.Lon,
			"error", err,
		)
		return loc, fmt.Errorf("%s geocode %q: %w", method, loc.Name, err)
	}
	if result.CountryISO3 == "" {
		return loc, fmt.Errorf("%w: could not resolve a country for location %q", ErrInvalidRequest, loc.Name)
	}

	loc.CountryISO3 = strings.ToUpper(result.CountryISO3)
	if !hasCoords {
		loc.Lat, loc.Lon = result.Lat, result.Lon
	}
	if loc.Name == "" {
		loc.Name = result.PlaceName
	}
	if loc.Poly == "" && len(result.BBox) == 4 {
		loc.Poly = BBoxToWKT(result.BBox)
	}
	return loc, nil
}

// BBoxToWKT renders a minLon, minLat, maxLon, maxLat box as a WKT polygon.
func BBoxToWKT(bbox []float64) string {
	minLon, minLat, maxLon, maxLat := bbox[0], bbox[1], bbox[2], bbox[3]
	return fmt.Sprintf("POLYGON ((%g %g, %g %g, %g %g, %g %g, %g %g))",
		minLon, minLat,
		maxLon, minLat,
		maxLon, maxLat,
		minLon, maxLat,
		minLon, minLat,
	)
}

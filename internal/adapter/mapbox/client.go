package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/couchcryptid/risk-attribution-service/internal/observability"
)

const defaultBaseURL = "https://api.mapbox.com/search/geocode/v6"

// Client implements domain.Geocoder using the Mapbox Geocoding v6 API.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Mapbox geocoding client.
func NewClient(token string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: defaultBaseURL,
		metrics: metrics,
		logger:  logger,
	}
}

// ForwardGeocode converts a free-text place name to coordinates and country.
func (c *Client) ForwardGeocode(ctx context.Context, query string) (domain.GeocodingResult, error) {
	params := url.Values{
		"q":            {query},
		"access_token": {c.token},
		"limit":        {"1"},
		"types":        {"country,region,district,place,locality"},
	}
	return c.doRequest(ctx, c.baseURL+"/forward?"+params.Encode(), "forward")
}

// ReverseGeocode converts coordinates to place details and country.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (domain.GeocodingResult, error) {
	params := url.Values{
		"longitude":    {strconv.FormatFloat(lon, 'f', 6, 64)},
		"latitude":     {strconv.FormatFloat(lat, 'f', 6, 64)},
		"access_token": {c.token},
		"limit":        {"1"},
	}
	return c.doRequest(ctx, c.baseURL+"/reverse?"+params.Encode(), "reverse")
}

func (c *Client) doRequest(ctx context.Context, fullURL, method string) (domain.GeocodingResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.GeocodeAPIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.GeocodeRequests.WithLabelValues(method, "error").Inc()
		return domain.GeocodingResult{}, fmt.Errorf("%s geocode request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.GeocodeRequests.WithLabelValues(method, "error").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.GeocodingResult{}, fmt.Errorf("mapbox API error: status %d: %s", resp.StatusCode, body)
	}

	var mapboxResp response
	if err := json.NewDecoder(resp.Body).Decode(&mapboxResp); err != nil {
		c.metrics.GeocodeRequests.WithLabelValues(method, "error").Inc()
		return domain.GeocodingResult{}, fmt.Errorf("decode response: %w", err)
	}

	if len(mapboxResp.Features) == 0 {
		c.metrics.GeocodeRequests.WithLabelValues(method, "empty").Inc()
		c.logger.Debug("mapbox returned no features", "method", method)
		return domain.GeocodingResult{}, nil
	}
	c.metrics.GeocodeRequests.WithLabelValues(method, "success").Inc()

	p := mapboxResp.Features[0].Properties
	result := domain.GeocodingResult{
		Lat:              p.Coordinates.Latitude,
		Lon:              p.Coordinates.Longitude,
		FormattedAddress: p.FullAddress,
		PlaceName:        p.Name,
		CountryISO3:      p.Context.Country.CountryCodeAlpha3,
		Confidence:       confidence(p.MatchCode.Confidence),
	}
	if len(p.BBox) == 4 {
		result.BBox = p.BBox
	}
	return result, nil
}

// confidence maps the v6 match code onto a 0..1 score. Features without a
// match code are returned by Mapbox as its best candidate.
func confidence(code string) float64 {
	switch code {
	case "exact":
		return 1
	case "high":
		return 0.9
	case "medium":
		return 0.6
	case "low":
		return 0.3
	default:
		return 1
	}
}

// Mapbox API response types.

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	Properties properties `json:"properties"`
}

type properties struct {
	FeatureType string      `json:"feature_type"`
	Name        string      `json:"name"`
	FullAddress string      `json:"full_address"`
	BBox        []float64   `json:"bbox"` // minLon, minLat, maxLon, maxLat
	Coordinates coordinates `json:"coordinates"`
	Context     placeCtx    `json:"context"`
	MatchCode   matchCode   `json:"match_code"`
}

type coordinates struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type placeCtx struct {
	Country country `json:"country"`
}

type country struct {
	Name              string `json:"name"`
	CountryCode       string `json:"country_code"`
	CountryCodeAlpha3 string `json:"country_code_alpha_3"`
}

type matchCode struct {
	Confidence string `json:"confidence"`
}

// Package impactapi calls the physical hazard/exposure/impact model over
// HTTP. The model service computes one scenario per request and may take
// minutes to answer.
package impactapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/domain"
)

// Client implements domain.ImpactModel against the model service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a model client. timeout bounds a single scenario call.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// StatusError is returned when the model service answers with a non-200
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("impact model error: status %d: %s", e.StatusCode, e.Body)
}

// ComputeImpact posts the request to /impact and decodes the per-location
// result. Every location must carry one value per requested return period.
func (c *Client) ComputeImpact(ctx context.Context, ir domain.ImpactRequest) (domain.ImpactResult, error) {
	body, err := json.Marshal(ir)
	if err != nil {
		return domain.ImpactResult{}, fmt.Errorf("encode impact request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/impact", bytes.NewReader(body))
	if err != nil {
		return domain.ImpactResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ImpactResult{}, fmt.Errorf("impact request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.ImpactResult{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var result domain.ImpactResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.ImpactResult{}, fmt.Errorf("decode impact response: %w", err)
	}
	for i, loc := range result.Locations {
		if len(loc.Values) != len(ir.ReturnPeriods) {
			return domain.ImpactResult{}, fmt.Errorf("impact response location %d: got %d values for %d return periods",
				i, len(loc.Values), len(ir.ReturnPeriods))
		}
	}

	c.logger.Debug("impact computed",
		"country", ir.Country,
		"hazard_year", ir.HazardYear,
		"exposure_year", ir.ExposureYear,
		"measures", len(ir.Measures),
		"locations", len(result.Locations),
		"duration", time.Since(start),
	)
	return result, nil
}

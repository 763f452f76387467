package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	httpadapter "github.com/couchcryptid/risk-attribution-service/internal/adapter/http"
	"github.com/couchcryptid/risk-attribution-service/internal/catalog"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type fakeCalculations struct {
	submitted []domain.ScenarioRequest
	submitErr error
	records   map[uuid.UUID]domain.JobRecord
	pollErr   error
}

func (f *fakeCalculations) Submit(_ context.Context, kind domain.ReportKind, req domain.ScenarioRequest) (domain.JobRecord, error) {
	if f.submitErr != nil {
		return domain.JobRecord{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return domain.JobRecord{
		ID:          uuid.MustParse("6f1c1a52-2a3b-4e63-9a0e-3c1b8e3f7d10"),
		Kind:        kind,
		Status:      domain.JobPending,
		SubmittedAt: time.Date(2024, time.April, 26, 15, 10, 0, 0, time.UTC),
	}, nil
}

func (f *fakeCalculations) Poll(_ context.Context, kind domain.ReportKind, id uuid.UUID) (domain.JobRecord, error) {
	if f.pollErr != nil {
		return domain.JobRecord{}, f.pollErr
	}
	rec, ok := f.records[id]
	if !ok || rec.Kind != kind {
		return domain.JobRecord{}, domain.ErrJobNotFound
	}
	return rec, nil
}

func (f *fakeCalculations) Measures(h domain.HazardType) []domain.MeasureRef {
	all := []domain.MeasureRef{
		{Slug: "mangroves", HazardType: domain.HazardTropicalCyclone},
		{Slug: "green-roofs", HazardType: domain.HazardExtremeHeat},
	}
	if h == "" {
		return all
	}
	var out []domain.MeasureRef
	for _, m := range all {
		if m.HazardType == h {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeCalculations) Options(h domain.HazardType) (catalog.HazardOptions, bool) {
	if h != domain.HazardTropicalCyclone {
		return catalog.HazardOptions{}, false
	}
	return catalog.HazardOptions{Years: []int{2020, 2040}, Scenarios: []string{"ssp245"}}, true
}

func newTestServer(calc *fakeCalculations, readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", calc, &mockReadiness{err: readyErr}, slog.Default())
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthzReturns200(t *testing.T) {
	rec := do(t, newTestServer(&fakeCalculations{}, nil), http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := do(t, newTestServer(&fakeCalculations{}, nil), http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := do(t, newTestServer(&fakeCalculations{}, fmt.Errorf("job store unreachable")), http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "job store unreachable", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newTestServer(&fakeCalculations{}, nil), http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSubmitCostBenefit(t *testing.T) {
	calc := &fakeCalculations{}
	srv := newTestServer(calc, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/costbenefit", `{
		"hazard_type": "tropical_cyclone",
		"impact_type": "economic_loss",
		"location": {"country": "HTI"},
		"scenario_name": "ssp245",
		"scenario_year": 2060,
		"return_periods": ["aai"],
		"measure_ids": ["mangroves"]
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/costbenefit/6f1c1a52-2a3b-4e63-9a0e-3c1b8e3f7d10", rec.Header().Get("Location"))
	body := decodeBody(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "costbenefit", body["kind"])

	require.Len(t, calc.submitted, 1)
	assert.Equal(t, domain.HazardTropicalCyclone, calc.submitted[0].HazardType)
	assert.Equal(t, 2060, calc.submitted[0].TargetYear)
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed body", `{"hazard_type":`, nil, http.StatusBadRequest},
		{"invalid request", `{}`, fmt.Errorf("%w: scenario_year is required", domain.ErrInvalidRequest), http.StatusBadRequest},
		{"unexpected failure", `{}`, fmt.Errorf("job store unreachable"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeCalculations{submitErr: tt.err}, nil)
			rec := do(t, srv, http.MethodPost, "/api/v1/timeline", tt.body)

			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
}

func TestPoll(t *testing.T) {
	id := uuid.New()
	done := time.Date(2024, time.April, 26, 15, 12, 0, 0, time.UTC)
	calc := &fakeCalculations{records: map[uuid.UUID]domain.JobRecord{
		id: {
			ID:          id,
			Kind:        domain.ReportTimeline,
			Status:      domain.JobSuccess,
			CompletedAt: &done,
			Result:      &domain.Report{Kind: domain.ReportTimeline},
		},
	}}
	srv := newTestServer(calc, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/timeline/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.NotNil(t, body["response"])

	t.Run("wrong kind", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/v1/costbenefit/"+id.String(), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("unknown id", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/v1/timeline/"+uuid.NewString(), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
	t.Run("malformed id", func(t *testing.T) {
		rec := do(t, srv, http.MethodGet, "/api/v1/timeline/not-a-uuid", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPoll_StoreFailure(t *testing.T) {
	srv := newTestServer(&fakeCalculations{pollErr: fmt.Errorf("connection reset")}, nil)
	rec := do(t, srv, http.MethodGet, "/api/v1/timeline/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMeasures(t *testing.T) {
	srv := newTestServer(&fakeCalculations{}, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/measures?hazard_type=extreme_heat", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Measures []domain.MeasureRef `json:"measures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Measures, 1)
	assert.Equal(t, "green-roofs", body.Measures[0].Slug)

	rec = do(t, srv, http.MethodGet, "/api/v1/measures", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Measures, 2)

	rec = do(t, srv, http.MethodGet, "/api/v1/measures?hazard_type=flood", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptions(t *testing.T) {
	srv := newTestServer(&fakeCalculations{}, nil)

	rec := do(t, srv, http.MethodGet, "/api/v1/options/tropical_cyclone", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/options/extreme_heat", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	rec := do(t, newTestServer(&fakeCalculations{}, nil), http.MethodDelete, "/api/v1/costbenefit", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

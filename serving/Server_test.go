package serving

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/popgrowth/deepar/data/preprocess"
	"github.com/popgrowth/deepar/data/scale"
	"github.com/popgrowth/deepar/forecast"
	"github.com/popgrowth/deepar/predictor"
	"github.com/popgrowth/deepar/solver"
)

func TestHealthReportsModelNotLoadedBeforeSetModel(t *testing.T) {
	s := New(nil, nil, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ModelLoaded {
		t.Fatalf("ModelLoaded = true, want false before SetModel")
	}
	if body.EntitiesAvailable != 0 {
		t.Fatalf("EntitiesAvailable = %d, want 0", body.EntitiesAvailable)
	}
}

func TestPredictReturns503BeforeModelLoaded(t *testing.T) {
	s := New(nil, nil, nil)
	body, _ := json.Marshal(predictRequest{Country: "A", TargetYear: 2030, NumSamples: 50})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestCountriesReturns503BeforeModelLoaded(t *testing.T) {
	s := New(nil, nil, nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/countries", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()

	catalog := preprocess.NewCatalog(map[string]struct{}{"A": {}})
	series := map[string]preprocess.Series{
		"A": {Years: []int{2000, 2001, 2002}, Values: []float64{10, 20, 30}},
	}
	scaler := scale.Fit(series)

	cfg := forecast.Config{NumEntities: 1, EmbedDim: 2, YearHidden: []int{4, 2}, Hidden: 4, Layers: 1}
	adam := solver.AdamConfig{StepSize: 0.01, Epsilon: 1e-8, Beta1: 0.9, Beta2: 0.999, Batch: 1, Clip: 5.0}
	model, err := forecast.NewModel(cfg, 1, 3, adam.Create())
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	pred := predictor.New(model, scaler, catalog, 100, 1)
	s := New(nil, nil, nil)
	s.SetModel(pred, catalog, series)
	return s
}

func TestHealthAndCountriesAfterSetModel(t *testing.T) {
	s := testServer(t)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.ModelLoaded || health.EntitiesAvailable != 1 {
		t.Fatalf("unexpected health response: %+v", health)
	}

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/countries", nil))
	var countries countriesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &countries); err != nil {
		t.Fatalf("decode countries: %v", err)
	}
	if len(countries.Countries) != 1 || countries.Countries[0] != "A" {
		t.Fatalf("unexpected countries response: %+v", countries)
	}
}

func TestPredictUnknownCountryReturns404(t *testing.T) {
	s := testServer(t)

	body, _ := json.Marshal(predictRequest{Country: "Z", TargetYear: 2030, NumSamples: 50})
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestPredictRejectsOutOfRangeTargetYear(t *testing.T) {
	s := testServer(t)

	body, _ := json.Marshal(predictRequest{Country: "A", TargetYear: 1999, NumSamples: 50})
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestPredictSucceedsForKnownCountry(t *testing.T) {
	s := testServer(t)

	// The fixture series ends at 2002, so 2024 yields 22 forecast years.
	body, _ := json.Marshal(predictRequest{Country: "A", TargetYear: 2024, NumSamples: 50})
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp predictResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Forecasts) != 22 {
		t.Fatalf("len(Forecasts) = %d, want 22", len(resp.Forecasts))
	}
}

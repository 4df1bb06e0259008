// Package serving implements the HTTP API spec.md §6 describes:
// health, the list of known entities, and the probabilistic forecast
// endpoint. Grounded on net/http + encoding/json, the only HTTP stack
// used anywhere in the example pack; route-level logging follows the
// logrus convention the teacher uses at every other phase boundary.
package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/popgrowth/deepar/data/preprocess"
	"github.com/popgrowth/deepar/predictor"
)

// Server wraps a Predictor in the three endpoints spec.md §6 defines.
// It holds the source series it was loaded with so /predict can look
// up an entity's known history by name; callers never supply history
// inline, keeping the wire contract the single {country, target_year,
// num_samples} request spec.md §6 specifies.
//
// predictor/catalog/series may be nil: New is called once at process
// start before the artifact bundle has necessarily finished loading,
// and the cmd layer's loadArtifactInto populates them with SetModel once
// loading succeeds. Until then, /health reports model_loaded=false and
// /predict answers 503, per spec.md §6.
type Server struct {
	mu        sync.RWMutex
	predictor *predictor.Predictor
	catalog   *preprocess.Catalog
	series    map[string]preprocess.Series
	mux       *http.ServeMux
}

// New builds a Server ready to be handed to http.ListenAndServe. Pass
// nil for p/catalog/series if the artifact bundle has not finished
// loading yet; call SetModel once it has.
func New(p *predictor.Predictor, catalog *preprocess.Catalog, series map[string]preprocess.Series) *Server {
	s := &Server{predictor: p, catalog: catalog, series: series, mux: http.NewServeMux()}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/countries", s.handleCountries)
	s.mux.HandleFunc("/predict", s.handlePredict)
	return s
}

// SetModel installs a freshly loaded predictor/catalog/series triple,
// making a Server that started with model_loaded=false serve real
// predictions from this point on. Safe to call concurrently with
// in-flight requests.
func (s *Server) SetModel(p *predictor.Predictor, catalog *preprocess.Catalog, series map[string]preprocess.Series) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictor, s.catalog, s.series = p, catalog, series
}

// snapshot returns the currently loaded predictor/catalog/series under
// the read lock, so a single request observes a consistent triple even
// if SetModel runs concurrently.
func (s *Server) snapshot() (*predictor.Predictor, *preprocess.Catalog, map[string]preprocess.Series) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.predictor, s.catalog, s.series
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status            string `json:"status"`
	ModelLoaded       bool   `json:"model_loaded"`
	EntitiesAvailable int    `json:"entities_available"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pred, catalog, _ := s.snapshot()

	entities := 0
	if catalog != nil {
		entities = catalog.Len()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		ModelLoaded:       pred != nil,
		EntitiesAvailable: entities,
	})
}

type countriesResponse struct {
	Countries []string `json:"countries"`
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	_, catalog, _ := s.snapshot()
	if catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "countries: artifact bundle not loaded")
		return
	}

	entities := append([]string{}, catalog.Entities()...)
	sort.Strings(entities)
	writeJSON(w, http.StatusOK, countriesResponse{Countries: entities})
}

type predictRequest struct {
	Country    string `json:"country"`
	TargetYear int    `json:"target_year"`
	NumSamples int    `json:"num_samples"`
}

type forecastPointResponse struct {
	Year   int     `json:"year"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Std    float64 `json:"std"`
}

type predictResponse struct {
	Country    string                  `json:"country"`
	TargetYear int                     `json:"target_year"`
	Forecasts  []forecastPointResponse `json:"forecasts"`
}

const (
	minTargetYear = 2024
	maxTargetYear = 2100
	minSamples    = 10
	maxSamples    = 1000
	defaultSamples = 200
)

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "predict: method not allowed")
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("predict: invalid request body: %v", err))
		return
	}

	if req.TargetYear < minTargetYear || req.TargetYear > maxTargetYear {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"predict: target_year must be in [%d,%d]", minTargetYear, maxTargetYear))
		return
	}

	samples := req.NumSamples
	if samples == 0 {
		samples = defaultSamples
	}
	if samples < minSamples || samples > maxSamples {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"predict: num_samples must be in [%d,%d]", minSamples, maxSamples))
		return
	}

	pred, _, series := s.snapshot()
	if pred == nil {
		writeError(w, http.StatusServiceUnavailable, "predict: artifact bundle not loaded")
		return
	}

	known, ok := series[req.Country]
	if !ok {
		s.writePredictError(w, req.Country, fmt.Errorf("predict: %w: %q", predictor.ErrUnknownEntity, req.Country))
		return
	}

	points, err := pred.Predict(r.Context(), req.Country, known.Values, known.Years, req.TargetYear, samples)
	if err != nil {
		s.writePredictError(w, req.Country, err)
		return
	}

	forecasts := make([]forecastPointResponse, len(points))
	for i, p := range points {
		forecasts[i] = forecastPointResponse{
			Year: p.Year, Mean: p.Mean, Median: p.Median, Lower: p.Lower, Upper: p.Upper, Std: p.Std,
		}
	}

	writeJSON(w, http.StatusOK, predictResponse{
		Country: req.Country, TargetYear: req.TargetYear, Forecasts: forecasts,
	})
}

func (s *Server) writePredictError(w http.ResponseWriter, country string, err error) {
	switch {
	case errors.Is(err, predictor.ErrUnknownEntity):
		logrus.Warnf("predict: unknown country %q", country)
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		logrus.Errorf("predict: unexpected error for %q: %v", country, err)
		writeError(w, http.StatusInternalServerError, "predict: internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Errorf("serving: failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// Package httpapi is the loopback control surface consumed by the menu
// bar, widgets and the OAuth redirect. It exposes the session snapshot,
// the sample window and the control operations over local HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/wattbar/wattbar/internal/api"
	"github.com/wattbar/wattbar/internal/auth"
	"github.com/wattbar/wattbar/internal/history"
	"github.com/wattbar/wattbar/internal/models"
)

// EnergyControl is the slice of the API client behind the control routes.
type EnergyControl interface {
	SetBackupReserve(ctx context.Context, siteID string, percent int) error
	SetOperationMode(ctx context.Context, siteID, mode string) error
}

// Metrics holds the server's Prometheus collectors, registered against an
// injected registry so tests can run side by side.
type Metrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wattbar_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wattbar_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(m.Requests, m.Latency)
	return m
}

// Server serves the loopback API.
type Server struct {
	manager  *auth.Manager
	control  EnergyControl
	store    history.Store
	registry *prometheus.Registry
	metrics  *Metrics
	logger   *logrus.Logger
	limiter  *rate.Limiter
}

func NewServer(manager *auth.Manager, control EnergyControl, store history.Store, registry *prometheus.Registry, logger *logrus.Logger) *Server {
	return &Server{
		manager:  manager,
		control:  control,
		store:    store,
		registry: registry,
		metrics:  NewMetrics(registry),
		logger:   logger,
		limiter:  rate.NewLimiter(5, 10),
	}
}

// Routes assembles the router with the full middleware chain.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(NewMetricsMiddleware(s.metrics.Requests, s.metrics.Latency))
	r.Use(s.rateLimit)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/auth/callback", s.handleAuthCallback)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/sites", s.handleSites)
		r.Get("/samples", s.handleSamples)
		r.Get("/events", s.handleEvents)

		r.Post("/auth/start", s.handleAuthStart)
		r.Post("/auth/partner", s.handleAuthPartner)
		r.Post("/auth/callback-url", s.handleAuthCallbackURL)
		r.Post("/auth/signout", s.handleSignOut)
		r.Post("/auth/reset-error", s.handleResetError)
		r.Post("/refresh", s.handleRefresh)

		r.Post("/sites/{siteID}/backup-reserve", s.handleBackupReserve)
		r.Post("/sites/{siteID}/operation-mode", s.handleOperationMode)
	})
	return r
}

// rateLimit sheds load when the UI polls too aggressively.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the one-call snapshot the menu bar renders from.
type statusResponse struct {
	Status       auth.Status         `json:"status"`
	Reading      *models.LiveReading `json:"reading,omitempty"`
	BatteryState models.BatteryState `json:"battery_state,omitempty"`
	Flow         *models.Flow        `json:"flow,omitempty"`
	Display      string              `json:"display,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.manager.Snapshot()}
	if reading, ok := s.manager.LatestReading(""); ok {
		flow := models.FlowOf(reading)
		resp.Reading = &reading
		resp.BatteryState = models.BatteryStateOf(reading)
		resp.Flow = &flow
		resp.Display = fmt.Sprintf("%s · %.0f%%",
			models.FormatPower(reading.LoadPower), reading.PercentageCharged)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sites": s.manager.Sites()})
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	points, err := s.store.Load()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if points == nil {
		points = []models.SamplePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"samples": points})
}

// handleEvents streams status snapshots as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, cancel := s.manager.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case status, open := <-updates:
			if !open {
				return
			}
			payload, err := json.Marshal(status)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.manager.StartAuthentication(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

func (s *Server) handleAuthPartner(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StartPartnerAuthentication(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

// handleAuthCallback is the loopback redirect target the provider sends
// the browser to. The response is plain HTML for the user's eyes.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	err := s.manager.HandleCallback(r.Context(), r.URL.String())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, callbackPage, "Sign-in failed", "Something went wrong. You can close this window and try again from the menu bar.")
		return
	}
	fmt.Fprintf(w, callbackPage, "Signed in", "You can close this window now.")
}

const callbackPage = `<!DOCTYPE html>
<html><head><title>wattbar</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>%s</h1><p>%s</p>
</body></html>
`

// handleAuthCallbackURL accepts a redirect URL forwarded by a companion
// process, for installs using a custom URL scheme instead of loopback.
func (s *Server) handleAuthCallbackURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry the redirect url"})
		return
	}
	if err := s.manager.HandleCallback(r.Context(), req.URL); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.manager.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetError(w http.ResponseWriter, r *http.Request) {
	s.manager.ResetError()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.manager.Refresh(r.Context())
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *Server) handleBackupReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent int `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry the reserve percent"})
		return
	}
	if err := s.control.SetBackupReserve(r.Context(), chi.URLParam(r, "siteID"), req.Percent); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOperationMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must carry the operation mode"})
		return
	}
	if err := s.control.SetOperationMode(r.Context(), chi.URLParam(r, "siteID"), req.Mode); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto response codes: auth failures
// 401, provider refusals pass through, upstream trouble 502, local
// validation 400.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var statusErr *api.StatusError
	var transportErr *api.TransportError
	var decodeErr *api.DecodeError

	code := http.StatusBadRequest
	switch {
	case errors.Is(err, api.ErrAuthenticationRequired), errors.Is(err, auth.ErrNotAuthenticated):
		code = http.StatusUnauthorized
	case errors.Is(err, api.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, api.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, api.ErrRateLimited):
		code = http.StatusTooManyRequests
	case errors.As(err, &statusErr), errors.As(err, &transportErr), errors.As(err, &decodeErr):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already out; an encode failure here has nowhere
	// useful to go.
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe runs the server until ctx is cancelled, then drains with
// a short grace period.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *logrus.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Loopback API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

//go:build integration
// +build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattbar/wattbar/internal/api"
	"github.com/wattbar/wattbar/internal/auth"
	"github.com/wattbar/wattbar/internal/history"
	"github.com/wattbar/wattbar/internal/httpapi"
	"github.com/wattbar/wattbar/internal/models"
	"github.com/wattbar/wattbar/internal/vault"
)

// grantCounter tracks token grants by grant_type so tests can assert how
// often each OAuth flow actually hit the provider.
type grantCounter struct {
	mu     sync.Mutex
	grants map[string]int
}

func newGrantCounter() *grantCounter {
	return &grantCounter{grants: make(map[string]int)}
}

func (g *grantCounter) record(grantType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[grantType]++
}

func (g *grantCounter) count(grantType string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grants[grantType]
}

// setupMockProvider serves the OAuth endpoints and the energy API a real
// provider would.
func setupMockProvider(grants *grantCounter) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err == nil {
			grants.record(r.Form.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sub":"user-7","email":"ada@example.com","given_name":"Ada","family_name":"Lovelace"}`)
	})
	mux.HandleFunc("/api/1/products", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"response":[
			{"energy_site_id":8675309,"resource_type":"battery","site_name":"Home","components":{"battery":true,"solar":true}},
			{"energy_site_id":12345,"resource_type":"vehicle","site_name":"Car","components":{"battery":false,"solar":false}}
		],"count":2}`)
	})
	mux.HandleFunc("/api/1/energy_sites/8675309/live_status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"response":{"solar_power":2500,"load_power":1200,"battery_power":-800,"percentage_charged":67,"timestamp":"2025-06-01T12:00:00Z"}}`)
	})
	return httptest.NewServer(mux)
}

// newAgent wires a full agent against the given provider and stores, and
// exposes it over a loopback test server the way the menu bar sees it.
func newAgent(t *testing.T, providerURL string, secrets, prefs vault.Vault, storePath string) (*auth.Manager, *httptest.Server, func()) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := prometheus.NewRegistry()
	store := history.NewFileStore(storePath, logger)
	manager := auth.NewManagerWithMetrics(auth.Config{
		ClientID:      "client-1",
		AuthorizeURL:  providerURL + "/authorize",
		TokenURL:      providerURL + "/oauth/token",
		UserInfoURL:   providerURL + "/userinfo",
		RedirectURI:   "http://127.0.0.1:7213/auth/callback",
		Scopes:        []string{"openid", "energy_device_data"},
		RefreshPeriod: time.Hour,
		NoBrowser:     true,
	}, secrets, prefs, store, logger, auth.NewMetrics(registry))

	client := api.NewClientWithMetrics(providerURL, manager, nil, logger, api.NewMetrics(registry))
	manager.BindAPIClient(client)

	server := httpapi.NewServer(manager, client, store, registry, logger)
	ts := httptest.NewServer(server.Routes())

	return manager, ts, func() {
		ts.Close()
		manager.Close()
	}
}

type testEnv struct {
	provider *httptest.Server
	grants   *grantCounter
	manager  *auth.Manager
	ts       *httptest.Server
	secrets  *vault.Memory
	prefs    *vault.Memory
	storeDir string
}

func setupTestEnvironment(t *testing.T) (*testEnv, func()) {
	t.Helper()

	env := &testEnv{
		grants:   newGrantCounter(),
		secrets:  vault.NewMemory(),
		prefs:    vault.NewMemory(),
		storeDir: t.TempDir(),
	}
	env.provider = setupMockProvider(env.grants)

	var agentCleanup func()
	env.manager, env.ts, agentCleanup = newAgent(
		t, env.provider.URL, env.secrets, env.prefs,
		filepath.Join(env.storeDir, "samples.json"),
	)

	return env, func() {
		agentCleanup()
		env.provider.Close()
	}
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out interface{}) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func postJSON(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

// signInThroughBrowserFlow walks the full authorization code exchange the
// way the redirect would drive it.
func signInThroughBrowserFlow(t *testing.T, ts *httptest.Server) {
	t.Helper()

	resp := postJSON(t, ts, "/v1/auth/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var startBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&startBody))
	resp.Body.Close()

	authorizeURL, err := url.Parse(startBody["authorization_url"])
	require.NoError(t, err)
	state := authorizeURL.Query().Get("state")
	require.NotEmpty(t, state)

	resp, err = http.Get(ts.URL + "/auth/callback?code=GRANT123&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type statusBody struct {
	Status  auth.Status         `json:"status"`
	Reading *models.LiveReading `json:"reading"`
}

func TestSignInPollAndSignOutE2E(t *testing.T) {
	env, cleanup := setupTestEnvironment(t)
	defer cleanup()

	signInThroughBrowserFlow(t, env.ts)
	require.Equal(t, 1, env.grants.count("authorization_code"))

	var status statusBody
	getJSON(t, env.ts, "/v1/status", &status)
	require.Equal(t, auth.StateAuthenticated, status.Status.State)
	require.NotNil(t, status.Status.Identity)
	assert.Equal(t, "ada@example.com", status.Status.Identity.Email)
	assert.Equal(t, "8675309", status.Status.ActiveSiteID)

	// Only the battery-capable product shows up as a site.
	var sites struct {
		Sites []models.EnergySite `json:"sites"`
	}
	getJSON(t, env.ts, "/v1/sites", &sites)
	require.Len(t, sites.Sites, 1)
	assert.Equal(t, "Home", sites.Sites[0].Name)

	resp := postJSON(t, env.ts, "/v1/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	getJSON(t, env.ts, "/v1/status", &status)
	require.NotNil(t, status.Reading)
	assert.InDelta(t, 2500, status.Reading.SolarPower, 0.01)
	// The provider omits grid power; the agent derives it.
	assert.InDelta(t, -500, status.Reading.GridPower, 0.01)

	var samples struct {
		Samples []models.SamplePoint `json:"samples"`
	}
	getJSON(t, env.ts, "/v1/samples", &samples)
	require.NotEmpty(t, samples.Samples)
	assert.InDelta(t, -500, samples.Samples[0].Grid, 0.01)

	resp = postJSON(t, env.ts, "/v1/auth/signout", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	getJSON(t, env.ts, "/v1/status", &status)
	assert.Equal(t, auth.StateNotAuthenticated, status.Status.State)

	token, err := env.secrets.Get(vault.KeyAccessToken)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestSessionSurvivesRestart(t *testing.T) {
	env, cleanup := setupTestEnvironment(t)
	defer cleanup()

	signInThroughBrowserFlow(t, env.ts)
	require.Equal(t, 1, env.grants.count("authorization_code"))

	// Tear down the first agent; the vaults and sample window survive it
	// the way they survive a process exit.
	env.ts.Close()
	env.manager.Close()

	manager2, ts2, cleanup2 := newAgent(
		t, env.provider.URL, env.secrets, env.prefs,
		filepath.Join(env.storeDir, "samples.json"),
	)
	defer cleanup2()

	var status statusBody
	getJSON(t, ts2, "/v1/status", &status)
	assert.Equal(t, auth.StateNotAuthenticated, status.Status.State,
		"a fresh process starts signed out until it restores")

	// Resume the stored session the way main does at boot.
	require.NoError(t, manager2.Restore(context.Background()))

	getJSON(t, ts2, "/v1/status", &status)
	require.Equal(t, auth.StateAuthenticated, status.Status.State)
	assert.Equal(t, "8675309", status.Status.ActiveSiteID)

	// The stored token was still fresh: no new code grant, no refresh.
	assert.Equal(t, 1, env.grants.count("authorization_code"))
	assert.Equal(t, 0, env.grants.count("refresh_token"))
}

func TestExpiredTokenRefreshesOnRestore(t *testing.T) {
	env, cleanup := setupTestEnvironment(t)
	defer cleanup()

	// Seed a stored session whose access token is about to expire.
	require.NoError(t, env.secrets.Set(vault.KeyAccessToken, "stale"))
	require.NoError(t, env.secrets.Set(vault.KeyRefreshToken, "rt-0"))
	require.NoError(t, env.secrets.Set(vault.KeyTokenExpiry,
		fmt.Sprintf("%d", time.Now().Add(time.Minute).Unix())))

	require.NoError(t, env.manager.Restore(context.Background()))

	assert.Equal(t, 1, env.grants.count("refresh_token"))
	token, err := env.secrets.Get(vault.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)

	var status statusBody
	getJSON(t, env.ts, "/v1/status", &status)
	assert.Equal(t, auth.StateAuthenticated, status.Status.State)
}

func TestMiddlewareIntegration(t *testing.T) {
	env, cleanup := setupTestEnvironment(t)
	defer cleanup()

	// Provider traffic shows up alongside the HTTP request counters.
	signInThroughBrowserFlow(t, env.ts)
	resp := postJSON(t, env.ts, "/v1/refresh", "")
	resp.Body.Close()

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "wattbar_http_requests_total")
	assert.Contains(t, string(body), `wattbar_provider_requests_total{operation="live_status",outcome="success"}`)

	// Burst past the inbound limiter.
	var limited bool
	for i := 0; i < 25; i++ {
		resp, err := http.Get(env.ts.URL + "/healthz")
		require.NoError(t, err)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
		resp.Body.Close()
	}
	assert.True(t, limited, "sustained polling should hit the rate limit")
}

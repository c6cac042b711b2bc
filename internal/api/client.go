//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/session.go -package=mocks . SessionBinding

// Package api is the outbound client for the energy provider's REST API.
// It classifies every failure into a small typed taxonomy and never
// retries; retry policy belongs to the caller.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/wattbar/wattbar/internal/models"
)

// SessionBinding is the slice of the session manager the client depends
// on. EnsureValidToken returns a usable access token, refreshing it first
// when needed; ForceSignOut tears the session down after the API proves
// the token unusable.
type SessionBinding interface {
	EnsureValidToken(ctx context.Context) (string, error)
	ForceSignOut(ctx context.Context, reason string)
}

// OperationModes are the provider-accepted battery operation modes.
var OperationModes = map[string]bool{
	"self_consumption": true,
	"backup":           true,
	"autonomous":       true,
}

const requestTimeout = 15 * time.Second

// Client calls the provider API with bearer authentication. All methods
// are safe for concurrent use.
type Client struct {
	baseURL string
	session SessionBinding
	http    *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
	metrics *Metrics
}

// NewClient creates a Client rooted at baseURL. The limiter throttles all
// outbound calls; pass nil to disable throttling.
func NewClient(baseURL string, session SessionBinding, limiter *rate.Limiter, logger *logrus.Logger) *Client {
	return NewClientWithMetrics(baseURL, session, limiter, logger, nil)
}

// NewClientWithMetrics additionally counts every provider call.
func NewClientWithMetrics(baseURL string, session SessionBinding, limiter *rate.Limiter, logger *logrus.Logger, metrics *Metrics) *Client {
	return &Client{
		baseURL: baseURL,
		session: session,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: limiter,
		logger:  logger,
		metrics: metrics,
	}
}

// liveStatusResponse mirrors the provider's nested live-status payload.
// GridPower is a pointer: some firmware versions omit it and the client
// derives it instead.
type liveStatusResponse struct {
	Response struct {
		SolarPower        float64  `json:"solar_power"`
		LoadPower         float64  `json:"load_power"`
		BatteryPower      float64  `json:"battery_power"`
		GridPower         *float64 `json:"grid_power"`
		PercentageCharged float64  `json:"percentage_charged"`
		Timestamp         string   `json:"timestamp"`
	} `json:"response"`
}

type productsResponse struct {
	Response []struct {
		EnergySiteID json.Number `json:"energy_site_id"`
		ResourceType string      `json:"resource_type"`
		SiteName     string      `json:"site_name"`
		Components   struct {
			Battery bool `json:"battery"`
			Solar   bool `json:"solar"`
		} `json:"components"`
	} `json:"response"`
}

// FetchLiveStatus returns the current power flows for a site. Grid power
// comes from the API when present; otherwise it is derived as
// load - solar - battery.
func (c *Client) FetchLiveStatus(ctx context.Context, siteID string) (models.LiveReading, error) {
	var payload liveStatusResponse
	path := fmt.Sprintf("/api/1/energy_sites/%s/live_status", siteID)
	if err := c.do(ctx, "live_status", http.MethodGet, path, nil, &payload); err != nil {
		return models.LiveReading{}, err
	}

	r := payload.Response
	reading := models.LiveReading{
		SolarPower:        r.SolarPower,
		LoadPower:         r.LoadPower,
		BatteryPower:      r.BatteryPower,
		PercentageCharged: r.PercentageCharged,
		Timestamp:         time.Now().UTC(),
	}
	if r.GridPower != nil {
		reading.GridPower = *r.GridPower
	} else {
		reading.GridPower = r.LoadPower - r.SolarPower - r.BatteryPower
	}
	if ts, err := time.Parse(time.RFC3339, r.Timestamp); err == nil {
		reading.Timestamp = ts
	}
	return reading, nil
}

// ListProducts returns every energy site on the account.
func (c *Client) ListProducts(ctx context.Context) ([]models.EnergySite, error) {
	var payload productsResponse
	if err := c.do(ctx, "products", http.MethodGet, "/api/1/products", nil, &payload); err != nil {
		return nil, err
	}

	sites := make([]models.EnergySite, 0, len(payload.Response))
	for _, p := range payload.Response {
		if p.EnergySiteID.String() == "" {
			continue
		}
		sites = append(sites, models.EnergySite{
			ID:           p.EnergySiteID.String(),
			Name:         p.SiteName,
			ResourceType: p.ResourceType,
			HasBattery:   p.Components.Battery,
			HasSolar:     p.Components.Solar,
		})
	}
	return sites, nil
}

// SetBackupReserve sets the site's backup reserve percentage. The call is
// fire-and-forget; success carries no payload worth decoding.
func (c *Client) SetBackupReserve(ctx context.Context, siteID string, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("backup reserve must be between 0 and 100, got %d", percent)
	}
	path := fmt.Sprintf("/api/1/energy_sites/%s/backup", siteID)
	body := map[string]int{"backup_reserve_percent": percent}
	return c.do(ctx, "backup_reserve", http.MethodPost, path, body, nil)
}

// SetOperationMode sets the site's battery operation mode.
func (c *Client) SetOperationMode(ctx context.Context, siteID, mode string) error {
	if !OperationModes[mode] {
		return fmt.Errorf("invalid operation mode %q", mode)
	}
	path := fmt.Sprintf("/api/1/energy_sites/%s/operation", siteID)
	body := map[string]string{"default_real_mode": mode}
	return c.do(ctx, "operation_mode", http.MethodPost, path, body, nil)
}

// do runs one authenticated request and maps the outcome onto the error
// taxonomy. A failed token check fails fast without touching the network;
// a 401 response forces sign-out through the bound session.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out interface{}) (err error) {
	defer func() { c.metrics.observe(operation, outcomeOf(err)) }()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("request cancelled: %w", err)
		}
	}

	token, err := c.session.EnsureValidToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationRequired, err)
	}

	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %v", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &DecodeError{Err: err}
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		c.logger.WithField("path", path).Warn("API rejected access token, forcing sign-out")
		c.session.ForceSignOut(ctx, "access token rejected by API")
		return ErrAuthenticationRequired
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &StatusError{Code: resp.StatusCode}
	}
}

// outcomeOf buckets an error for the call counter.
func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	var statusErr *StatusError
	var transportErr *TransportError
	var decodeErr *DecodeError
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "auth_required"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &statusErr):
		if statusErr.Code >= 500 {
			return "server_error"
		}
		return "http_error"
	case errors.As(err, &transportErr):
		return "network_error"
	case errors.As(err, &decodeErr):
		return "decode_error"
	}
	return "error"
}

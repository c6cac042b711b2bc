// Package wattbar implements the local agent behind a menu bar energy
// monitor.
//
// # Architecture
//
// The agent is structured into several key packages:
//   - auth: OAuth session lifecycle, token refresh and the poll loop
//   - api: Energy provider API client with a typed error taxonomy
//   - vault: OS keyring and file-backed credential storage
//   - history: Rolling on-disk sample window for the charts
//   - httpapi: Loopback HTTP API consumed by the menu bar UI
//   - models: Shared data structures and power-flow projections
//   - scheduler: Background site rediscovery and sample pruning
//
// Key Features
//
//   - Session Management:
//     Browser sign-in uses the authorization code flow with PKCE;
//     unattended installs can use the client credentials flow instead.
//     Tokens live in the OS keyring and sessions survive restarts.
//
//   - Refresh Discipline:
//     Access tokens are refreshed shortly before expiry, concurrent
//     triggers collapse into a single token request, and a failed
//     refresh or a 401 from the provider wipes the session cleanly.
//
//   - Live Telemetry:
//     A countdown loop polls the active site's live power readings,
//     derives grid flow when the provider omits it, and appends each
//     reading to a bounded rolling window.
//
// Example Usage
//
//	manager := auth.NewManager(cfg, secrets, prefs, store, logger)
//	manager.BindAPIClient(api.NewClient(baseURL, manager, limiter, logger))
//	if err := manager.Restore(ctx); err != nil {
//	    logger.WithError(err).Warn("no stored session")
//	}
//	reading, ok := manager.LatestReading("")
//
// For more information about specific packages, see their respective
// documentation.
package wattbar

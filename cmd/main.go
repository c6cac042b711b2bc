package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/wattbar/wattbar/internal/api"
	"github.com/wattbar/wattbar/internal/auth"
	"github.com/wattbar/wattbar/internal/config"
	"github.com/wattbar/wattbar/internal/history"
	"github.com/wattbar/wattbar/internal/httpapi"
	"github.com/wattbar/wattbar/internal/scheduler"
	"github.com/wattbar/wattbar/internal/vault"
)

// Command wattbar runs the local agent behind the menu bar energy
// monitor.
//
// The agent owns:
//   - The OAuth sign-in session (browser PKCE and partner flows)
//   - Token refresh and the live telemetry poll loop
//   - The rolling on-disk sample window
//   - A loopback HTTP API for the menu bar UI and widgets
//
// Usage:
//
//	wattbar [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (searched in default locations when empty)
//	-fresh-start
//	      discard any stored session on launch
//	-no-browser
//	      print the authorization URL instead of opening a browser
func main() {
	flags := parseFlags()

	appConfig, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if flags.FreshStart {
		appConfig.Auth.FreshStart = true
	}
	if flags.NoBrowser {
		appConfig.Auth.NoBrowser = true
	}

	logger := newLogger(appConfig.Logging)
	logger.WithFields(logrus.Fields{
		"listen_addr": appConfig.Server.ListenAddr,
	}).Info("Starting agent")

	store := history.NewFileStore(appConfig.Store.Path, logger)

	// Tokens and the sign-in handshake live in the OS keyring; the
	// pinned site and other low-sensitivity settings live next to the
	// sample window.
	secrets := vault.NewKeyring()
	prefs := vault.NewFile(filepath.Join(filepath.Dir(appConfig.Store.Path), "prefs.json"))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := auth.NewManagerWithMetrics(auth.Config{
		ClientID:       appConfig.Auth.ClientID,
		ClientSecret:   appConfig.Auth.ClientSecret,
		AuthorizeURL:   appConfig.Auth.AuthorizeURL,
		TokenURL:       appConfig.Auth.TokenURL,
		UserInfoURL:    appConfig.Auth.UserInfoURL,
		RedirectURI:    appConfig.Auth.RedirectURI,
		Scopes:         appConfig.Auth.Scopes,
		Audience:       appConfig.Auth.Audience,
		RefreshPeriod:  appConfig.Auth.RefreshPeriod,
		StoreRetention: appConfig.Store.Retention,
		FreshStart:     appConfig.Auth.FreshStart,
		NoBrowser:      appConfig.Auth.NoBrowser,
	}, secrets, prefs, store, logger, auth.NewMetrics(registry))
	defer manager.Close()

	limiter := rate.NewLimiter(rate.Limit(appConfig.API.RateLimit), appConfig.API.RateBurst)
	apiClient := api.NewClientWithMetrics(appConfig.API.BaseURL, manager, limiter, logger, api.NewMetrics(registry))
	manager.BindAPIClient(apiClient)

	server := httpapi.NewServer(manager, apiClient, store, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	if err := manager.Restore(ctx); err != nil {
		logger.WithError(err).Warn("Could not restore stored session")
	}

	sched := scheduler.NewScheduler(ctx, manager, store, appConfig.Store.Retention, logger)
	if err := sched.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	if err := httpapi.ListenAndServe(ctx, appConfig.Server.ListenAddr, server.Routes(), logger); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Info("Agent stopped")
}

type Flags struct {
	ConfigPath string
	FreshStart bool
	NoBrowser  bool
}

func parseFlags() *Flags {
	flags := &Flags{}

	flag.StringVar(&flags.ConfigPath, "config", "", "Path to config file")
	flag.BoolVar(&flags.FreshStart, "fresh-start", false, "Discard any stored session on launch")
	flag.BoolVar(&flags.NoBrowser, "no-browser", false, "Do not open a browser for sign-in")

	flag.Parse()

	return flags
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// handleSignals cancels the root context on the first interrupt so the
// server, scheduler and refresh loop drain together.
func handleSignals(cancel context.CancelFunc, logger *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received signal, shutting down")
	cancel()
}

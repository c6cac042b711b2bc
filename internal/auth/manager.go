// Package auth owns the OAuth2 session lifecycle: the PKCE sign-in flow,
// token refresh, forced sign-out, and the periodic poll loop that feeds
// the sample history. All state transitions funnel through one Manager so
// the published Status is always coherent.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/wattbar/wattbar/internal/api"
	"github.com/wattbar/wattbar/internal/history"
	"github.com/wattbar/wattbar/internal/models"
	"github.com/wattbar/wattbar/internal/vault"
)

// refreshSkew is how far before expiry a token counts as due for refresh.
const refreshSkew = 5 * time.Minute

// DefaultRefreshPeriod is the poll/refresh cadence when not configured.
const DefaultRefreshPeriod = 30 * time.Second

const (
	siteCacheKey = "products"
	siteCacheTTL = time.Hour
)

// Config carries the provider endpoints and client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	RedirectURI  string
	Scopes       []string
	Audience     string

	// RefreshPeriod is the countdown length between poll cycles.
	RefreshPeriod time.Duration
	// StoreRetention bounds the persisted sample window.
	StoreRetention time.Duration
	// FreshStart discards any stored session on launch instead of
	// resuming it.
	FreshStart bool
	// NoBrowser publishes the authorization URL without launching a
	// browser, for headless or remote sessions.
	NoBrowser bool
}

// APIClient is the slice of the energy API the manager drives.
type APIClient interface {
	ListProducts(ctx context.Context) ([]models.EnergySite, error)
	FetchLiveStatus(ctx context.Context, siteID string) (models.LiveReading, error)
}

// Manager is the single owner of session state. Methods are safe for
// concurrent use; vault mutations are serialized so a refresh and a
// sign-out can never interleave their writes.
type Manager struct {
	cfg     Config
	secrets vault.Vault
	prefs   vault.Vault
	store   history.Store
	logger  *logrus.Logger
	api     APIClient

	oauthCfg *oauth2.Config

	mu         sync.Mutex
	status     Status
	countdown  int
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	closeOnce  sync.Once

	// sessionMu serializes multi-step vault mutations.
	sessionMu sync.Mutex
	flight    singleflight.Group

	subMu  sync.Mutex
	subs   map[int]chan Status
	subSeq int

	latest    *lru.Cache
	siteCache *ttlcache.Cache[string, []models.EnergySite]
	metrics   *Metrics

	now         func() time.Time
	openBrowser func(url string) error
	httpClient  *http.Client
}

var _ api.SessionBinding = (*Manager)(nil)

// NewManager wires the manager to its stores. Secrets hold tokens and the
// PKCE handshake; prefs hold low-sensitivity settings like the pinned
// site. The API client is attached afterwards with BindAPIClient.
func NewManager(cfg Config, secrets, prefs vault.Vault, store history.Store, logger *logrus.Logger) *Manager {
	return NewManagerWithMetrics(cfg, secrets, prefs, store, logger, nil)
}

// NewManagerWithMetrics additionally counts token refresh outcomes.
func NewManagerWithMetrics(cfg Config, secrets, prefs vault.Vault, store history.Store, logger *logrus.Logger, metrics *Metrics) *Manager {
	if cfg.RefreshPeriod <= 0 {
		cfg.RefreshPeriod = DefaultRefreshPeriod
	}
	if cfg.StoreRetention <= 0 {
		cfg.StoreRetention = history.DefaultRetention
	}

	m := &Manager{
		cfg:     cfg,
		secrets: secrets,
		prefs:   prefs,
		store:   store,
		logger:  logger,
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		status:      Status{State: StateNotAuthenticated},
		subs:        make(map[int]chan Status),
		metrics:     metrics,
		now:         time.Now,
		openBrowser: launchBrowser,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
	m.latest, _ = lru.New(16)
	m.siteCache = ttlcache.New[string, []models.EnergySite](
		ttlcache.WithTTL[string, []models.EnergySite](siteCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, []models.EnergySite](),
	)
	go m.siteCache.Start()

	if cfg.ClientSecret != "" {
		if err := secrets.Set(vault.KeyClientSecret, cfg.ClientSecret); err != nil {
			logger.WithError(err).Warn("Could not store client secret")
		}
	}
	return m
}

// BindAPIClient attaches the energy API client. Must be called before
// Restore or any poll cycle runs.
func (m *Manager) BindAPIClient(client APIClient) {
	m.api = client
}

// StartAuthentication begins the browser PKCE flow and returns the
// authorization URL. The verifier and anti-forgery state are persisted
// before the browser opens so the callback can validate against them.
func (m *Manager) StartAuthentication(ctx context.Context) (string, error) {
	if strings.TrimSpace(m.cfg.ClientID) == "" {
		m.setError(ErrClientIDRequired.Error())
		return "", ErrClientIDRequired
	}

	verifier := oauth2.GenerateVerifier()
	state, err := randomToken(24)
	if err != nil {
		m.setError("could not generate sign-in state: " + err.Error())
		return "", err
	}

	m.sessionMu.Lock()
	err = m.secrets.Set(vault.KeyPKCEVerifier, verifier)
	if err == nil {
		err = m.secrets.Set(vault.KeyPKCEState, state)
	}
	m.sessionMu.Unlock()
	if err != nil {
		m.setError("could not store sign-in state: " + err.Error())
		return "", err
	}

	authURL := m.oauthCfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	m.mu.Lock()
	m.status = Status{State: StateAuthenticating, AuthorizationURL: authURL}
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info("Starting browser sign-in")
	if !m.cfg.NoBrowser {
		if err := m.openBrowser(authURL); err != nil {
			m.logger.WithError(err).Warn("Could not open browser; the authorization URL is still published")
		}
	}
	return authURL, nil
}

// HandleCallback consumes the provider redirect. The stored handshake is
// single-use: once the state matches it is deleted whether or not the
// code exchange succeeds. A mismatched state leaves the pending handshake
// intact so a stale or forged callback cannot burn a live sign-in.
func (m *Manager) HandleCallback(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		m.setError("authorization response could not be parsed: " + err.Error())
		return ErrCallbackInvalid
	}
	q := u.Query()

	if denial := q.Get("error"); denial != "" {
		msg := denial
		if desc := q.Get("error_description"); desc != "" {
			msg = desc
		}
		m.setError("authorization failed: " + msg)
		return fmt.Errorf("authorization failed: %s", msg)
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		m.setError(ErrCallbackInvalid.Error())
		return ErrCallbackInvalid
	}

	m.sessionMu.Lock()
	storedState, _ := m.secrets.Get(vault.KeyPKCEState)
	verifier, _ := m.secrets.Get(vault.KeyPKCEVerifier)
	if storedState == "" || state != storedState {
		m.sessionMu.Unlock()
		m.setError(ErrStateMismatch.Error())
		return ErrStateMismatch
	}
	m.clearHandshakeLocked()
	m.sessionMu.Unlock()

	token, err := m.oauthCfg.Exchange(m.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		m.setError(tokenErrorMessage(err))
		return err
	}

	m.sessionMu.Lock()
	err = m.persistTokenLocked(token)
	m.sessionMu.Unlock()
	if err != nil {
		m.setError("could not store session: " + err.Error())
		return err
	}

	m.completeSignIn(ctx, token.AccessToken)
	return nil
}

// StartPartnerAuthentication acquires a client-credentials token for
// accounts without an end-user login. No refresh token is issued; the
// session simply expires and re-authenticates on demand.
func (m *Manager) StartPartnerAuthentication(ctx context.Context) error {
	if strings.TrimSpace(m.cfg.ClientID) == "" {
		m.setError(ErrClientIDRequired.Error())
		return ErrClientIDRequired
	}

	secret, _ := m.secrets.Get(vault.KeyClientSecret)
	if secret == "" {
		secret = m.cfg.ClientSecret
	}

	cc := &clientcredentials.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: secret,
		TokenURL:     m.cfg.TokenURL,
		Scopes:       m.cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if m.cfg.Audience != "" {
		cc.EndpointParams = url.Values{"audience": {m.cfg.Audience}}
	}

	token, err := cc.Token(m.oauthContext(ctx))
	if err != nil {
		m.setError(tokenErrorMessage(err))
		return err
	}

	m.sessionMu.Lock()
	err = m.persistTokenLocked(token)
	m.sessionMu.Unlock()
	if err != nil {
		m.setError("could not store session: " + err.Error())
		return err
	}

	m.completeSignIn(ctx, token.AccessToken)
	return nil
}

// RefreshTokenIfNeeded refreshes the access token when it is within five
// minutes of expiry. Concurrent callers coalesce onto one refresh. It
// reports false only after a failed refresh, which wipes the session.
func (m *Manager) RefreshTokenIfNeeded(ctx context.Context) bool {
	v, _, _ := m.flight.Do("refresh", func() (interface{}, error) {
		return m.refreshToken(ctx), nil
	})
	ok, _ := v.(bool)
	return ok
}

func (m *Manager) refreshToken(ctx context.Context) bool {
	expiry := m.storedExpiry()
	if !expiry.IsZero() && expiry.After(m.now().Add(refreshSkew)) {
		return true
	}

	refresh, err := m.secrets.Get(vault.KeyRefreshToken)
	if err != nil || refresh == "" {
		// Token-less sessions (partner tokens) cannot refresh; treat as
		// not due and let a 401 clean up if the token has gone stale.
		return true
	}

	m.logger.Debug("Refreshing access token")
	source := m.oauthCfg.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: refresh})
	token, err := source.Token()
	if err != nil {
		m.metrics.observeRefresh("failure")
		m.logger.WithError(err).Warn("Token refresh failed, signing out")
		m.SignOut(ctx)
		return false
	}
	m.metrics.observeRefresh("success")

	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	current, _ := m.secrets.Get(vault.KeyRefreshToken)
	if current != refresh {
		// The session changed while the refresh was in flight (signed
		// out or re-authenticated); discard the stale result.
		return current != ""
	}
	if err := m.persistTokenLocked(token); err != nil {
		m.logger.WithError(err).Error("Could not store refreshed token")
		return false
	}
	return true
}

// EnsureValidToken returns an access token that passed the refresh check.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	if !m.RefreshTokenIfNeeded(ctx) {
		return "", ErrNotAuthenticated
	}
	token, err := m.secrets.Get(vault.KeyAccessToken)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNotAuthenticated
	}
	return token, nil
}

// ForceSignOut tears the session down after the API proved the token
// unusable.
func (m *Manager) ForceSignOut(ctx context.Context, reason string) {
	m.logger.WithField("reason", reason).Warn("Forced sign-out")
	m.SignOut(ctx)
}

// SignOut cancels the poll loop, wipes both vaults and all cached site
// and reading state, and publishes NotAuthenticated. Idempotent.
func (m *Manager) SignOut(ctx context.Context) {
	m.stopLoop()

	m.sessionMu.Lock()
	if err := m.secrets.ClearAll(); err != nil {
		m.logger.WithError(err).Error("Could not clear secret store")
	}
	if err := m.prefs.ClearAll(); err != nil {
		m.logger.WithError(err).Error("Could not clear preferences")
	}
	m.sessionMu.Unlock()

	m.latest.Purge()
	m.siteCache.DeleteAll()

	m.mu.Lock()
	m.status = Status{State: StateNotAuthenticated}
	m.countdown = 0
	m.publishLocked()
	m.mu.Unlock()
}

// ResetError dismisses the error state and returns to the sign-in entry
// point. Stored tokens are left alone so a later Restore can resume.
func (m *Manager) ResetError() {
	m.mu.Lock()
	if m.status.State != StateError {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.stopLoop()

	m.mu.Lock()
	m.status = Status{State: StateNotAuthenticated}
	m.countdown = 0
	m.publishLocked()
	m.mu.Unlock()
}

// Restore resumes a persisted session on launch. With FreshStart set it
// wipes instead, forcing a new sign-in every launch.
func (m *Manager) Restore(ctx context.Context) error {
	if m.cfg.FreshStart {
		m.logger.Info("Fresh start enabled, clearing stored session")
		m.SignOut(ctx)
		return nil
	}

	access, _ := m.secrets.Get(vault.KeyAccessToken)
	refresh, _ := m.secrets.Get(vault.KeyRefreshToken)
	if access == "" && refresh == "" {
		return nil
	}

	m.logger.Info("Restoring stored session")
	if !m.RefreshTokenIfNeeded(ctx) {
		return nil
	}
	access, _ = m.secrets.Get(vault.KeyAccessToken)
	if access == "" {
		return nil
	}
	m.completeSignIn(ctx, access)
	return nil
}

// completeSignIn runs the post-token steps shared by every flow: identity
// fetch, site discovery, state publication and loop start. Identity and
// site failures are tolerated; tokens alone make a session.
func (m *Manager) completeSignIn(ctx context.Context, accessToken string) {
	identity := m.fetchIdentity(ctx, accessToken)

	if err := m.discoverSites(ctx, true); err != nil {
		m.logger.WithError(err).Warn("Site discovery failed")
	}

	m.mu.Lock()
	m.status.State = StateAuthenticated
	m.status.Identity = &identity
	m.status.Message = ""
	m.status.AuthorizationURL = ""
	m.publishLocked()
	m.mu.Unlock()

	m.logger.WithField("account", identity.DisplayName()).Info("Authenticated")
	m.startLoop()
}

// FetchLiveData polls the active site once and appends the reading to the
// history store. With no pinned site it is a no-op; a session with zero
// sites is still valid.
func (m *Manager) FetchLiveData(ctx context.Context) error {
	if m.api == nil {
		return errors.New("no API client bound")
	}

	m.mu.Lock()
	siteID := m.status.ActiveSiteID
	m.mu.Unlock()
	if siteID == "" {
		if stored, _ := m.prefs.Get(vault.KeySiteID); stored != "" {
			siteID = stored
			m.mu.Lock()
			m.status.ActiveSiteID = siteID
			m.mu.Unlock()
		} else {
			return nil
		}
	}

	reading, err := m.api.FetchLiveStatus(ctx, siteID)
	if err != nil {
		if errors.Is(err, api.ErrAuthenticationRequired) {
			// The client already forced sign-out on 401.
			return err
		}
		m.setError(err.Error())
		return err
	}

	if err := m.store.Append(reading, m.cfg.StoreRetention); err != nil {
		m.logger.WithError(err).Warn("Could not persist sample")
	}
	m.latest.Add(siteID, reading)

	m.mu.Lock()
	if m.status.State == StateError {
		// A good poll clears a transient failure.
		m.status.State = StateAuthenticated
		m.status.Message = ""
	}
	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// RediscoverSites refreshes the site directory, bypassing the cache.
func (m *Manager) RediscoverSites(ctx context.Context) error {
	return m.discoverSites(ctx, true)
}

func (m *Manager) discoverSites(ctx context.Context, force bool) error {
	if m.api == nil {
		return nil
	}
	if force {
		m.siteCache.DeleteAll()
	} else if item := m.siteCache.Get(siteCacheKey); item != nil {
		m.applySites(item.Value())
		return nil
	}

	sites, err := m.api.ListProducts(ctx)
	if err != nil {
		return err
	}
	m.siteCache.Set(siteCacheKey, sites, ttlcache.DefaultTTL)
	m.applySites(sites)
	return nil
}

// applySites filters the directory to battery-capable sites and settles
// the active pin: keep the current pin while it is still listed,
// otherwise pin the first battery site, otherwise clear the pin.
func (m *Manager) applySites(sites []models.EnergySite) {
	batteries := make([]models.EnergySite, 0, len(sites))
	for _, s := range sites {
		if s.BatteryCapable() {
			batteries = append(batteries, s)
		}
	}

	m.mu.Lock()
	current := m.status.ActiveSiteID
	m.mu.Unlock()
	if current == "" {
		current, _ = m.prefs.Get(vault.KeySiteID)
	}

	pin := ""
	for _, s := range batteries {
		if s.ID == current {
			pin = current
			break
		}
	}
	if pin == "" && len(batteries) > 0 {
		pin = batteries[0].ID
	}

	m.sessionMu.Lock()
	if pin == "" {
		if err := m.prefs.Delete(vault.KeySiteID); err != nil {
			m.logger.WithError(err).Warn("Could not clear pinned site")
		}
	} else if err := m.prefs.Set(vault.KeySiteID, pin); err != nil {
		m.logger.WithError(err).Warn("Could not pin site")
	}
	m.sessionMu.Unlock()

	m.mu.Lock()
	m.status.Sites = batteries
	m.status.ActiveSiteID = pin
	m.publishLocked()
	m.mu.Unlock()
}

// Sites returns the cached site directory.
func (m *Manager) Sites() []models.EnergySite {
	if item := m.siteCache.Get(siteCacheKey); item != nil {
		sites := item.Value()
		batteries := make([]models.EnergySite, 0, len(sites))
		for _, s := range sites {
			if s.BatteryCapable() {
				batteries = append(batteries, s)
			}
		}
		return batteries
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.EnergySite(nil), m.status.Sites...)
}

// LatestReading returns the most recent reading for a site. An empty
// siteID means the active site.
func (m *Manager) LatestReading(siteID string) (models.LiveReading, bool) {
	if siteID == "" {
		m.mu.Lock()
		siteID = m.status.ActiveSiteID
		m.mu.Unlock()
	}
	if siteID == "" {
		return models.LiveReading{}, false
	}
	v, ok := m.latest.Get(siteID)
	if !ok {
		return models.LiveReading{}, false
	}
	reading, ok := v.(models.LiveReading)
	return reading, ok
}

// Snapshot returns a copy of the current published status.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a channel of status snapshots, primed with the
// current one. Slow consumers drop updates rather than block the
// manager. The returned cancel func releases the subscription.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)

	m.subMu.Lock()
	id := m.subSeq
	m.subSeq++
	m.subs[id] = ch
	m.subMu.Unlock()

	ch <- m.Snapshot()

	cancel := func() {
		m.subMu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

// Close tears the manager down: the poll loop is cancelled and awaited,
// caches stopped. The vaults are left alone so the session can resume on
// the next launch. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		cancel, done := m.loopCancel, m.loopDone
		m.loopCancel = nil
		m.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		m.siteCache.Stop()
	})
}

// --- internals ---

func (m *Manager) startLoop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loopCancel != nil {
		m.loopCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.loopCancel = cancel
	m.loopDone = done
	m.countdown = m.period()
	m.status.RefreshIn = m.countdown

	go m.runLoop(ctx, done)
}

func (m *Manager) stopLoop() {
	m.mu.Lock()
	cancel := m.loopCancel
	m.loopCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runLoop polls once immediately, then ticks once a second counting down
// to the next refresh-and-poll cycle. State checks inside refreshCycle
// keep a cancelled loop from acting after sign-out.
func (m *Manager) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.refreshCycle(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			var fire bool
			m.mu.Lock()
			m.countdown--
			if m.countdown <= 0 {
				m.countdown = m.period()
				fire = true
			}
			m.status.RefreshIn = m.countdown
			m.publishLocked()
			m.mu.Unlock()

			if fire {
				m.refreshCycle(ctx)
			}
		}
	}
}

// refreshCycle is one scheduled pass: refresh the token if due, then poll
// live data. Also invoked by the manual refresh endpoint.
func (m *Manager) refreshCycle(ctx context.Context) {
	m.mu.Lock()
	state := m.status.State
	m.mu.Unlock()
	if state != StateAuthenticated && state != StateError {
		return
	}

	if !m.RefreshTokenIfNeeded(ctx) {
		return
	}
	if err := m.FetchLiveData(ctx); err != nil {
		m.logger.WithError(err).Warn("Live data fetch failed")
	}
}

// Refresh runs one cycle immediately and resets the countdown.
func (m *Manager) Refresh(ctx context.Context) {
	m.mu.Lock()
	m.countdown = m.period()
	m.status.RefreshIn = m.countdown
	m.mu.Unlock()
	m.refreshCycle(ctx)
}

func (m *Manager) period() int {
	p := int(m.cfg.RefreshPeriod / time.Second)
	if p < 1 {
		p = 1
	}
	return p
}

// fetchIdentity GETs the user-info endpoint and runs the decoder chain.
// Every failure degrades toward the placeholder; it never blocks sign-in.
func (m *Manager) fetchIdentity(ctx context.Context, accessToken string) models.Identity {
	if m.cfg.UserInfoURL == "" {
		return resolveIdentity(nil, accessToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.UserInfoURL, nil)
	if err != nil {
		return resolveIdentity(nil, accessToken)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.WithError(err).Warn("Identity fetch failed")
		return resolveIdentity(nil, accessToken)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != http.StatusOK {
		return resolveIdentity(nil, accessToken)
	}
	return resolveIdentity(body, accessToken)
}

// persistTokenLocked stores the token triple. Callers hold sessionMu. An
// empty refresh token clears the stored one (client-credentials flow).
func (m *Manager) persistTokenLocked(token *oauth2.Token) error {
	if err := m.secrets.Set(vault.KeyAccessToken, token.AccessToken); err != nil {
		return err
	}
	if err := m.secrets.Set(vault.KeyRefreshToken, token.RefreshToken); err != nil {
		return err
	}
	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(time.Hour)
	}
	return m.secrets.Set(vault.KeyTokenExpiry, strconv.FormatInt(expiry.Unix(), 10))
}

func (m *Manager) clearHandshakeLocked() {
	if err := m.secrets.Delete(vault.KeyPKCEVerifier); err != nil {
		m.logger.WithError(err).Warn("Could not delete code verifier")
	}
	if err := m.secrets.Delete(vault.KeyPKCEState); err != nil {
		m.logger.WithError(err).Warn("Could not delete state token")
	}
}

func (m *Manager) storedExpiry() time.Time {
	raw, err := m.secrets.Get(vault.KeyTokenExpiry)
	if err != nil || raw == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// oauthContext pins the oauth2 transport to the manager's HTTP client.
func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) setError(msg string) {
	m.mu.Lock()
	m.status.State = StateError
	m.status.Message = msg
	m.status.AuthorizationURL = ""
	m.publishLocked()
	m.mu.Unlock()
}

func (m *Manager) snapshotLocked() Status {
	snap := m.status
	snap.Sites = append([]models.EnergySite(nil), m.status.Sites...)
	if m.status.Identity != nil {
		id := *m.status.Identity
		snap.Identity = &id
	}
	return snap
}

// publishLocked fans the current status out to subscribers. Callers hold
// mu. Sends never block; a full subscriber just misses a tick.
func (m *Manager) publishLocked() {
	snap := m.snapshotLocked()
	m.subMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	m.subMu.Unlock()
}

// randomToken returns n random bytes as unpadded URL-safe base64.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// tokenErrorMessage folds token-endpoint failures into UI copy.
func tokenErrorMessage(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			return fmt.Sprintf("token endpoint rejected the request: %s (status %d)",
				retrieveErr.ErrorCode, retrieveErr.Response.StatusCode)
		}
		return fmt.Sprintf("token endpoint rejected the request (status %d)", retrieveErr.Response.StatusCode)
	}
	return "could not reach the token endpoint: " + err.Error()
}

// launchBrowser opens the system browser at the given URL.
func launchBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}

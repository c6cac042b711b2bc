package auth

import "github.com/wattbar/wattbar/internal/models"

// State is the session lifecycle phase. It is the single source of truth
// for what the presentation layer renders and which operations it offers.
type State string

const (
	StateNotAuthenticated State = "not_authenticated"
	StateAuthenticating   State = "authenticating"
	StateAuthenticated    State = "authenticated"
	StateError            State = "error"
)

// Status is one published snapshot of the session. Identity is set only
// when authenticated; Message only in the error state. RefreshIn counts
// down the seconds until the next scheduled refresh-and-poll cycle.
type Status struct {
	State            State               `json:"state"`
	Identity         *models.Identity    `json:"identity,omitempty"`
	Message          string              `json:"message,omitempty"`
	ActiveSiteID     string              `json:"active_site_id,omitempty"`
	Sites            []models.EnergySite `json:"sites,omitempty"`
	RefreshIn        int                 `json:"refresh_in_seconds"`
	AuthorizationURL string              `json:"authorization_url,omitempty"`
}

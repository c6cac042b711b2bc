package auth

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wattbar/wattbar/internal/models"
)

// identityDecoder attempts one response shape. Decoders are independent:
// a failure in one never affects the next.
type identityDecoder func(body []byte, accessToken string) (models.Identity, bool)

// identityDecoders is the ordered fallback chain for the user-info
// endpoint. First success wins; if every decoder fails the caller uses
// placeholderIdentity so authentication still completes.
var identityDecoders = []identityDecoder{
	decodeNestedIdentity,
	decodeFlatIdentity,
	decodeTokenClaims,
}

// resolveIdentity runs the decoder chain over the user-info body.
func resolveIdentity(body []byte, accessToken string) models.Identity {
	for _, decode := range identityDecoders {
		if id, ok := decode(body, accessToken); ok {
			return id
		}
	}
	return placeholderIdentity()
}

// placeholderIdentity stands in when the provider gives nothing usable.
func placeholderIdentity() models.Identity {
	return models.Identity{Name: "Signed in"}
}

// decodeNestedIdentity handles the provider's vault-style envelope:
// {"response": {"email": ..., "full_name": ..., "vault_uuid": ...}}.
func decodeNestedIdentity(body []byte, _ string) (models.Identity, bool) {
	var payload struct {
		Response struct {
			Email     string `json:"email"`
			FullName  string `json:"full_name"`
			VaultUUID string `json:"vault_uuid"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.Identity{}, false
	}
	r := payload.Response
	if r.Email == "" && r.FullName == "" {
		return models.Identity{}, false
	}
	return models.Identity{
		Subject: r.VaultUUID,
		Email:   r.Email,
		Name:    r.FullName,
	}, true
}

// decodeFlatIdentity handles the standard OIDC userinfo shape:
// {"sub": ..., "email": ..., "given_name": ..., "family_name": ...}.
func decodeFlatIdentity(body []byte, _ string) (models.Identity, bool) {
	var payload struct {
		Sub        string `json:"sub"`
		Email      string `json:"email"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.Identity{}, false
	}
	if payload.Sub == "" && payload.Email == "" {
		return models.Identity{}, false
	}
	return models.Identity{
		Subject: payload.Sub,
		Email:   payload.Email,
		Name:    strings.TrimSpace(payload.GivenName + " " + payload.FamilyName),
	}, true
}

// decodeTokenClaims recovers an identity from the access token's claim
// payload without verifying the signature. Last resort before the
// placeholder; only an email claim makes the result worth using.
func decodeTokenClaims(_ []byte, accessToken string) (models.Identity, bool) {
	if accessToken == "" {
		return models.Identity{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return models.Identity{}, false
	}
	email, _ := claims["email"].(string)
	if email == "" {
		return models.Identity{}, false
	}
	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	return models.Identity{Subject: sub, Email: email, Name: name}, true
}

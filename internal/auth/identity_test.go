package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattbar/wattbar/internal/models"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestResolveIdentity(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		accessToken string
		expected    models.Identity
	}{
		{
			name: "nested vault shape wins",
			body: `{"response":{"email":"ada@example.com","full_name":"Ada Lovelace","vault_uuid":"uuid-1"}}`,
			expected: models.Identity{
				Subject: "uuid-1",
				Email:   "ada@example.com",
				Name:    "Ada Lovelace",
			},
		},
		{
			name: "flat shape when nested is empty",
			body: `{"sub":"user-1","email":"ada@example.com","given_name":"Ada","family_name":"Lovelace"}`,
			expected: models.Identity{
				Subject: "user-1",
				Email:   "ada@example.com",
				Name:    "Ada Lovelace",
			},
		},
		{
			name: "flat shape with email only",
			body: `{"email":"ada@example.com"}`,
			expected: models.Identity{
				Email: "ada@example.com",
			},
		},
		{
			name:     "unusable body falls back to placeholder without token",
			body:     `<html>gateway timeout</html>`,
			expected: models.Identity{Name: "Signed in"},
		},
		{
			name:     "empty object falls back to placeholder",
			body:     `{}`,
			expected: models.Identity{Name: "Signed in"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveIdentity([]byte(tt.body), tt.accessToken)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolveIdentityFallsBackToTokenClaims(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub":   "user-9",
		"email": "grace@example.com",
		"name":  "Grace Hopper",
	})

	got := resolveIdentity([]byte(`not even json`), token)
	assert.Equal(t, models.Identity{
		Subject: "user-9",
		Email:   "grace@example.com",
		Name:    "Grace Hopper",
	}, got)
}

func TestResolveIdentityTokenWithoutEmailIsPlaceholder(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "machine-1"})

	got := resolveIdentity(nil, token)
	assert.Equal(t, placeholderIdentity(), got)
}

func TestResolveIdentityOpaqueToken(t *testing.T) {
	got := resolveIdentity(nil, "an-opaque-access-token")
	assert.Equal(t, placeholderIdentity(), got)
}

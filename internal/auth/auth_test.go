package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJWT(t *testing.T) *JWT {
	t.Helper()
	j, err := NewJWT(Config{
		Secret:   []byte("test-secret"),
		Issuer:   "pulse",
		Audience: "pulse-clients",
		TokenTTL: time.Minute,
	})
	require.NoError(t, err)
	return j
}

func TestJWT_AuthenticateHeaderAndQuery(t *testing.T) {
	j := newTestJWT(t)
	token, err := j.Issue("user-1", []string{ScopeSubscribe}, 0)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/v1/events", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	p, err := j.Authenticate(r, ScopeSubscribe)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Identity)
	assert.False(t, p.ExpiresAt.IsZero())

	r = httptest.NewRequest("GET", "/v1/events?access_token="+token, nil)
	p, err = j.Authenticate(r, ScopeSubscribe)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Identity)
}

func TestJWT_Failures(t *testing.T) {
	j := newTestJWT(t)
	other, err := NewJWT(Config{Secret: []byte("other-secret"), Issuer: "pulse", Audience: "pulse-clients"})
	require.NoError(t, err)

	valid, err := j.Issue("user-1", []string{ScopeSubscribe}, 0)
	require.NoError(t, err)
	forged, err := other.Issue("user-1", []string{ScopeAll}, 0)
	require.NoError(t, err)

	j.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := j.Issue("user-1", []string{ScopeSubscribe}, time.Minute)
	require.NoError(t, err)
	j.now = time.Now

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "pulse",
			Audience:  jwt.ClaimStrings{"pulse-clients"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		required []string
		wantErr  error
	}{
		{name: "missing", wantErr: ErrUnauthorized},
		{name: "wrong scheme", header: "Basic abc", wantErr: ErrUnauthorized},
		{name: "garbage", header: "Bearer not.a.jwt", wantErr: ErrUnauthorized},
		{name: "wrong key", header: "Bearer " + forged, wantErr: ErrUnauthorized},
		{name: "expired", header: "Bearer " + expired, wantErr: ErrUnauthorized},
		{name: "no subject", header: "Bearer " + noSubject, wantErr: ErrUnauthorized},
		{name: "missing scope", header: "Bearer " + valid, required: []string{ScopePublish}, wantErr: ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			_, err := j.Authenticate(r, tt.required...)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPrincipal_WildcardScope(t *testing.T) {
	p := Principal{Identity: "admin", Scopes: []string{ScopeAll}}
	assert.True(t, p.Has(ScopePublish))
	assert.True(t, p.Has(ScopeSubscribe))

	p = Principal{Scopes: []string{ScopeSubscribe}}
	assert.False(t, p.Has(ScopePublish))
}

func TestNewJWT_RequiresSecret(t *testing.T) {
	_, err := NewJWT(Config{})
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, ok := FromContext(r.Context())
	assert.False(t, ok)

	ctx := WithPrincipal(r.Context(), Principal{Identity: "u"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u", p.Identity)
}

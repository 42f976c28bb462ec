package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/tripsync/internal/auth"
)

const secret = "test-secret"

func sign(t *testing.T, key, subject, role string, ttl time.Duration) string {
	t.Helper()
	claims := auth.Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return token
}

func TestParseToken(t *testing.T) {
	claims, err := auth.ParseToken(secret, sign(t, secret, "driver-1", "driver", time.Minute))
	require.NoError(t, err)
	require.Equal(t, "driver-1", claims.ActorID())
	require.Equal(t, "driver", claims.Role)

	_, err = auth.ParseToken(secret, sign(t, "other", "driver-1", "driver", time.Minute))
	require.Error(t, err)

	_, err = auth.ParseToken(secret, sign(t, secret, "driver-1", "driver", -time.Minute))
	require.Error(t, err)

	_, err = auth.ParseToken(secret, sign(t, secret, "", "driver", time.Minute))
	require.ErrorIs(t, err, auth.ErrMissingSubject)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?access_token=query-token", nil)
	require.Equal(t, "query-token", auth.TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer header-token")
	require.Equal(t, "header-token", auth.TokenFromRequest(r))

	require.Empty(t, auth.TokenFromHeader("Basic abc"))
	require.Empty(t, auth.TokenFromHeader("Bearer"))
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := auth.Middleware(secret, "driver", "passenger")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		require.True(t, ok)
		seen = claims.ActorID()
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"invalid", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + sign(t, secret, "ops-1", "support", time.Minute), http.StatusForbidden},
		{"ok", "Bearer " + sign(t, secret, "passenger-1", "passenger", time.Minute), http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}
	require.Equal(t, "passenger-1", seen)
}

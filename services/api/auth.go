package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"agentboard/services/bootstrap"
)

// authenticate requires an HS256 bearer token when a secret is configured.
func (a *API) authenticate(next http.Handler) http.Handler {
	if a.config.JWTSecret == "" {
		return next
	}
	secret := []byte(a.config.JWTSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			a.respondError(w, r, &bootstrap.Error{Kind: bootstrap.KindInvalidCredentials, Summary: "bearer token required"})
			return
		}

		_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			a.respondError(w, r, &bootstrap.Error{Kind: bootstrap.KindInvalidCredentials, Summary: "invalid bearer token", Details: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

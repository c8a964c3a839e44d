package httpx

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/localvercel/pkg/svcauth"
)

type actorSetter interface {
	SetActor(string)
}

func setActor(w http.ResponseWriter, actor string) {
	if setter, ok := w.(actorSetter); ok {
		setter.SetActor(actor)
	}
}

// requireOperator admits requests carrying the operator API token.
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.apiToken == "" {
			r.logger.Error("operator token not configured", "path", req.URL.Path)
			writeError(w, http.StatusServiceUnavailable, categoryUnavailable, "operator authentication misconfigured")
			return
		}
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil && strings.HasPrefix(req.URL.Path, "/ws/") {
			// Browsers cannot set headers on websocket upgrades.
			token, err = req.URL.Query().Get("token"), nil
		}
		if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(r.apiToken)) != 1 {
			r.logger.Warn("operator token rejected", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, categoryUnauthorized, "authentication required")
			return
		}
		setActor(w, "operator")
		next(w, req)
	}
}

// requireService admits requests signed by a platform service.
func (r *Router) requireService(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		claims, err := svcauth.VerifyRequest(req, r.serviceSecret)
		if err != nil {
			r.logger.Warn("service token rejected", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, categoryUnauthorized, "invalid service token")
			return
		}
		setActor(w, claims.Service)
		next(w, req)
	}
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gpgkd906/auth9-sub008/internal/config"
)

const apiKeyHeader = "X-API-Key"

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/.well-known/jwks.json",
}

// withRPCAuth gates every non-public route according to the configured
// caller authentication mode. The gate runs before any business logic so
// an unauthenticated probe learns nothing about what exists behind it.
func (a *API) withRPCAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		switch a.rpc.AuthMode {
		case config.RPCAuthNone:
			next.ServeHTTP(w, r)
		case config.RPCAuthMTLS:
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				respondError(w, http.StatusUnauthorized, "client certificate required")
				return
			}
			next.ServeHTTP(w, r)
		case config.RPCAuthAPIKey:
			presented := r.Header.Get(apiKeyHeader)
			if presented == "" ||
				subtle.ConstantTimeCompare([]byte(presented), []byte(a.rpc.APIKey)) != 1 {
				respondError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		default:
			respondError(w, http.StatusUnauthorized, "caller authentication misconfigured")
		}
	})
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

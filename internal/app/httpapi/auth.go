package httpapi

import (
	"net/http"
	"strings"

	"github.com/modelcoordinator/coordinator/pkg/config"
)

// wrapWithAuth gates requests per cfg: PublicPrefixes always pass,
// AdminPrefixes always require a key, and everything else requires a key
// only when cfg.ReadAuth is set. An empty cfg.Key disables gating entirely.
func wrapWithAuth(next http.Handler, cfg config.APIConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(cfg.Key) == "" {
			next.ServeHTTP(w, r)
			return
		}
		if hasPrefix(r.URL.Path, cfg.PublicPrefixes) {
			next.ServeHTTP(w, r)
			return
		}

		needsAuth := hasPrefix(r.URL.Path, cfg.AdminPrefixes) || cfg.ReadAuth
		if !needsAuth {
			next.ServeHTTP(w, r)
			return
		}

		if presentedKey(r) != cfg.Key {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func presentedKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

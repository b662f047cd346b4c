package gateway

import (
	"net/http"
	"net/url"
	"strings"
)

// tunnelProviderSuffixes are origin hosts accepted in addition to the
// configured list, so browsers reaching the service through a tunnel can
// talk to the API without per-deployment origin configuration.
var tunnelProviderSuffixes = []string{
	".ngrok.app",
	".ngrok-free.app",
	".ngrok.dev",
	".ngrok.io",
	".trycloudflare.com",
}

// corsMiddleware answers preflights and sets credentialed CORS headers
// for allowed origins: the configured list, known tunnel-provider
// subdomains, and the active tunnel's public host.
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	configured := make(map[string]struct{}, len(s.cfg.Server.CORSOrigins))
	for _, origin := range s.cfg.Server.CORSOrigins {
		configured[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && s.originAllowed(configured, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
				h.Set("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) originAllowed(configured map[string]struct{}, origin string) bool {
	if _, ok := configured[origin]; ok {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false
	}

	for _, suffix := range tunnelProviderSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	if s.cfg.Tunnel != nil {
		if public := s.cfg.Tunnel.PublicHost(); public != "" && host == public {
			return true
		}
	}
	return false
}

// requestSizeLimit caps request body size to prevent abuse.
func requestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

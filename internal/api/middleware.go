package api

import "net/http"

// owner guards mutating endpoints with the owner header. 403 when no owner
// is configured (the deployment is read-only), 401 on a mismatch.
func (s *Server) owner(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configured := s.engine.Config().OwnerID
		if configured == "" {
			errorJSON(w, http.StatusForbidden, "no owner configured; mutating endpoints disabled")
			return
		}
		if r.Header.Get("X-Owner-Id") != configured {
			errorJSON(w, http.StatusUnauthorized, "owner mismatch")
			return
		}
		next(w, r)
	}
}

// cors answers preflight and tags responses for the configured origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Owner-Id")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.engine.Config().Server.AllowedOrigins
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

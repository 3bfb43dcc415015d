package httpserver

import (
	"net/http"
)

// allowCORSOrigin lets go-chi/cors reflect exactly the origins the signaling
// upgrade would accept.
func (s *Server) allowCORSOrigin(r *http.Request, origin string) bool {
	return s.origins.Allows(origin, r.Host)
}

// requireOrigin rejects browser requests from disallowed origins instead of
// only withholding CORS headers.
func (s *Server) requireOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.origins.CheckOrigin(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

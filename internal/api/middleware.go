package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/types"
)

type sessionKey struct{}

// sessionFrom returns the session the auth middleware attached.
func sessionFrom(ctx context.Context) *types.Session {
	sess, _ := ctx.Value(sessionKey{}).(*types.Session)
	return sess
}

func withRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, logger.RequestIDKey, requestID)
}

// corsMiddleware answers preflight requests from allowed browser origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !s.originAllowed(origin) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// securityHeadersMiddleware adds security headers
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates the bearer token and attaches the caller's session
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, r, types.NewUnauthenticatedError("missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			s.writeError(w, r, types.NewUnauthenticatedError("invalid authorization header format"))
			return
		}

		sess, err := s.tokens.Validate(parts[1])
		if err != nil {
			s.logger.WithContext(r.Context()).WithError(err).Debug("Token validation failed")
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		ctx = context.WithValue(ctx, logger.PrincipalKey, string(sess.Principal))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware limits requests per authenticated principal. A failing
// limiter lets the request through.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r.Context())
		if s.limiter == nil || sess == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := s.limiter.Allow(r.Context(), string(sess.Principal))
		if err != nil {
			s.logger.WithContext(r.Context()).WithError(err).Warn("Rate limit check failed")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			s.logger.WithContext(r.Context()).Warn("Rate limit exceeded")
			s.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": errorBody{
				Type:           "rate_limited",
				Code:           "RATE_LIMITED",
				Message:        "rate limit exceeded",
				Classification: types.ClassRetryable,
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

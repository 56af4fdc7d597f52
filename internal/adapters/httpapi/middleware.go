package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

type ctxKey int

const userKey ctxKey = iota

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// identify resolves the caller from UserHeader and applies the api profile.
// Anonymous requests count against the auth profile by IP and are rejected.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			if !s.admit(w, r, core.ProfileAuth, core.RateSubject{IP: clientIP(r)}) {
				return
			}
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		if !s.admit(w, r, core.ProfileAPI, core.RateSubject{UserID: userID, IP: clientIP(r)}) {
			return
		}
		ctx := context.WithValue(r.Context(), userKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// limit applies a profile to every request, keyed by IP and the user header
func (s *Server) limit(profile string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := core.RateSubject{UserID: r.Header.Get(UserHeader), IP: clientIP(r)}
			if !s.admit(w, r, profile, subject) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// admit writes a 429 and returns false when the request is denied
func (s *Server) admit(w http.ResponseWriter, r *http.Request, profile string, subject core.RateSubject) bool {
	if s.limiter == nil {
		return true
	}
	d, key, err := s.limiter.AdmitProfile(r.Context(), profile, subject)
	if err != nil {
		return true
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return true
	}
	s.logger.Info("Request rate limited",
		zap.String("key", key),
		zap.String("path", r.URL.Path))
	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

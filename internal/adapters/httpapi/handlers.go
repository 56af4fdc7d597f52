package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

const maxBodyBytes = 1 << 20

type fetchOptions struct {
	MaxResults int       `json:"max_results"`
	Query      string    `json:"query"`
	Since      time.Time `json:"since"`
	Until      time.Time `json:"until"`
}

func (o fetchOptions) core() core.FetchOptions {
	return core.FetchOptions{
		MaxResults: o.MaxResults,
		Query:      o.Query,
		Since:      o.Since,
		Until:      o.Until,
	}
}

// providerRequest names a mailbox to triage. Access tokens are not accepted
// here; the credential supplier resolves them when the job runs.
type providerRequest struct {
	Provider core.Provider `json:"provider"`
	Account  string        `json:"account"`
	Options  fetchOptions  `json:"options"`
}

// CreateJobRequest is the body of POST /api/jobs
type CreateJobRequest struct {
	Providers []providerRequest `json:"providers"`
	Options   fetchOptions      `json:"options"`
}

type webhookRequest struct {
	UserID  string       `json:"user_id"`
	Account string       `json:"account"`
	Options fetchOptions `json:"options"`
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func knownProvider(p core.Provider) bool {
	switch p {
	case core.ProviderGmail, core.ProviderOutlook, core.ProviderSMTPInbox:
		return true
	}
	return false
}

// writeServiceError maps core errors onto status codes
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *core.ValidationError
		rateLimit  *core.RateLimitError
		fetch      *core.FetchError
	)
	switch {
	case errors.As(err, &validation),
		errors.Is(err, core.ErrNoProviders),
		errors.Is(err, core.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &rateLimit):
		w.Header().Set("Retry-After", strconv.Itoa(rateLimit.RetryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.As(err, &fetch):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	providers := make([]core.ProviderRequest, 0, len(req.Providers))
	for _, p := range req.Providers {
		if !knownProvider(p.Provider) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", p.Provider))
			return
		}
		pr := core.ProviderRequest{Provider: p.Provider, Options: p.Options.core()}
		if p.Account != "" {
			pr.Credentials = &core.Credentials{Account: p.Account}
		}
		providers = append(providers, pr)
	}

	job, err := s.jobs.StartProcessing(r.Context(), userFrom(r), providers, req.Options.core())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

// ownedJob loads the job and checks it belongs to the caller. Jobs of other
// users are reported as not found.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*core.ProcessingJob, bool) {
	job, err := s.jobs.GetJobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return nil, false
	}
	if job.UserID != userFrom(r) {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	cancelled, err := s.jobs.CancelJob(r.Context(), job.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "cancelled": cancelled})
}

func (s *Server) sameUser(w http.ResponseWriter, r *http.Request) bool {
	if chi.URLParam(r, "user") != userFrom(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if !s.sameUser(w, r) {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 500)
	}

	jobs, err := s.jobs.ListJobs(r.Context(), userFrom(r), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if !s.sameUser(w, r) {
		return
	}
	q := core.MessageQuery{Priority: core.PriorityLevel(r.URL.Query().Get("priority"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}

	msgs, err := s.mailbox.ListMessages(r.Context(), userFrom(r), q)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
}

func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	if !s.sameUser(w, r) {
		return
	}
	provider := core.Provider(chi.URLParam(r, "provider"))
	if !knownProvider(provider) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", provider))
		return
	}
	var mut core.MessageMutation
	if err := decodeBody(w, r, &mut); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.mailbox.Apply(r.Context(), userFrom(r), provider, chi.URLParam(r, "id"), mut); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// webhook starts a job for the user a provider push notification names
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	provider := core.Provider(chi.URLParam(r, "provider"))
	if !knownProvider(provider) {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	var req webhookRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	pr := core.ProviderRequest{Provider: provider}
	if req.Account != "" {
		pr.Credentials = &core.Credentials{Account: req.Account}
	}
	job, err := s.jobs.StartProcessing(r.Context(), req.UserID, []core.ProviderRequest{pr}, req.Options.core())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

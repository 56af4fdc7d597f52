package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikey/llm-mail-triage/internal/adapters/ratelimit"
	"github.com/mikey/llm-mail-triage/internal/core"
)

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]*core.ProcessingJob
	started   []*core.ProcessingJob
	cancelled []string
	startErr  error
	lastLimit int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*core.ProcessingJob{
		"job-alice": {ID: "job-alice", UserID: "alice", Status: core.JobProcessing, Progress: 36},
	}}
}

func (f *fakeJobs) StartProcessing(_ context.Context, userID string, providers []core.ProviderRequest, opts core.FetchOptions) (*core.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	job := &core.ProcessingJob{
		ID:        "job-new",
		UserID:    userID,
		Providers: providers,
		Options:   opts,
		Status:    core.JobPending,
	}
	f.started = append(f.started, job)
	return job, nil
}

func (f *fakeJobs) GetJobStatus(_ context.Context, id string) (*core.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (f *fakeJobs) ListJobs(_ context.Context, userID string, limit int) ([]*core.ProcessingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	out := make([]*core.ProcessingJob, 0)
	for _, j := range f.jobs {
		if j.UserID == userID {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (f *fakeJobs) CancelJob(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

type applied struct {
	userID    string
	provider  core.Provider
	messageID string
	mut       core.MessageMutation
}

type fakeMailbox struct {
	mu      sync.Mutex
	calls   []applied
	queries []core.MessageQuery
	list    []core.MessageResult
	err     error
}

func (f *fakeMailbox) ListMessages(_ context.Context, _ string, q core.MessageQuery) ([]core.MessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.list, f.err
}

func (f *fakeMailbox) Apply(_ context.Context, userID string, provider core.Provider, messageID string, mut core.MessageMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, applied{userID, provider, messageID, mut})
	return f.err
}

type fixture struct {
	jobs    *fakeJobs
	mailbox *fakeMailbox
	handler http.Handler
}

func newFixture(t *testing.T, profiles map[string]core.RateLimitProfile) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	var limiter *core.RateLimiter
	if profiles != nil {
		limiter = core.NewRateLimiter(ratelimit.NewMemoryStore(), profiles, logger)
	}
	f := &fixture{jobs: newFakeJobs(), mailbox: &fakeMailbox{}}
	f.handler = NewServer(Config{}, f.jobs, f.mailbox, limiter, logger).Handler()
	return f
}

func (f *fixture) do(method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJob(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"providers":[{"provider":"gmail","account":"a@example.com"},{"provider":"outlook"}],
		"options":{"max_results":20,"query":"invoice"}}`

	rec := f.do(http.MethodPost, "/api/jobs", "alice", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/api/jobs/job-new" {
		t.Errorf("Location = %q", loc)
	}
	var job core.ProcessingJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != "job-new" || job.Status != core.JobPending {
		t.Errorf("job = %+v", job)
	}

	started := f.jobs.started[0]
	if started.UserID != "alice" || len(started.Providers) != 2 {
		t.Fatalf("started = %+v", started)
	}
	if c := started.Providers[0].Credentials; c == nil || c.Account != "a@example.com" || c.AccessToken != "" {
		t.Errorf("gmail credentials = %+v", c)
	}
	if started.Providers[1].Credentials != nil {
		t.Error("outlook credentials should come from the directory")
	}
	if started.Options.MaxResults != 20 || started.Options.Query != "invoice" {
		t.Errorf("options = %+v", started.Options)
	}
}

func TestCreateJobRejects(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		body     string
		startErr error
		want     int
	}{
		{"anonymous", "", `{"providers":[{"provider":"gmail"}]}`, nil, http.StatusUnauthorized},
		{"invalid json", "alice", `{"providers":`, nil, http.StatusBadRequest},
		{"unknown field", "alice", `{"provider":"gmail"}`, nil, http.StatusBadRequest},
		{"access token", "alice", `{"providers":[{"provider":"gmail","access_token":"tok"}]}`, nil, http.StatusBadRequest},
		{"unknown provider", "alice", `{"providers":[{"provider":"yahoo"}]}`, nil, http.StatusBadRequest},
		{"no providers", "alice", `{"providers":[]}`, core.ErrNoProviders, http.StatusBadRequest},
		{"validation", "alice", `{"providers":[{"provider":"gmail"}]}`,
			&core.ValidationError{Field: "max_results", Err: errors.New("must not be negative")}, http.StatusBadRequest},
		{"rate limited", "alice", `{"providers":[{"provider":"gmail"}]}`,
			&core.RateLimitError{Key: "ratelimit:email_sync:alice", RetryAfter: 300 * time.Second}, http.StatusTooManyRequests},
		{"store failure", "alice", `{"providers":[{"provider":"gmail"}]}`, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.jobs.startErr = tt.startErr
			rec := f.do(http.MethodPost, "/api/jobs", tt.user, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "300" {
				t.Errorf("Retry-After = %q, want 300", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/jobs/job-alice", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d", rec.Code)
	}
	var job core.ProcessingJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Progress != 36 || job.Status != core.JobProcessing {
		t.Errorf("job = %+v", job)
	}

	if rec := f.do(http.MethodGet, "/api/jobs/job-alice", "mallory", ""); rec.Code != http.StatusNotFound {
		t.Errorf("other user status = %d, want 404", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/jobs/missing", "alice", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(http.MethodDelete, "/api/jobs/job-alice", "mallory", ""); rec.Code != http.StatusNotFound {
		t.Errorf("other user cancel = %d, want 404", rec.Code)
	}
	if len(f.jobs.cancelled) != 0 {
		t.Fatalf("cancelled = %v, want none", f.jobs.cancelled)
	}

	rec := f.do(http.MethodDelete, "/api/jobs/job-alice", "alice", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cancelled":true`) {
		t.Errorf("cancel = %d %s", rec.Code, rec.Body.String())
	}
	if len(f.jobs.cancelled) != 1 || f.jobs.cancelled[0] != "job-alice" {
		t.Errorf("cancelled = %v", f.jobs.cancelled)
	}
}

func TestListJobs(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/users/alice/jobs?limit=1000", "alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.jobs.lastLimit != 500 {
		t.Errorf("limit = %d, want capped at 500", f.jobs.lastLimit)
	}
	var out struct {
		Items []core.ProcessingJob `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != 1 || out.Items[0].ID != "job-alice" {
		t.Errorf("items = %+v", out.Items)
	}

	if rec := f.do(http.MethodGet, "/api/users/alice/jobs", "mallory", ""); rec.Code != http.StatusForbidden {
		t.Errorf("other user = %d, want 403", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/users/alice/jobs?limit=zero", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestUpdateMessage(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPatch, "/api/users/alice/messages/gmail/m-1", "alice", `{"read":true,"priority":"high"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	call := f.mailbox.calls[0]
	if call.userID != "alice" || call.provider != core.ProviderGmail || call.messageID != "m-1" {
		t.Errorf("call = %+v", call)
	}
	if call.mut.Read == nil || !*call.mut.Read || call.mut.Starred != nil {
		t.Errorf("read/starred = %v/%v", call.mut.Read, call.mut.Starred)
	}
	if call.mut.Priority == nil || *call.mut.Priority != core.PriorityHigh {
		t.Errorf("priority = %v", call.mut.Priority)
	}

	if rec := f.do(http.MethodPatch, "/api/users/alice/messages/gmail/m-1", "mallory", `{"read":true}`); rec.Code != http.StatusForbidden {
		t.Errorf("other user = %d, want 403", rec.Code)
	}
	if rec := f.do(http.MethodPatch, "/api/users/alice/messages/yahoo/m-1", "alice", `{"read":true}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown provider = %d, want 400", rec.Code)
	}

	f.mailbox.err = core.NewFetchError(core.ProviderGmail, http.StatusServiceUnavailable, errors.New("unavailable"))
	if rec := f.do(http.MethodPatch, "/api/users/alice/messages/gmail/m-1", "alice", `{"starred":true}`); rec.Code != http.StatusBadGateway {
		t.Errorf("provider failure = %d, want 502", rec.Code)
	}
}

func TestListMessages(t *testing.T) {
	f := newFixture(t, nil)
	f.mailbox.list = []core.MessageResult{{MessageID: "m-1", Provider: core.ProviderGmail}}

	rec := f.do(http.MethodGet, "/api/users/alice/messages?priority=high&limit=5", "alice", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"message_id":"m-1"`) {
		t.Fatalf("list = %d %s", rec.Code, rec.Body.String())
	}
	if q := f.mailbox.queries[0]; q.Priority != core.PriorityHigh || q.Limit != 5 {
		t.Errorf("query = %+v", q)
	}

	if rec := f.do(http.MethodGet, "/api/users/alice/messages", "mallory", ""); rec.Code != http.StatusForbidden {
		t.Errorf("other user = %d, want 403", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/users/alice/messages?limit=x", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}

	f.mailbox.err = &core.ValidationError{Field: "priority", Err: errors.New("unknown level")}
	if rec := f.do(http.MethodGet, "/api/users/alice/messages?priority=urgent", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad priority = %d, want 400", rec.Code)
	}
}

func TestWebhook(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/webhooks/outlook", "", `{"user_id":"alice","account":"alice@example.com","options":{"max_results":5}}`)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"job_id":"job-new"`) {
		t.Fatalf("webhook = %d %s", rec.Code, rec.Body.String())
	}
	started := f.jobs.started[0]
	if started.UserID != "alice" || started.Providers[0].Provider != core.ProviderOutlook {
		t.Errorf("started = %+v", started)
	}
	if c := started.Providers[0].Credentials; c == nil || c.Account != "alice@example.com" || c.AccessToken != "" {
		t.Errorf("credentials = %+v", c)
	}

	if rec := f.do(http.MethodPost, "/webhooks/yahoo", "", `{"user_id":"alice"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider = %d, want 404", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/webhooks/gmail", "", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user = %d, want 400", rec.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	profiles := map[string]core.RateLimitProfile{
		core.ProfileAuth:    {Name: core.ProfileAuth, Window: 15 * time.Minute, MaxRequests: 1, KeyBy: core.KeyByIP},
		core.ProfileAPI:     {Name: core.ProfileAPI, Window: time.Minute, MaxRequests: 2, KeyBy: core.KeyByUser},
		core.ProfileWebhook: {Name: core.ProfileWebhook, Window: time.Minute, MaxRequests: 1, KeyBy: core.KeyByIP},
	}

	t.Run("api", func(t *testing.T) {
		f := newFixture(t, profiles)
		for i, want := range []string{"1", "0"} {
			rec := f.do(http.MethodGet, "/api/jobs/job-alice", "alice", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d status = %d", i, rec.Code)
			}
			if got := rec.Header().Get("X-RateLimit-Remaining"); got != want {
				t.Errorf("request %d remaining = %q, want %q", i, got, want)
			}
			if rec.Header().Get("X-RateLimit-Reset") == "" {
				t.Errorf("request %d has no reset header", i)
			}
		}

		rec := f.do(http.MethodGet, "/api/jobs/job-alice", "alice", "")
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("third request = %d, want 429", rec.Code)
		}
		if got := rec.Header().Get("Retry-After"); got != "60" {
			t.Errorf("Retry-After = %q, want 60", got)
		}

		if rec := f.do(http.MethodGet, "/api/jobs/job-alice", "bob", ""); rec.Code == http.StatusTooManyRequests {
			t.Error("limit leaked across users")
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		f := newFixture(t, profiles)
		if rec := f.do(http.MethodGet, "/api/jobs/job-alice", "", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("first anonymous = %d, want 401", rec.Code)
		}
		rec := f.do(http.MethodGet, "/api/jobs/job-alice", "", "")
		if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "900" {
			t.Errorf("second anonymous = %d retry %q, want 429/900", rec.Code, rec.Header().Get("Retry-After"))
		}
	})

	t.Run("webhook", func(t *testing.T) {
		f := newFixture(t, profiles)
		body := `{"user_id":"alice"}`
		if rec := f.do(http.MethodPost, "/webhooks/gmail", "", body); rec.Code != http.StatusAccepted {
			t.Errorf("first webhook = %d", rec.Code)
		}
		if rec := f.do(http.MethodPost, "/webhooks/gmail", "", body); rec.Code != http.StatusTooManyRequests {
			t.Errorf("second webhook = %d, want 429", rec.Code)
		}
	})
}

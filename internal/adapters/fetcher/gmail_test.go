package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikey/llm-mail-triage/internal/core"
)

const gmailBase = "/gmail/v1/users/me/messages"

type gmailServer struct {
	*httptest.Server
	mu      sync.Mutex
	pages   [][]string
	queries []string
	modify  []string
	trashed []string
}

func newGmailServer(t *testing.T) *gmailServer {
	t.Helper()
	g := &gmailServer{pages: [][]string{{"g1", "g2"}, {"g3"}}}
	raw := map[string][]byte{
		"g1": rawMail("orig-1@x", "\"Boss\" <boss@example.com>", "Deadline moved", "The deadline is now Monday."),
		"g2": rawMail("orig-2@x", "news@example.com", "Digest", "Weekly digest."),
		"g3": rawMail("orig-3@x", "friend@example.com", "Hello", "Hi there."),
	}
	labels := map[string][]string{
		"g1": {"INBOX", "UNREAD", "STARRED"},
		"g2": {"INBOX"},
		"g3": {"INBOX", "UNREAD"},
	}

	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gmail-token" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")

		path := r.URL.Path
		switch {
		case r.Method == http.MethodGet && path == gmailBase:
			g.mu.Lock()
			g.queries = append(g.queries, r.URL.Query().Get("q"))
			pages := g.pages
			g.mu.Unlock()
			page := 0
			if tok := r.URL.Query().Get("pageToken"); tok != "" {
				page, _ = strconv.Atoi(strings.TrimPrefix(tok, "p"))
			}
			resp := map[string]any{}
			var listed []map[string]string
			for _, id := range pages[page] {
				listed = append(listed, map[string]string{"id": id, "threadId": "t-" + id})
			}
			resp["messages"] = listed
			if page+1 < len(pages) {
				resp["nextPageToken"] = "p" + strconv.Itoa(page+1)
			}
			_ = json.NewEncoder(w).Encode(resp)
		case r.Method == http.MethodGet && strings.HasPrefix(path, gmailBase+"/"):
			id := strings.TrimPrefix(path, gmailBase+"/")
			if r.URL.Query().Get("format") != "raw" {
				http.Error(w, "want raw format", http.StatusBadRequest)
				return
			}
			body, ok := raw[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":           id,
				"threadId":     "t-" + id,
				"labelIds":     labels[id],
				"internalDate": "1714564800000",
				"sizeEstimate": 4096,
				"raw":          base64.URLEncoding.EncodeToString(body),
			})
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/modify"):
			data, _ := io.ReadAll(r.Body)
			g.mu.Lock()
			g.modify = append(g.modify, string(data))
			g.mu.Unlock()
			_, _ = w.Write([]byte(`{"id":"g1"}`))
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/trash"):
			g.mu.Lock()
			g.trashed = append(g.trashed, strings.TrimSuffix(strings.TrimPrefix(path, gmailBase+"/"), "/trash"))
			g.mu.Unlock()
			_, _ = w.Write([]byte(`{"id":"g1"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(g.Close)
	return g
}

func (g *gmailServer) setPages(pages ...[]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pages = pages
}

var gmailCreds = &core.Credentials{Account: "me@example.com", AccessToken: "gmail-token"}

func TestGmailFetchSkipsUnreadableMessages(t *testing.T) {
	srv := newGmailServer(t)
	srv.setPages([]string{"g1", "gone", "g2"})
	g := NewGmailFetcher(srv.URL+"/", 10, srv.Client(), zaptest.NewLogger(t))

	msgs, err := g.Fetch(context.Background(), gmailCreds, core.FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch = %v, want the readable messages", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "g1" || msgs[1].ID != "g2" {
		t.Fatalf("messages = %d, want g1 and g2 in order", len(msgs))
	}

	srv.setPages([]string{"gone", "missing"})
	_, err = g.Fetch(context.Background(), gmailCreds, core.FetchOptions{})
	var fe *core.FetchError
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusNotFound {
		t.Errorf("err = %v, want a 404 FetchError when nothing could be read", err)
	}
}

func TestGmailFetch(t *testing.T) {
	srv := newGmailServer(t)
	g := NewGmailFetcher(srv.URL+"/", 2, srv.Client(), zaptest.NewLogger(t))

	since := time.Unix(1714521600, 0)
	msgs, err := g.Fetch(context.Background(), gmailCreds, core.FetchOptions{Query: "deadline", Since: since})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 across pages", len(msgs))
	}

	m := msgs[0]
	if m.ID != "g1" || m.ThreadID != "t-g1" || m.Provider != core.ProviderGmail {
		t.Errorf("ids = %s/%s/%s", m.ID, m.ThreadID, m.Provider)
	}
	if m.Subject != "Deadline moved" || m.From.Email != "boss@example.com" || m.From.Name != "Boss" {
		t.Errorf("headers = %q %+v", m.Subject, m.From)
	}
	if m.IsRead || !m.IsStarred {
		t.Errorf("labels = read %v starred %v", m.IsRead, m.IsStarred)
	}
	if !msgs[1].IsRead || msgs[1].IsStarred {
		t.Errorf("g2 labels = read %v starred %v", msgs[1].IsRead, msgs[1].IsStarred)
	}
	if !m.ReceivedAt.Equal(time.UnixMilli(1714564800000)) || m.SizeBytes != 4096 {
		t.Errorf("received = %v size = %d", m.ReceivedAt, m.SizeBytes)
	}
	if !strings.Contains(m.TextBody, "Monday") {
		t.Errorf("body = %q", m.TextBody)
	}

	srv.mu.Lock()
	q := srv.queries[0]
	srv.mu.Unlock()
	if q != "deadline after:1714521600" {
		t.Errorf("q = %q", q)
	}
}

func TestGmailFetchStopsAtMaxResults(t *testing.T) {
	srv := newGmailServer(t)
	g := NewGmailFetcher(srv.URL+"/", 2, srv.Client(), zaptest.NewLogger(t))

	msgs, err := g.Fetch(context.Background(), gmailCreds, core.FetchOptions{MaxResults: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "g1" {
		t.Errorf("messages = %v", ids(msgs))
	}
	srv.mu.Lock()
	pages := len(srv.queries)
	srv.mu.Unlock()
	if pages != 1 {
		t.Errorf("list calls = %d, want 1", pages)
	}
}

func TestGmailMutations(t *testing.T) {
	srv := newGmailServer(t)
	g := NewGmailFetcher(srv.URL+"/", 0, srv.Client(), zaptest.NewLogger(t))
	ctx := context.Background()

	if err := g.MarkRead(ctx, gmailCreds, "g1", true); err != nil {
		t.Fatal(err)
	}
	if err := g.SetStarred(ctx, gmailCreds, "g1", true); err != nil {
		t.Fatal(err)
	}
	if err := g.Delete(ctx, gmailCreds, "g1"); err != nil {
		t.Fatal(err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.modify) != 2 {
		t.Fatalf("modify calls = %d, want 2", len(srv.modify))
	}
	if !strings.Contains(srv.modify[0], `"removeLabelIds":["UNREAD"]`) {
		t.Errorf("mark read body = %s", srv.modify[0])
	}
	if !strings.Contains(srv.modify[1], `"addLabelIds":["STARRED"]`) {
		t.Errorf("star body = %s", srv.modify[1])
	}
	if len(srv.trashed) != 1 || srv.trashed[0] != "g1" {
		t.Errorf("trashed = %v", srv.trashed)
	}
}

func TestGmailErrors(t *testing.T) {
	srv := newGmailServer(t)
	g := NewGmailFetcher(srv.URL+"/", 0, srv.Client(), zaptest.NewLogger(t))

	_, err := g.Fetch(context.Background(), &core.Credentials{AccessToken: "revoked"}, core.FetchOptions{})
	var fe *core.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FetchError", err)
	}
	if fe.StatusCode != http.StatusUnauthorized || fe.Retryable {
		t.Errorf("status = %d retryable = %v", fe.StatusCode, fe.Retryable)
	}

	_, err = g.Fetch(context.Background(), nil, core.FetchOptions{})
	if !errors.As(err, &fe) || !errors.Is(err, errMissingToken) {
		t.Errorf("nil credentials err = %v", err)
	}
}

func TestGmailQuery(t *testing.T) {
	since := time.Unix(100, 0)
	until := time.Unix(200, 0)
	tests := []struct {
		opts core.FetchOptions
		want string
	}{
		{core.FetchOptions{}, ""},
		{core.FetchOptions{Query: " from:boss "}, "from:boss"},
		{core.FetchOptions{Since: since, Until: until}, "after:100 before:200"},
	}
	for _, tt := range tests {
		if got := gmailQuery(tt.opts); got != tt.want {
			t.Errorf("gmailQuery(%+v) = %q, want %q", tt.opts, got, tt.want)
		}
	}
}

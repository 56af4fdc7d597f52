package directory

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
)

func testUsers() map[string]config.UserConfig {
	return map[string]config.UserConfig{
		"Alice": {
			Role:        "CFO",
			Industry:    "finance",
			Preferences: map[string]string{"digest": "daily"},
			VIPContacts: []string{" CEO@Acme.com ", "@board.example"},
			Credentials: map[string]config.CredentialConfig{
				"gmail": {Account: "alice@example.com", AccessToken: "tok-a"},
			},
		},
	}
}

func TestUserContext(t *testing.T) {
	d := New(testUsers(), zaptest.NewLogger(t))

	uc, err := d.UserContext(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if uc.UserID != "alice" || uc.Role != "CFO" || uc.Industry != "finance" {
		t.Errorf("context = %+v", uc)
	}
	if uc.Preferences["digest"] != "daily" {
		t.Errorf("preferences = %v", uc.Preferences)
	}
	want := []string{"ceo@acme.com", "@board.example"}
	if len(uc.VIPContacts) != len(want) {
		t.Fatalf("vip contacts = %v, want %v", uc.VIPContacts, want)
	}
	for i := range want {
		if uc.VIPContacts[i] != want[i] {
			t.Errorf("vip[%d] = %q, want %q", i, uc.VIPContacts[i], want[i])
		}
	}

	uc.Preferences["digest"] = "never"
	again, _ := d.UserContext(context.Background(), "ALICE")
	if again.Preferences["digest"] != "daily" {
		t.Error("returned preferences alias the directory")
	}

	if _, err := d.UserContext(context.Background(), "bob"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("unknown user err = %v", err)
	}
}

func TestCredentials(t *testing.T) {
	d := New(testUsers(), zaptest.NewLogger(t))
	ctx := context.Background()

	creds, err := d.Credentials(ctx, "alice", core.ProviderGmail)
	if err != nil {
		t.Fatal(err)
	}
	if creds.Account != "alice@example.com" || creds.AccessToken != "tok-a" {
		t.Errorf("creds = %+v", creds)
	}

	if _, err := d.Credentials(ctx, "alice", core.ProviderOutlook); !errors.Is(err, core.ErrUnknownProvider) {
		t.Errorf("missing provider err = %v", err)
	}
	if _, err := d.Credentials(ctx, "bob", core.ProviderGmail); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("unknown user err = %v", err)
	}
}

func TestReplace(t *testing.T) {
	d := New(testUsers(), zaptest.NewLogger(t))
	d.Replace(map[string]config.UserConfig{"bob": {Role: "engineer"}})

	if _, err := d.UserContext(context.Background(), "alice"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("alice after replace err = %v", err)
	}
	uc, err := d.UserContext(context.Background(), "bob")
	if err != nil || uc.Role != "engineer" {
		t.Errorf("bob = %+v, %v", uc, err)
	}
}

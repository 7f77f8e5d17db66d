package accounts_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/section9-dev/aramaki/internal/aramaki/accounts"
)

const validYAML = `
accounts:
  - name: alpha
    path: /hook/alpha
    token: tok123
    encoding_aes_key: abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQ
    receiver_id: wx5023c1a8b6a10f12
    welcome_text: "Hello there."
    push_url: https://push.example.com/send
  - name: beta
    path: /hook/beta
    token: tok456
    receiver_id: wx99
`

// TestParse_Valid checks that a well-formed file yields fully populated
// accounts, including one without key material.
func TestParse_Valid(t *testing.T) {
	accs, err := accounts.Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(accs) != 2 {
		t.Fatalf("len(accounts) = %d, want 2", len(accs))
	}

	a := accs[0]
	if a.Name != "alpha" || a.Path != "/hook/alpha" || a.Token != "tok123" {
		t.Errorf("alpha fields wrong: %+v", a)
	}
	if a.ReceiverID != "wx5023c1a8b6a10f12" || a.WelcomeText != "Hello there." {
		t.Errorf("alpha fields wrong: %+v", a)
	}
	if a.PushURL != "https://push.example.com/send" {
		t.Errorf("alpha push_url = %q", a.PushURL)
	}

	if accs[1].EncodingAESKey != "" {
		t.Errorf("beta should have no key material, got %q", accs[1].EncodingAESKey)
	}
}

// TestParse_Invalid walks through documents the schema must reject.
func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"not yaml", "accounts: [unclosed"},
		{"empty document", ""},
		{"no accounts key", "other: 1"},
		{"empty accounts list", "accounts: []"},
		{"missing token", `
accounts:
  - name: a
    path: /a
    receiver_id: wx1
`},
		{"missing receiver_id", `
accounts:
  - name: a
    path: /a
    token: t
`},
		{"key too short", `
accounts:
  - name: a
    path: /a
    token: t
    receiver_id: wx1
    encoding_aes_key: tooshort
`},
		{"key with padding char", `
accounts:
  - name: a
    path: /a
    token: t
    receiver_id: wx1
    encoding_aes_key: abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOP=
`},
		{"unknown field", `
accounts:
  - name: a
    path: /a
    token: t
    receiver_id: wx1
    bogus: field
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := accounts.Parse([]byte(tc.yaml)); err == nil {
				t.Error("Parse accepted an invalid document")
			}
		})
	}
}

// TestParse_DuplicateName rejects two accounts sharing a name, which would
// make log lines and lifecycle events ambiguous.
func TestParse_DuplicateName(t *testing.T) {
	doc := `
accounts:
  - name: same
    path: /a
    token: t1
    receiver_id: wx1
  - name: same
    path: /b
    token: t2
    receiver_id: wx2
`
	_, err := accounts.Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "duplicate name") {
		t.Fatalf("err = %v, want duplicate name error", err)
	}
}

// TestLoad reads a file from disk and reports unreadable paths.
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	accs, err := accounts.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(accs) != 2 {
		t.Fatalf("len(accounts) = %d, want 2", len(accs))
	}

	if _, err := accounts.Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load accepted a missing file")
	}
}

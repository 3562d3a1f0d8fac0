package secretstore

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{
		VaultPath: filepath.Join(dir, "vault"),
		Passphrase: "correct-horse-battery-staple",
		EnvPrefix:  "TESTSECRET_",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("github.token", "ghp_abc123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("github.token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "ghp_abc123" {
		t.Fatalf("got %q, want ghp_abc123", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("nope"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestEnvOverrideWinsOverVault(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("api.key", "vault-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	os.Setenv("TESTSECRET_API_KEY", "env-value")
	defer os.Unsetenv("TESTSECRET_API_KEY")

	got, err := s.Get("api.key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "env-value" {
		t.Fatalf("got %q, want env-value (env should win)", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("never-set"); err != nil {
		t.Fatalf("Delete on absent key should not error: %v", err)
	}
}

func TestRotateAppendsAudit(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("db.password", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Rotate("db.password", "v2"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	got, err := s.Get("db.password")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "v2" {
		t.Fatalf("got %q, want v2", got)
	}
	s.mu.RLock()
	rec := s.cache["db.password"]
	s.mu.RUnlock()
	if len(rec.Audit) != 1 {
		t.Fatalf("expected 1 audit entry after rotate, got %d", len(rec.Audit))
	}
}

func TestRotateUnknownKeyFails(t *testing.T) {
	s := newTestStore(t)
	if err := s.Rotate("ghost", "x"); err == nil {
		t.Fatal("expected error rotating an unset key")
	}
}

func TestGetIntegrationResolvesCanonicalSuffixes(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("SLACK_API_KEY", "xoxb-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("SLACK_WEBHOOK_SECRET", "sec-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("GITHUB_API_KEY", "ghp-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	integ, err := s.GetIntegration("slack")
	if err != nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if len(integ.Fields) != 2 {
		t.Fatalf("expected 2 fields for slack integration, got %d: %+v", len(integ.Fields), integ.Fields)
	}
	if integ.Fields["api_key"] != "xoxb-1" || integ.Fields["webhook_secret"] != "sec-1" {
		t.Fatalf("unexpected fields: %+v", integ.Fields)
	}
	if _, ok := integ.Fields["client_id"]; ok {
		t.Fatalf("expected client_id to be absent, not a zero-value entry: %+v", integ.Fields)
	}
}

func TestGetIntegrationResolvesFromEnvOnly(t *testing.T) {
	s := newTestStore(t)
	os.Setenv("TESTSECRET_ASANA_API_KEY", "env-asana-key")
	defer os.Unsetenv("TESTSECRET_ASANA_API_KEY")

	integ, err := s.GetIntegration("asana")
	if err != nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if integ.Fields["api_key"] != "env-asana-key" {
		t.Fatalf("expected api_key resolved purely from env, got %+v", integ.Fields)
	}
}

func TestGetIntegrationUnknownNameFails(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetIntegration("nonexistent"); err == nil {
		t.Fatal("expected error for integration with no credentials set")
	}
}

func TestVaultPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		VaultPath:  filepath.Join(dir, "vault"),
		Passphrase: "correct-horse-battery-staple",
		EnvPrefix:  "TESTSECRET_",
	}
	s1, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Set("persisted.key", "persisted-value"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := New(cfg)
	if err != nil {
		t.Fatalf("reopening vault: %v", err)
	}
	got, err := s2.Get("persisted.key")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got != "persisted-value" {
		t.Fatalf("got %q, want persisted-value", got)
	}
}

func TestWrongPassphraseRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault")
	s1, err := New(Config{VaultPath: path, Passphrase: "right-passphrase"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, err = New(Config{VaultPath: path, Passphrase: "wrong-passphrase"})
	if err == nil {
		t.Fatal("expected error opening vault with the wrong passphrase")
	}
}

func TestVaultFilePermissionsAreOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault")
	s, err := New(Config{VaultPath: path, Passphrase: "p"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("vault file permissions = %v, want 0600", perm)
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/utilitywarehouse/repo-mirror/credential"
	"github.com/utilitywarehouse/repo-mirror/repopool"
)

func ptr[T any](v T) *T { return &v }

func Test_validateConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"empty", ``, false},
		{"empty_defaults", "defaults:\n", false},
		{"valid", `
defaults:
  root: /var/lib/repo-mirror
  interval: 3h
  throttle: 60s
  mirror_timeout: 30m
  bare: true
  trust_policy: strict
  cleanup_orphans: true
  auth:
    ssh_key_path: ~/.ssh/id_rsa
    ssh_user: git
    ssh_key_passphrase_env: KEY_PASS
`, false},
		{"unexpected_top_level", "repositories: []\n", true},
		{"unexpected_default", "defaults:\n  git_gc: always\n", true},
		{"unexpected_auth", "defaults:\n  auth:\n    password: secret\n", true},
		{"invalid_defaults", "defaults: [1, 2]\n", true},
		{"invalid_yaml", "defaults: [1, 2\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateConfig([]byte(tt.yaml)); (err != nil) != tt.wantErr {
				t.Errorf("validateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func Test_parseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
defaults:
  root: /var/lib/repo-mirror
  interval: 3h
  throttle: 0s
  bare: true
  trust_policy: strict
  auth:
    ssh_key_path: /etc/ssh/key
    ssh_user: deploy
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := parseConfigFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &repopool.Config{Defaults: repopool.DefaultConfig{
		Root:        "/var/lib/repo-mirror",
		Interval:    3 * time.Hour,
		Throttle:    ptr(time.Duration(0)),
		Bare:        true,
		TrustPolicy: "strict",
		Auth:        repopool.Auth{SSHKeyPath: "/etc/ssh/key", SSHUser: "deploy"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseConfigFile() mismatch (-want +got):\n%s", diff)
	}

	if _, err := parseConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("expected error for missing file")
	}

	got, err = parseConfigFile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(&repopool.Config{}, got); diff != "" {
		t.Errorf("parseConfigFile() mismatch (-want +got):\n%s", diff)
	}
}

func Test_loadConfig(t *testing.T) {
	t.Setenv(repopool.RootEnv, "")

	conf, err := loadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Defaults.Interval != 3*time.Hour || *conf.Defaults.Throttle != time.Minute {
		t.Errorf("defaults not applied: %+v", conf.Defaults)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("defaults:\n  trust_policy: auto-trust\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); !errors.Is(err, repopool.ErrConfig) {
		t.Errorf("expected config error got %v", err)
	}
}

func Test_newCredentials(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("TEST_KEY_PASS", "secret")

	keyPath := filepath.Join(home, ".ssh", "id_rsa")
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		auth repopool.Auth
	}{
		{"default_path", repopool.Auth{SSHUser: "git"}},
		{"home_path", repopool.Auth{SSHKeyPath: "~/.ssh/id_rsa", SSHUser: "git", SSHKeyPassphraseEnv: "TEST_KEY_PASS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := newCredentials(tt.auth, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			// https remotes never need the key
			if am, err := creds.AuthMethod("https://example.test/repo.git"); err != nil || am != nil {
				t.Errorf("expected no auth for https got %v %v", am, err)
			}
			// key file is found but is not a valid key
			_, err = creds.AuthMethod("git@github.com:org/repo.git")
			if !errors.Is(err, credential.ErrCredential) {
				t.Errorf("expected credential error got %v", err)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.MaxMsize != 8192 {
		t.Errorf("MaxMsize = %d, want 8192", cfg.MaxMsize)
	}
	if cfg.QueueDepth != 64 {
		t.Errorf("QueueDepth = %d, want 64", cfg.QueueDepth)
	}
}

func TestLoadServerConfigOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	yaml := "max_msize: 4096\nqueue_depth: 8\nticket_policy: ninedoor\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.MaxMsize != 4096 {
		t.Errorf("MaxMsize = %d, want 4096", cfg.MaxMsize)
	}
	if cfg.QueueDepth != 8 {
		t.Errorf("QueueDepth = %d, want 8", cfg.QueueDepth)
	}
	if cfg.TicketPolicy != PolicyNinedoor {
		t.Errorf("TicketPolicy = %q, want ninedoor", cfg.TicketPolicy)
	}
	// Unset fields keep their defaults.
	if cfg.IdleTimeoutMS != 300000 {
		t.Errorf("IdleTimeoutMS = %d, want default 300000", cfg.IdleTimeoutMS)
	}
}

func TestLoadServerConfigMissingFileIsNotError(t *testing.T) {
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.ListenAddr == "" {
		t.Error("expected default listen addr")
	}
}

func TestResolveAuthToken(t *testing.T) {
	if _, err := ResolveAuthToken("", "COH_AUTH_TOKEN_TEST_UNSET", false); err == nil {
		t.Fatal("expected error when no token configured and default disallowed")
	}

	tok, err := ResolveAuthToken("", "COH_AUTH_TOKEN_TEST_UNSET", true)
	if err != nil {
		t.Fatalf("ResolveAuthToken: %v", err)
	}
	if tok != DefaultAuthToken {
		t.Errorf("token = %q, want default", tok)
	}

	t.Setenv("COH_AUTH_TOKEN_TEST", "from-env")
	tok, err = ResolveAuthToken("", "COH_AUTH_TOKEN_TEST", false)
	if err != nil {
		t.Fatalf("ResolveAuthToken: %v", err)
	}
	if tok != "from-env" {
		t.Errorf("token = %q, want from-env", tok)
	}

	tok, err = ResolveAuthToken("explicit", "COH_AUTH_TOKEN_TEST", false)
	if err != nil {
		t.Fatalf("ResolveAuthToken: %v", err)
	}
	if tok != "explicit" {
		t.Errorf("token = %q, want explicit", tok)
	}
}

func TestEffectiveDeadline(t *testing.T) {
	c := ClientDefaults()
	got := c.EffectiveDeadline()
	want := c.ReadTimeout*4 + c.HeartbeatInterval
	if got != want {
		t.Errorf("EffectiveDeadline = %v, want %v", got, want)
	}
}

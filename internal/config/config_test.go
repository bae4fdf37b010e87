package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("panel:\n  url: wss://panel.local/ws\n  token: ${ELKE27_TEST_TOKEN}\n"), 0600)
	os.Setenv("ELKE27_TEST_TOKEN", "secret123")
	defer os.Unsetenv("ELKE27_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Panel.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.Panel.Token, "secret123")
	}
}

func TestLoad_PanelConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("panel:\n  url: wss://panel.local/ws\n  token: abc123\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !cfg.Panel.Configured() {
		t.Error("expected panel to be configured")
	}
}

func TestPanelConfig_ConfiguredRequiresBoth(t *testing.T) {
	tests := []struct {
		name string
		cfg  PanelConfig
		want bool
	}{
		{"both set", PanelConfig{URL: "wss://x", Token: "t"}, true},
		{"no token", PanelConfig{URL: "wss://x"}, false},
		{"no url", PanelConfig{Token: "t"}, false},
		{"neither", PanelConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyDefaults_Keepalive(t *testing.T) {
	cfg := Default()
	if cfg.Keepalive.MaxMissed != 3 {
		t.Errorf("expected default max_missed 3, got %d", cfg.Keepalive.MaxMissed)
	}
	if cfg.Keepalive.Interval <= 0 {
		t.Error("expected a default keepalive interval")
	}
}

func TestApplyDefaults_MQTTTopicPrefix(t *testing.T) {
	cfg := Default()
	if cfg.MQTT.TopicPrefix != "elke27" {
		t.Errorf("expected default topic_prefix elke27, got %q", cfg.MQTT.TopicPrefix)
	}
}

func TestValidate_ListenPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range listen port")
	}
}

func TestValidate_KeepaliveMaxMissedRejectsZero(t *testing.T) {
	cfg := Default()
	cfg.Keepalive.MaxMissed = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for keepalive.max_missed below 1")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

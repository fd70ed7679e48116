package config

import (
	"os"
	"path/filepath"
	"strings"
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
	os.WriteFile(path, []byte("listen:\n  port: 7330\n"), 0600)

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
	os.WriteFile(path, []byte("data_dir: ${CLASP_TEST_DATADIR}\n"), 0600)
	os.Setenv("CLASP_TEST_DATADIR", "/tmp/clasp-data")
	defer os.Unsetenv("CLASP_TEST_DATADIR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataDir != "/tmp/clasp-data" {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, "/tmp/clasp-data")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("{}\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 7330 {
		t.Errorf("listen.port = %d, want 7330", cfg.Listen.Port)
	}
	if cfg.Discovery.UDPPort != 7331 {
		t.Errorf("discovery.udp_port = %d, want 7331", cfg.Discovery.UDPPort)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("data_dir = %q, want ./data", cfg.DataDir)
	}
}

func TestLoad_Bridges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "bridges:\n" +
		"  - id: stage-osc\n" +
		"    kind: osc\n" +
		"    config:\n" +
		"      listen_addr: \":9000\"\n" +
		"  - kind: mqtt\n" +
		"    config:\n" +
		"      broker: \"tcp://localhost:1883\"\n"
	os.WriteFile(path, []byte(yaml), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Bridges) != 2 {
		t.Fatalf("len(bridges) = %d, want 2", len(cfg.Bridges))
	}
	if cfg.Bridges[0].ID != "stage-osc" {
		t.Errorf("bridges[0].id = %q, want stage-osc", cfg.Bridges[0].ID)
	}
	if cfg.Bridges[1].ID != "bridge-1" {
		t.Errorf("bridges[1].id = %q, want bridge-1 (auto-assigned)", cfg.Bridges[1].ID)
	}
}

func TestValidate_BridgeMissingKind(t *testing.T) {
	cfg := Default()
	cfg.Bridges = []BridgeConfig{{ID: "x"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bridge missing kind")
	}
}

func TestValidate_BridgeDuplicateID(t *testing.T) {
	cfg := Default()
	cfg.Bridges = []BridgeConfig{
		{ID: "a", Kind: "osc"},
		{ID: "a", Kind: "mqtt"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for duplicate bridge id")
	}
	if !strings.Contains(err.Error(), "duplicate id") {
		t.Errorf("error should mention duplicate id, got: %v", err)
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() config failed validation: %v", err)
	}
}

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"idvsdk/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunConfigInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	answers := strings.Join([]string{
		"y",
		"127.0.0.1:9999",
		"http://localhost:9999/",
		"main, side",
		"",
		"https://sync.test.example.com/",
		"n",
		"y",
	}, "\n") + "\n"

	if err := runConfigInit(path, strings.NewReader(answers), discardLogger()); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}

	cfg, err := loadConfig(path, discardLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9999" || cfg.Server.PublicURL != "http://localhost:9999" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if strings.Join(cfg.SDK.Containers, ",") != "main,side" {
		t.Fatalf("unexpected containers %v", cfg.SDK.Containers)
	}
	if cfg.SDK.URLs["sync_url"] != "https://sync.test.example.com" {
		t.Fatalf("unexpected sync url %v", cfg.SDK.URLs)
	}
	if cfg.SDK.Analytics || !cfg.Metrics.Enabled {
		t.Fatalf("unexpected analytics/metrics %v/%v", cfg.SDK.Analytics, cfg.Metrics.Enabled)
	}
}

func TestRunConfigInitRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := runConfigInit(path, strings.NewReader(""), discardLogger()); err == nil {
		t.Fatalf("expected error for existing config")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected init hint, got %v", err)
	}
}

func TestWriteConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := server.DefaultConfig()
	cfg.Sessions.MaxSessions = 5

	if err := writeConfigFile(path, cfg); err != nil {
		t.Fatalf("writeConfigFile returned error: %v", err)
	}
	loaded, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if loaded.Sessions.MaxSessions != 5 {
		t.Fatalf("max sessions not persisted, got %d", loaded.Sessions.MaxSessions)
	}
}

func TestValidateURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := validateURL(context.Background(), srv.URL+"/up"); err != nil {
		t.Fatalf("expected reachable endpoint, got %v", err)
	}
	if err := validateURL(context.Background(), srv.URL+"/down"); err == nil {
		t.Fatalf("expected error for 5xx endpoint")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestNormalizeList(t *testing.T) {
	if got := normalizeList(" , ", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := normalizeList("a, b", nil); strings.Join(got, "|") != "a|b" {
		t.Fatalf("unexpected list %v", got)
	}
}

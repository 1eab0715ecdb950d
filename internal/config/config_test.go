package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AuxiliaryTTL != time.Hour || cfg.PageSize != 50 {
		t.Fatalf("unexpected cache defaults %+v", cfg)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("expected one hour token ttl, got %s", cfg.TokenTTL)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TABLESYNC_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("TABLESYNC_CACHE_PAGE_SIZE", "25")
	t.Setenv("TABLESYNC_CACHE_AUXILIARY_TTL", "15m")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SigningSecret != "from-env" || cfg.PageSize != 25 || cfg.AuxiliaryTTL != 15*time.Minute {
		t.Fatalf("expected environment overrides, got %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(map[string]any)
		contains string
	}{
		{name: "missing secret", mutate: func(values map[string]any) { delete(values, "auth.signing_secret") }, contains: "auth.signing_secret"},
		{name: "page size", mutate: func(values map[string]any) { values["cache.page_size"] = 0 }, contains: "cache.page_size"},
		{name: "log format", mutate: func(values map[string]any) { values["log.format"] = "xml" }, contains: "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := map[string]any{"auth.signing_secret": "secret"}
			tt.mutate(values)
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), tt.contains) {
				t.Fatalf("expected error mentioning %s, got %v", tt.contains, err)
			}
		})
	}
}

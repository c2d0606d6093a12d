package config

import (
	"strings"
	"testing"
)

func baseConfig() *Config {
	return &Config{
		App: AppConfig{Env: "production"},
		Token: TokenConfig{
			IdentityAudience: "auth9",
			ServiceAudience:  "auth9-service",
		},
		RPC: RPCConfig{AuthMode: RPCAuthAPIKey, APIKey: "k"},
	}
}

func TestValidateAcceptsAPIKeyMode(t *testing.T) {
	if err := baseConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	cfg := baseConfig()
	cfg.RPC.APIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for api_key mode without a key")
	}
}

func TestNoneModeOnlyInDevelopment(t *testing.T) {
	for _, env := range []string{"dev", "development", "test"} {
		cfg := baseConfig()
		cfg.App.Env = env
		cfg.RPC = RPCConfig{AuthMode: RPCAuthNone}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("env %q should allow none mode: %v", env, err)
		}
	}
	for _, env := range []string{"staging", "production", "prod"} {
		cfg := baseConfig()
		cfg.App.Env = env
		cfg.RPC = RPCConfig{AuthMode: RPCAuthNone}
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("env %q must refuse none mode", env)
		}
		if !strings.Contains(err.Error(), "not allowed") {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := baseConfig()
	cfg.RPC.AuthMode = "password"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown auth mode")
	}
}

func TestValidateRejectsCollidingAudiences(t *testing.T) {
	cfg := baseConfig()
	cfg.Token.ServiceAudience = cfg.Token.IdentityAudience
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for identical audiences")
	}
}

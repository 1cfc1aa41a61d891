package main

import (
	"strings"
	"testing"

	"ledgerpos/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := []config.Config{
		{JWTSecret: "short"},
		{JWTSecret: strings.Repeat("a", 40)},
		{JWTSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "*", DatabaseURL: "postgres://pos@db/pos"},
	}
	for _, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("expected weak security config to be rejected: %+v", cfg)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		JWTSecret:     "0123456789abcdef0123456789abcdef",
		AllowedOrigin: "https://kasir.example.test",
	})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestNewLoggerHonoursDebugLevel(t *testing.T) {
	logger, err := newLogger("DEBUG")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Fatalf("expected debug level to be enabled")
	}
}

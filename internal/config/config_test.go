package config

import (
	"strings"
	"testing"
	"time"
)

const testKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const testContract = "0x1111111111111111111111111111111111111111"

func validConfig() *Config {
	return &Config{
		Port:              DefaultPort,
		Env:               DefaultEnv,
		RPCURL:            DefaultRPCURL,
		ChainID:           DefaultChainID,
		PrivateKey:        testKey,
		EscrowContract:    testContract,
		ConfirmationDepth: DefaultConfirmationDepth,
		MaxScoreSpread:    DefaultMaxScoreSpread,
		ChallengeWindow:   DefaultChallengeWindow,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidate_PrefixedPrivateKey(t *testing.T) {
	cfg := validConfig()
	cfg.PrivateKey = "0x" + testKey
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate rejected 0x-prefixed key: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing private key", func(c *Config) { c.PrivateKey = "" }, "PRIVATE_KEY"},
		{"short private key", func(c *Config) { c.PrivateKey = "abc123" }, "64 hex"},
		{"missing rpc url", func(c *Config) { c.RPCURL = "" }, "RPC_URL"},
		{"missing escrow contract", func(c *Config) { c.EscrowContract = "" }, "ESCROW_CONTRACT"},
		{"bad escrow address", func(c *Config) { c.EscrowContract = "not-an-address" }, "ESCROW_CONTRACT"},
		{"zero confirmation depth", func(c *Config) { c.ConfirmationDepth = 0 }, "CONFIRMATION_DEPTH"},
		{"score spread too large", func(c *Config) { c.MaxScoreSpread = 150 }, "MAX_SCORE_SPREAD"},
		{"negative challenge window", func(c *Config) { c.ChallengeWindow = -time.Hour }, "CHALLENGE_WINDOW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("ESCROW_CONTRACT", testContract)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %s, want %s", cfg.Port, DefaultPort)
	}
	if cfg.ChainID != DefaultChainID {
		t.Errorf("ChainID = %d, want %d", cfg.ChainID, DefaultChainID)
	}
	if cfg.ConfirmationDepth != DefaultConfirmationDepth {
		t.Errorf("ConfirmationDepth = %d, want %d", cfg.ConfirmationDepth, DefaultConfirmationDepth)
	}
	if cfg.ChallengeWindow != DefaultChallengeWindow {
		t.Errorf("ChallengeWindow = %v, want %v", cfg.ChallengeWindow, DefaultChallengeWindow)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PRIVATE_KEY", testKey)
	t.Setenv("ESCROW_CONTRACT", testContract)
	t.Setenv("CONFIRMATION_DEPTH", "6")
	t.Setenv("MAX_SCORE_SPREAD", "25")
	t.Setenv("CHALLENGE_WINDOW", "48h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ConfirmationDepth != 6 {
		t.Errorf("ConfirmationDepth = %d, want 6", cfg.ConfirmationDepth)
	}
	if cfg.MaxScoreSpread != 25 {
		t.Errorf("MaxScoreSpread = %d, want 25", cfg.MaxScoreSpread)
	}
	if cfg.ChallengeWindow != 48*time.Hour {
		t.Errorf("ChallengeWindow = %v, want 48h", cfg.ChallengeWindow)
	}
}

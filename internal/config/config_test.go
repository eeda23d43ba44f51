package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("AVS_POLL_INTERVAL", "500ms")
	t.Setenv("PRICING_ETH_USD_RATE", "2500.5")
	t.Setenv("REIMBURSEMENT_ENABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}
	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}
	if cfg.AVS.PollInterval != 500*time.Millisecond {
		t.Errorf("AVS.PollInterval = %v, want %v", cfg.AVS.PollInterval, 500*time.Millisecond)
	}
	if cfg.Pricing.EthUSDRate != 2500.5 {
		t.Errorf("Pricing.EthUSDRate = %v, want %v", cfg.Pricing.EthUSDRate, 2500.5)
	}
	if !cfg.Chain.ReimbursementEnabled {
		t.Error("Chain.ReimbursementEnabled = false, want true")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.AVS.VoteThreshold != 2 {
		t.Errorf("AVS.VoteThreshold = %d, want 2", cfg.AVS.VoteThreshold)
	}
	if cfg.AVS.PollMaxAttempts != 10 {
		t.Errorf("AVS.PollMaxAttempts = %d, want 10", cfg.AVS.PollMaxAttempts)
	}
	if cfg.AVS.ApprovalThreshold != 50 {
		t.Errorf("AVS.ApprovalThreshold = %v, want 50", cfg.AVS.ApprovalThreshold)
	}
	if cfg.Auth.ChainID != 17000 {
		t.Errorf("Auth.ChainID = %d, want 17000", cfg.Auth.ChainID)
	}
	if cfg.Auth.SessionTTL != 7*24*time.Hour {
		t.Errorf("Auth.SessionTTL = %v, want 168h", cfg.Auth.SessionTTL)
	}
	if cfg.Chain.LogBatchSize != 5000 {
		t.Errorf("Chain.LogBatchSize = %d, want 5000", cfg.Chain.LogBatchSize)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Auth:    AuthConfig{SessionSecret: strings.Repeat("s", 32)},
			AVS:     AVSConfig{PollMaxAttempts: 10},
			Pricing: PricingConfig{EthUSDRate: 3333, CoverageMultiplier: 2},
			Chain:   ChainConfig{InsurancePool: "0x5FbDB2315678afecb367f032d93F642f64180aa3"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "short session secret",
			mutate:  func(c *Config) { c.Auth.SessionSecret = "short" },
			wantErr: "SESSION_SECRET",
		},
		{
			name:    "bad pool address",
			mutate:  func(c *Config) { c.Chain.InsurancePool = "0x1234" },
			wantErr: "INSURANCE_POOL_ADDRESS",
		},
		{
			name:    "reimbursement without key",
			mutate:  func(c *Config) { c.Chain.ReimbursementEnabled = true },
			wantErr: "REIMBURSEMENT_SIGNER_KEY",
		},
		{
			name:    "zero rate",
			mutate:  func(c *Config) { c.Pricing.EthUSDRate = 0 },
			wantErr: "pricing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "200")
	t.Setenv("TEST_INT_INVALID", "invalid")
	t.Setenv("TEST_FLOAT", "1.5")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "30s")

	if got := getEnv("TEST_MISSING_KEY", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
	if got := getEnvAsInt("TEST_INT", 100); got != 200 {
		t.Errorf("getEnvAsInt() = %v, want 200", got)
	}
	if got := getEnvAsInt("TEST_INT_INVALID", 100); got != 100 {
		t.Errorf("getEnvAsInt() invalid = %v, want 100", got)
	}
	if got := getEnvAsFloat("TEST_FLOAT", 0); got != 1.5 {
		t.Errorf("getEnvAsFloat() = %v, want 1.5", got)
	}
	if got := getEnvAsBool("TEST_BOOL", false); !got {
		t.Error("getEnvAsBool() = false, want true")
	}
	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != 30*time.Second {
		t.Errorf("getEnvAsDuration() = %v, want 30s", got)
	}
}

func TestPostgresURL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", Database: "app", User: "u", Password: "p"}
	want := "postgres://u:p@db:5432/app?sslmode=disable"
	if got := cfg.URL(); got != want {
		t.Errorf("URL() = %v, want %v", got, want)
	}

	cfg.Password = "p@ss/word"
	want = "postgres://u:p%40ss%2Fword@db:5432/app?sslmode=disable"
	if got := cfg.URL(); got != want {
		t.Errorf("URL() with special characters = %v, want %v", got, want)
	}
}

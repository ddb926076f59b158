package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return v
}

// setValidEnv выставляет минимально необходимое окружение
func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("PRIVATE_KEY_ENCRYPTED", "bm90LWEtcmVhbC1rZXk=")
}

func TestLoadDefaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %s, want postgres", cfg.Database.Driver)
	}
	if cfg.Broker.CallTimeout != 10*time.Second {
		t.Errorf("CallTimeout = %v, want 10s", cfg.Broker.CallTimeout)
	}
	if cfg.Broker.LiabilityGracePeriod != time.Hour {
		t.Errorf("LiabilityGracePeriod = %v, want 1h", cfg.Broker.LiabilityGracePeriod)
	}
	if cfg.Blockchain.GasAsset != "ETH" {
		t.Errorf("GasAsset = %s, want ETH", cfg.Blockchain.GasAsset)
	}
	if !cfg.Blockchain.GasBuffer.Equal(mustDecimal(t, "0.05")) {
		t.Errorf("GasBuffer = %s, want 0.05", cfg.Blockchain.GasBuffer)
	}
	if len(cfg.Broker.Exchanges) != 1 || cfg.Broker.Exchanges[0] != "bitmax" {
		t.Errorf("Exchanges = %v, want [bitmax]", cfg.Broker.Exchanges)
	}
}

func TestLoadOverrides(t *testing.T) {
	setValidEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("AGGREGATOR_URL", "ws://localhost:4000/broker")
	t.Setenv("EXCHANGES", "bitmax, kucoin")
	t.Setenv("EMULATOR_BALANCES", "orn:1000, USDT:5000, bad, X:zzz")
	t.Setenv("LIABILITY_GRACE_PERIOD", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Aggregator.URL != "ws://localhost:4000/broker" {
		t.Errorf("Aggregator.URL = %s", cfg.Aggregator.URL)
	}
	if len(cfg.Broker.Exchanges) != 2 || cfg.Broker.Exchanges[1] != "kucoin" {
		t.Errorf("Exchanges = %v, want [bitmax kucoin]", cfg.Broker.Exchanges)
	}
	if cfg.Broker.LiabilityGracePeriod != 30*time.Minute {
		t.Errorf("LiabilityGracePeriod = %v, want 30m", cfg.Broker.LiabilityGracePeriod)
	}

	// Валюты приводятся к верхнему регистру, мусорные пары пропускаются
	balances := cfg.Broker.EmulatorBalances
	if len(balances) != 2 {
		t.Fatalf("EmulatorBalances = %v, want 2 entries", balances)
	}
	if !balances["ORN"].Equal(mustDecimal(t, "1000")) || !balances["USDT"].Equal(mustDecimal(t, "5000")) {
		t.Errorf("EmulatorBalances = %v", balances)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T)
		wantErr string
	}{
		{
			name: "missing encryption key",
			setup: func(t *testing.T) {
				t.Setenv("PRIVATE_KEY_ENCRYPTED", "bm90LWEtcmVhbC1rZXk=")
			},
			wantErr: "ENCRYPTION_KEY",
		},
		{
			name: "short encryption key",
			setup: func(t *testing.T) {
				t.Setenv("ENCRYPTION_KEY", "too-short")
				t.Setenv("PRIVATE_KEY_ENCRYPTED", "bm90LWEtcmVhbC1rZXk=")
			},
			wantErr: "32 bytes",
		},
		{
			name: "missing encrypted private key",
			setup: func(t *testing.T) {
				t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
			},
			wantErr: "PRIVATE_KEY_ENCRYPTED",
		},
		{
			name: "bad aggregator url scheme",
			setup: func(t *testing.T) {
				setValidEnv(t)
				t.Setenv("AGGREGATOR_URL", "https://aggregator.example.com")
			},
			wantErr: "AGGREGATOR_URL",
		},
		{
			name: "bad server port",
			setup: func(t *testing.T) {
				setValidEnv(t)
				t.Setenv("SERVER_PORT", "99999")
			},
			wantErr: "SERVER_PORT",
		},
		{
			name: "zero call timeout",
			setup: func(t *testing.T) {
				setValidEnv(t)
				t.Setenv("CONNECTOR_CALL_TIMEOUT", "0s")
			},
			wantErr: "CONNECTOR_CALL_TIMEOUT",
		},
		{
			name: "negative gas buffer",
			setup: func(t *testing.T) {
				setValidEnv(t)
				t.Setenv("GAS_BUFFER", "-1")
			},
			wantErr: "GAS_BUFFER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup(t)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	db := DatabaseConfig{
		Host:     "db.local",
		Port:     5432,
		User:     "broker",
		Password: "secret",
		Name:     "brokerdb",
		SSLMode:  "disable",
	}

	dsn := db.DSN()
	if !strings.Contains(dsn, "password=secret") {
		t.Errorf("DSN missing password: %s", dsn)
	}

	// Вариант для логов не содержит пароль
	safe := db.DSNWithoutPassword()
	if strings.Contains(safe, "secret") {
		t.Errorf("DSNWithoutPassword leaks password: %s", safe)
	}
	if !strings.Contains(safe, "host=db.local") {
		t.Errorf("DSNWithoutPassword missing host: %s", safe)
	}
}

package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func setCredentials(t *testing.T) {
	t.Setenv("EXCHANGE_API_KEY", "test-key")
	t.Setenv("EXCHANGE_API_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setCredentials(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Exchange.Name != "bybit" {
		t.Errorf("Exchange.Name = %q, want bybit", cfg.Exchange.Name)
	}
	if cfg.Trading.QuoteCurrency != "USDT" {
		t.Errorf("QuoteCurrency = %q, want USDT", cfg.Trading.QuoteCurrency)
	}
	if cfg.Trading.MinFundingRate != 0.0003 {
		t.Errorf("MinFundingRate = %v, want 0.0003", cfg.Trading.MinFundingRate)
	}
	if cfg.Trading.MinVolume24h != 10_000_000 {
		t.Errorf("MinVolume24h = %v, want 10000000", cfg.Trading.MinVolume24h)
	}
	if cfg.Trading.ExitSpread != -0.01 {
		t.Errorf("ExitSpread = %v, want -0.01", cfg.Trading.ExitSpread)
	}
	if cfg.Trading.NegativeFRDebounce != 3 {
		t.Errorf("NegativeFRDebounce = %d, want 3", cfg.Trading.NegativeFRDebounce)
	}
	if cfg.Trading.MaxOpenPositions != 3 {
		t.Errorf("MaxOpenPositions = %d, want 3", cfg.Trading.MaxOpenPositions)
	}
	if cfg.Trading.ScannerPeriod != 60*time.Second {
		t.Errorf("ScannerPeriod = %v, want 60s", cfg.Trading.ScannerPeriod)
	}
	if cfg.Trading.SupervisorPeriod != 5*time.Second {
		t.Errorf("SupervisorPeriod = %v, want 5s", cfg.Trading.SupervisorPeriod)
	}
	if cfg.Database.Name != "fundingarb" {
		t.Errorf("Database.Name = %q, want fundingarb", cfg.Database.Name)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCredentials(t)
	t.Setenv("EXCHANGE", "binance")
	t.Setenv("MIN_FUNDING_RATE", "0.001")
	t.Setenv("MAX_OPEN_POSITIONS", "5")
	t.Setenv("GUARDIAN_PERIOD", "15s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Exchange.Name != "binance" {
		t.Errorf("Exchange.Name = %q, want binance", cfg.Exchange.Name)
	}
	if cfg.Trading.MinFundingRate != 0.001 {
		t.Errorf("MinFundingRate = %v, want 0.001", cfg.Trading.MinFundingRate)
	}
	if cfg.Trading.MaxOpenPositions != 5 {
		t.Errorf("MaxOpenPositions = %d, want 5", cfg.Trading.MaxOpenPositions)
	}
	if cfg.Trading.GuardianPeriod != 15*time.Second {
		t.Errorf("GuardianPeriod = %v, want 15s", cfg.Trading.GuardianPeriod)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"missing api key", "EXCHANGE_API_KEY", "", "EXCHANGE_API_KEY"},
		{"positive exit spread", "EXIT_SPREAD", "0.01", "EXIT_SPREAD"},
		{"zero debounce", "NEGATIVE_FR_DEBOUNCE", "0", "NEGATIVE_FR_DEBOUNCE"},
		{"zero positions", "MAX_OPEN_POSITIONS", "0", "MAX_OPEN_POSITIONS"},
		{"margin high out of range", "MARGIN_USAGE_HIGH", "1.5", "MARGIN_USAGE_HIGH"},
		{"target above high", "MARGIN_USAGE_TARGET", "0.9", "MARGIN_USAGE_TARGET"},
		{"negative notional", "NOTIONAL_PER_ENTRY", "-100", "NOTIONAL_PER_ENTRY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setCredentials(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEmergencyStopEngaged(t *testing.T) {
	t.Setenv("EMERGENCY_STOP", "")
	if EmergencyStopEngaged() {
		t.Error("empty EMERGENCY_STOP must not engage the switch")
	}

	t.Setenv("EMERGENCY_STOP", "true")
	if !EmergencyStopEngaged() {
		t.Error("EMERGENCY_STOP=true must engage the switch")
	}

	// Любое другое значение не считается стопом
	t.Setenv("EMERGENCY_STOP", "1")
	if EmergencyStopEngaged() {
		t.Error("EMERGENCY_STOP=1 must not engage the switch")
	}

	os.Unsetenv("EMERGENCY_STOP")
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5432, Name: "fundingarb",
		User: "bot", Password: "secret", SSLMode: "disable",
	}

	dsn := d.DSN()
	if !strings.Contains(dsn, "password=secret") {
		t.Error("DSN must carry the password")
	}

	safe := d.DSNWithoutPassword()
	if strings.Contains(safe, "secret") {
		t.Error("DSNWithoutPassword must not leak the password")
	}
}

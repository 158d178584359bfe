package l2cap

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"ertm", func(c *Config) { c.Mode = ModeERTM }, false},
		{"imtu too small", func(c *Config) { c.IMTU = 47 }, true},
		{"zero tx window", func(c *Config) { c.TxWindow = 0 }, true},
		{"tx window too large", func(c *Config) { c.TxWindow = 64 }, true},
		{"mps too small", func(c *Config) { c.MaxPDUSize = 10 }, true},
		{"streaming without ertm", func(c *Config) { c.EnableERTM = false; c.Mode = ModeStreaming }, true},
		{"unknown mode", func(c *Config) { c.Mode = 0x02 }, true},
		{"zero ack timeout", func(c *Config) { c.AckTimeout = 0 }, true},
		{"negative monitor timeout", func(c *Config) { c.MonitorTimeout = -time.Second }, true},
		{"zero backlog", func(c *Config) { c.Backlog = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, want error %v", err, tt.wantErr)
			}
			if _, err := NewStack(cfg); (err != nil) != tt.wantErr {
				t.Errorf("NewStack() = %v, want error %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeERTM
	if got := cfg.defaultOptions().Mode; got != ModeERTM {
		t.Errorf("Mode = %s, want ertm", got)
	}
	cfg.EnableERTM = false
	if got := cfg.defaultOptions().Mode; got != ModeBasic {
		t.Errorf("Mode with ertm disabled = %s, want basic", got)
	}
	if got := cfg.localFeatures(); got != FeatureFixedChannels {
		t.Errorf("localFeatures() = %#x, want fixed channels only", got)
	}
}

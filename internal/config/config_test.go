package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServiceName != "gosp" {
		t.Errorf("ServiceName = %q, want gosp", cfg.ServiceName)
	}
	if cfg.PoolPort != 3333 {
		t.Errorf("PoolPort = %d, want 3333", cfg.PoolPort)
	}
	if cfg.ListenAddr != "0.0.0.0" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0", cfg.ListenAddr)
	}
	if cfg.NonceRangeSize != 1<<20 {
		t.Errorf("NonceRangeSize = %d, want %d", cfg.NonceRangeSize, 1<<20)
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Errorf("CallTimeout = %v, want 30s", cfg.CallTimeout)
	}
	if cfg.HasIdentityOverride() {
		t.Error("HasIdentityOverride() = true with no CUSTOM_USER")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POOL_HOST", "pool.test")
	t.Setenv("POOL_PORT", "4444")
	t.Setenv("CUSTOM_USER", "proxyaccount")
	t.Setenv("CUSTOM_PASSWORD", "x")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PoolHost != "pool.test" {
		t.Errorf("PoolHost = %q, want pool.test", cfg.PoolHost)
	}
	if cfg.PoolPort != 4444 {
		t.Errorf("PoolPort = %d, want 4444", cfg.PoolPort)
	}
	if !cfg.HasIdentityOverride() {
		t.Error("HasIdentityOverride() = false with CUSTOM_USER set")
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v, want [k1:9092 k2:9092]", cfg.KafkaBrokers)
	}
}

func TestLoadTorSetsSocks(t *testing.T) {
	t.Setenv("TOR", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.SocksAddr != "127.0.0.1:9050" {
		t.Errorf("SocksAddr = %q, want 127.0.0.1:9050", cfg.SocksAddr)
	}
}

func TestLoadTorKeepsExplicitSocks(t *testing.T) {
	t.Setenv("TOR", "true")
	t.Setenv("SOCKS_ADDR", "10.0.0.1:1080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.SocksAddr != "10.0.0.1:1080" {
		t.Errorf("SocksAddr = %q, want explicit 10.0.0.1:1080", cfg.SocksAddr)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad pool port", map[string]string{"POOL_PORT": "70000"}},
		{"password without user", map[string]string{"CUSTOM_PASSWORD": "secret"}},
		{"bad socks addr", map[string]string{"SOCKS_ADDR": "nohostport"}},
		{"zero nonce range", map[string]string{"NONCE_RANGE_SIZE": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() error = nil, want validation failure")
			}
		})
	}
}

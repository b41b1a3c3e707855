package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ADDR", "")
	t.Setenv("GATEKEEPER_TIMEOUT_MS", "")
	t.Setenv("CERT_VALIDITY_DAYS", "")
	t.Setenv("SHADOW_RETENTION_DAYS", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg := Load()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.GatekeeperTimeout)
	assert.Equal(t, 30*24*time.Hour, cfg.CertValidity)
	assert.Equal(t, 60, cfg.ShadowRetention)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "sha256", cfg.CertHash)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_DISABLED", "yes")
	t.Setenv("GATEKEEPER_URL", "http://gatekeeper:8001/")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("CERT_HASH", "BLAKE3")

	cfg := Load()
	assert.True(t, cfg.AuthDisabled)
	assert.Equal(t, "http://gatekeeper:8001", cfg.GatekeeperURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "blake3", cfg.CertHash)
}

func TestEnvHelpers(t *testing.T) {
	tests := []struct {
		name string
		val  string
		want bool
	}{
		{name: "true", val: "true", want: true},
		{name: "on", val: "ON", want: true},
		{name: "off", val: "off", want: false},
		{name: "garbage_uses_default", val: "maybe", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GRAVITAS_FLAG", tt.val)
			assert.Equal(t, tt.want, EnvBool("GRAVITAS_FLAG", true))
		})
	}

	t.Setenv("GRAVITAS_N", "x")
	assert.Equal(t, 7, EnvInt("GRAVITAS_N", 7))
	t.Setenv("GRAVITAS_N", "-5")
	assert.Equal(t, 3*time.Second, EnvDuration("GRAVITAS_N", 3, time.Second))
}

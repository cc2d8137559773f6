package config

import (
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable LoadFromEnv reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DEBUG", "LOG_FORMAT", "RUNTIME", "NAMESPACE", "POD_NAMESPACE",
		"HEALTH_SERVER_PORT", "MAX_CLIENTS", "RESPONSE_DELAY_MIN", "RESPONSE_DELAY_MAX",
		"FRAMING_MODE", "MAX_FRAME_SIZE", "DISCOVERY_MODE", "STATIC_SERVERS",
		"KUBECONFIG", "KUBE_CONTEXT",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("RUNTIME", "vm")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.MaxClients != 100 {
		t.Errorf("MaxClients = %d, want 100", cfg.MaxClients)
	}
	if cfg.ResponseDelayMin != time.Second || cfg.ResponseDelayMax != 3*time.Second {
		t.Errorf("delay range = %s..%s, want 1s..3s", cfg.ResponseDelayMin, cfg.ResponseDelayMax)
	}
	if cfg.FramingMode != FramingBuffered {
		t.Errorf("FramingMode = %s", cfg.FramingMode)
	}
	if cfg.DiscoveryMode != DiscoveryNone {
		t.Errorf("DiscoveryMode = %s", cfg.DiscoveryMode)
	}
	if cfg.HealthServerPort != "" {
		t.Errorf("HealthServerPort = %q, want disabled", cfg.HealthServerPort)
	}
	if cfg.Runtime != RuntimeVM {
		t.Errorf("Runtime = %s", cfg.Runtime)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("MAX_CLIENTS", "5")
	t.Setenv("RESPONSE_DELAY_MIN", "0")
	t.Setenv("RESPONSE_DELAY_MAX", "250ms")
	t.Setenv("FRAMING_MODE", "legacy")
	t.Setenv("STATIC_SERVERS", "primary=127.0.0.1")
	t.Setenv("HEALTH_SERVER_PORT", "8080")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.LogFormat != "json" || cfg.MaxClients != 5 || cfg.FramingMode != FramingLegacy {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.ResponseDelayMin != 0 || cfg.ResponseDelayMax != 250*time.Millisecond {
		t.Errorf("delay range = %s..%s", cfg.ResponseDelayMin, cfg.ResponseDelayMax)
	}
	if cfg.DiscoveryMode != DiscoveryStatic {
		t.Errorf("DiscoveryMode = %s, want static (auto-detected)", cfg.DiscoveryMode)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"too many clients", map[string]string{"MAX_CLIENTS": "101"}, "MAX_CLIENTS"},
		{"zero clients", map[string]string{"MAX_CLIENTS": "0"}, "MAX_CLIENTS"},
		{"inverted delay", map[string]string{"RESPONSE_DELAY_MIN": "3s", "RESPONSE_DELAY_MAX": "1s"}, "delay"},
		{"framing", map[string]string{"FRAMING_MODE": "chunked"}, "FRAMING_MODE"},
		{"log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"health port", map[string]string{"HEALTH_SERVER_PORT": "http"}, "HEALTH_SERVER_PORT"},
		{"static without servers", map[string]string{"DISCOVERY_MODE": "static"}, "STATIC_SERVERS"},
		{"k8s in container", map[string]string{"DISCOVERY_MODE": "kubernetes", "RUNTIME": "docker"}, "KUBECONFIG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

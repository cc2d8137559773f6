package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hasirciogluhq/xcipher/internal/registry"
)

// RuntimeEnvironment represents the execution environment
type RuntimeEnvironment string

const (
	RuntimeKubernetes RuntimeEnvironment = "kubernetes"
	RuntimeContainer  RuntimeEnvironment = "container"
	RuntimeVM         RuntimeEnvironment = "vm"
)

// DiscoveryMode represents how the client turns a server name into an address
type DiscoveryMode string

const (
	DiscoveryNone       DiscoveryMode = "none"
	DiscoveryStatic     DiscoveryMode = "static"
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
)

// FramingMode selects how the server splits the byte stream into frames
type FramingMode string

const (
	// FramingBuffered keeps partial frames per connection until both line
	// terminators have arrived.
	FramingBuffered FramingMode = "buffered"
	// FramingLegacy interprets every read on its own and drops reads that
	// carry no key terminator.
	FramingLegacy FramingMode = "legacy"
)

// Config holds all application configuration
type Config struct {
	// Core
	Debug     bool
	LogFormat string // text, json

	// Runtime
	Runtime   RuntimeEnvironment
	Namespace string // Only for Kubernetes discovery

	// Server
	HealthServerPort string // empty disables the health server
	MaxClients       int
	ResponseDelayMin time.Duration
	ResponseDelayMax time.Duration
	FramingMode      FramingMode
	MaxFrameSize     int

	// Client discovery
	DiscoveryMode  DiscoveryMode
	StaticServers  string
	KubeConfigPath string
	KubeContext    string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Debug:     getEnvBool("DEBUG", false),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		Runtime:   determineRuntime(),
		Namespace: determineNamespace(),

		HealthServerPort: getEnv("HEALTH_SERVER_PORT", ""),
		MaxClients:       getEnvInt("MAX_CLIENTS", registry.DefaultCapacity),
		ResponseDelayMin: getEnvDuration("RESPONSE_DELAY_MIN", time.Second),
		ResponseDelayMax: getEnvDuration("RESPONSE_DELAY_MAX", 3*time.Second),
		FramingMode:      FramingMode(strings.ToLower(getEnv("FRAMING_MODE", string(FramingBuffered)))),
		MaxFrameSize:     getEnvInt("MAX_FRAME_SIZE", 64*1024),

		DiscoveryMode:  determineDiscoveryMode(),
		StaticServers:  getEnv("STATIC_SERVERS", ""),
		KubeConfigPath: getEnv("KUBECONFIG", ""),
		KubeContext:    getEnv("KUBE_CONTEXT", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate ensures configuration is coherent
func (c *Config) validate() error {
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unsupported LOG_FORMAT: %s (supported: text, json)", c.LogFormat)
	}

	if c.MaxClients < 1 || c.MaxClients > registry.DefaultCapacity {
		return fmt.Errorf("MAX_CLIENTS must be between 1 and %d, got %d", registry.DefaultCapacity, c.MaxClients)
	}

	if c.ResponseDelayMin < 0 || c.ResponseDelayMax < c.ResponseDelayMin {
		return fmt.Errorf("invalid response delay range: RESPONSE_DELAY_MIN=%s RESPONSE_DELAY_MAX=%s",
			c.ResponseDelayMin, c.ResponseDelayMax)
	}

	switch c.FramingMode {
	case FramingBuffered, FramingLegacy:
	default:
		return fmt.Errorf("unsupported FRAMING_MODE: %s (supported: %s, %s)", c.FramingMode, FramingBuffered, FramingLegacy)
	}

	if c.MaxFrameSize < 2 {
		return fmt.Errorf("MAX_FRAME_SIZE must be at least 2, got %d", c.MaxFrameSize)
	}

	if c.HealthServerPort != "" {
		if p, err := strconv.Atoi(c.HealthServerPort); err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("invalid HEALTH_SERVER_PORT: %s", c.HealthServerPort)
		}
	}

	if c.DiscoveryMode == DiscoveryStatic && c.StaticServers == "" {
		return fmt.Errorf("STATIC_SERVERS must be set when using static discovery")
	}

	if c.DiscoveryMode == DiscoveryKubernetes && c.Runtime == RuntimeContainer && c.KubeConfigPath == "" {
		return fmt.Errorf("kubernetes discovery in container runtime requires KUBECONFIG path")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvDuration accepts Go durations ("1500ms") or plain seconds ("2").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func determineRuntime() RuntimeEnvironment {
	// Explicit runtime setting
	if runtime := os.Getenv("RUNTIME"); runtime != "" {
		switch strings.ToLower(runtime) {
		case "kubernetes", "k8s":
			return RuntimeKubernetes
		case "container", "docker":
			return RuntimeContainer
		case "vm", "virtual-machine", "bare-metal":
			return RuntimeVM
		}
	}

	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount"); err == nil {
		return RuntimeKubernetes
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return RuntimeContainer
	}

	return RuntimeVM
}

func determineNamespace() string {
	if ns := os.Getenv("NAMESPACE"); ns != "" {
		return ns
	}

	// Kubernetes downward API
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}

	// Read from service account (in-cluster)
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return strings.TrimSpace(string(data))
	}

	return "default"
}

func determineDiscoveryMode() DiscoveryMode {
	if mode := os.Getenv("DISCOVERY_MODE"); mode != "" {
		switch strings.ToLower(mode) {
		case "static":
			return DiscoveryStatic
		case "kubernetes", "k8s":
			return DiscoveryKubernetes
		default:
			return DiscoveryNone
		}
	}

	// Auto-detect: Static if STATIC_SERVERS is set
	if os.Getenv("STATIC_SERVERS") != "" {
		return DiscoveryStatic
	}

	return DiscoveryNone
}

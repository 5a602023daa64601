package config

import (
	"os"
	"strings"
	"time"
)

// C2Config configures the connection to the command-and-control platform.
// Mirrors original_source/models/config.py's LatticeConfig, including its
// ${ENV_VAR} substitution convention for secrets.
type C2Config struct {
	URL             string
	EnvironmentToken string
	SandboxToken     string
	Timeout          time.Duration
	RetryAttempts    int
	VerifySSL        bool
	IntegrationName  string
}

// DefaultC2Config returns defaults; tokens are read from the environment
// rather than hardcoded.
func DefaultC2Config() C2Config {
	return C2Config{
		URL:              envOr("C2_URL", "https://c2.example.internal"),
		EnvironmentToken: firstNonEmptyEnv("ENVIRONMENT_TOKEN", "C2_BEARER_TOKEN", "C2_TOKEN"),
		SandboxToken:     os.Getenv("C2_SANDBOX_TOKEN"),
		Timeout:          30 * time.Second,
		RetryAttempts:    3,
		VerifySSL:        true,
		IntegrationName:  envOr("C2_INTEGRATION_NAME", "dronebridge"),
	}
}

// ResolvePlaceholder substitutes a "${ENV_VAR}" style value with the named
// environment variable, returning the input unchanged otherwise. Ported
// from original_source/models/config.py's MiddlewareConfig.from_dict.
func ResolvePlaceholder(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		name := value[2 : len(value)-1]
		return os.Getenv(name)
	}
	return value
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func firstNonEmptyEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

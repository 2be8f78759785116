package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// KeyInfo describes a config key for display: its name, effective value,
// and where the value came from (default, config file, or environment).
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Source string
}

// ShowAll returns every non-secret config key with its effective value.
// Secrets never appear here, so `config show` cannot leak them.
func ShowAll(cfg Config) []KeyInfo {
	b := newPlatformBackend()
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		info := KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
			Source: "default",
		}
		if _, ok, err := b.GetString(s.key); err == nil && ok {
			info.Source = "config"
		}
		if s.env != "" && os.Getenv(s.env) != "" {
			info.Source = "env"
		}
		result = append(result, info)
	}
	return result
}

// SetKey validates and writes a config key to the platform backend.
func SetKey(key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		if err := validateKey(key, value); err != nil {
			return err
		}
		b := newPlatformBackend()
		switch s.typ {
		case kString, kBool, kFloat:
			return b.SetString(key, value)
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		}
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// validateKey applies per-key range and enum checks beyond basic typing.
func validateKey(key, value string) error {
	switch key {
	case "server.port":
		p, err := strconv.Atoi(value)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("server.port must be a port number between 1 and 65535")
		}
	case "log.level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("log.level must be one of debug, info, warn, error")
		}
	case "gateway.rate_limit":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("gateway.rate_limit must be a non-negative number")
		}
	case "server.max_conns", "gateway.rate_burst", "auth.token_ttl_minutes":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
	}
	return nil
}

// ValidKeys returns the settable (non-secret) config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

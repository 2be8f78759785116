package config

import (
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"strings"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Embed   EmbedConfig
	Auth    AuthConfig
	Gateway GatewayConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir string
	TempDir string
}

type EmbedConfig struct {
	BaseURL string
	Model   string
}

type AuthConfig struct {
	JWTSecret     string
	AdminPassword string
	TokenTTLMin   int

	// SecretGenerated is true when no signing secret was configured and an
	// ephemeral one was generated. Tokens then expire on process restart.
	SecretGenerated bool
}

type GatewayConfig struct {
	RateLimit float64
	RateBurst int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:     8000,
			MaxConns: 256,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Embed: EmbedConfig{
			BaseURL: "http://localhost:11434",
			Model:   "nomic-embed-text",
		},
		Auth: AuthConfig{
			AdminPassword: "admin",
			TokenTTLMin:   720,
		},
		Gateway: GatewayConfig{
			RateLimit: 50,
			RateBurst: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.pictag.app) and the JWT
// signing secret falls back to macOS Keychain.
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/pictag/config.yaml
// and secrets come from environment variables or the secrets file.
//
// Environment variables (PICTAG_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts platform secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform secret store for the signing secret if still empty.
	if cfg.Auth.JWTSecret == "" {
		if key, err := kc.Get("pictag", "jwt_secret"); err == nil && key != "" {
			cfg.Auth.JWTSecret = key
		}
	}

	// No static default exists for the signing secret; generate one
	// instead of refusing to start.
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = randomSecret()
		cfg.Auth.SecretGenerated = true
	}

	if cfg.Storage.TempDir == "" {
		cfg.Storage.TempDir = filepath.Join(cfg.Storage.DataDir, "tmp")
	}

	return cfg, nil
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// No fallback: tokens must never be signed with a guessable key.
		panic("config: generating signing secret: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

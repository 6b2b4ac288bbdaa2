package tool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/moyoez/vaultdrop/types"
)

var ConfigPath = "config.yaml" // be aware that it can be changed, default to ./config.yaml

func DefaultConfig() types.AppConfig {
	return types.AppConfig{
		Server: types.ServerConfig{
			Port:     3333,
			Protocol: "http",
		},
		Storage: types.StorageConfig{
			UploadsDir:             "uploads",
			TempDir:                "temp-uploads",
			PresignedURLExpiration: 3600,
		},
		S3: types.S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
	}
}

// LoadConfig reads path, creating it with defaults when missing, then
// applies .env and process environment overrides. Overrides are not written
// back to the file.
func LoadConfig(path string) (types.AppConfig, error) {
	if path == "" {
		path = ConfigPath
	}
	ConfigPath = path

	cfg := DefaultConfig()
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if writeErr := SaveConfig(path, cfg); writeErr != nil {
			return cfg, fmt.Errorf("config file not found, and failed to generate default config: %w", writeErr)
		}
		DefaultLogger.Infof("Created new config file at %s", path)
	case err != nil:
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	case info.IsDir():
		return cfg, fmt.Errorf("config file path is a directory: %s", path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// the .env file is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		DefaultLogger.Warnf("Failed to load .env: %v", err)
	}
	if err := ApplyEnv(&cfg, nil); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from environ, or from the process environment when
// environ is nil.
func ApplyEnv(cfg *types.AppConfig, environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

func SaveConfig(path string, cfg types.AppConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Redacted returns a copy of cfg safe to print.
func Redacted(cfg types.AppConfig) types.AppConfig {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	cfg.Storage.EncryptionKey = mask(cfg.Storage.EncryptionKey)
	cfg.S3.AccessKey = mask(cfg.S3.AccessKey)
	cfg.S3.SecretKey = mask(cfg.S3.SecretKey)
	cfg.Server.KeyPEM = mask(cfg.Server.KeyPEM)
	return cfg
}

// PersistCert stores a certificate pair in the config file at path without
// applying environment overrides, so secrets from the environment never land
// on disk.
func PersistCert(path, certPEM, keyPEM string) error {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.Server.CertPEM = certPEM
	cfg.Server.KeyPEM = keyPEM
	return SaveConfig(path, cfg)
}

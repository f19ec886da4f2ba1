package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the LRM gateway.
type Config struct {
	General  GeneralConfig  `json:"general"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	API      APIConfig      `json:"api"`
	Store    StoreConfig    `json:"store"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"` // debug | info | warn | error
	DataDir  string `json:"dataDir"`
}

// WhatsAppConfig selects and configures the messaging transport.
// Selection precedence: UseRPC > UseCloudAPI > web automation (default).
// When neither flag is set here, the factory falls back to the
// LRM_WHATSAPP_RPC / LRM_WHATSAPP_CLOUD environment toggles.
type WhatsAppConfig struct {
	UseRPC      bool        `json:"useRpc"`
	UseCloudAPI bool        `json:"useCloudApi"`
	CountryCode string      `json:"countryCode"` // default "55"
	Cloud       CloudConfig `json:"cloud"`
	Web         WebConfig   `json:"web"`
	RPC         RPCConfig   `json:"rpc"`
}

// CloudConfig holds WhatsApp Business Cloud API credentials.
type CloudConfig struct {
	APIBase       string `json:"apiBase,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	AppSecret     string `json:"appSecret,omitempty"` // enables X-Hub-Signature-256 verification when set
}

// WebConfig configures the browser-automation transport.
type WebConfig struct {
	ProfileDir       string `json:"profileDir,omitempty"` // Chrome user data dir (persists the session)
	Headless         bool   `json:"headless"`
	QRTimeoutSeconds int    `json:"qrTimeoutSeconds"` // how long to wait for the human scan
}

// RPCConfig configures the subprocess tool-RPC transport.
type RPCConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StoreConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// Environment toggles recognized when the corresponding config fields are unset.
const (
	EnvUseRPC        = "LRM_WHATSAPP_RPC"
	EnvUseCloud      = "LRM_WHATSAPP_CLOUD"
	EnvAccessToken   = "LRM_WHATSAPP_ACCESS_TOKEN"
	EnvPhoneNumberID = "LRM_WHATSAPP_PHONE_NUMBER_ID"
	EnvVerifyToken   = "LRM_WHATSAPP_VERIFY_TOKEN"
	EnvAppSecret     = "LRM_WHATSAPP_APP_SECRET"
	EnvRPCCommand    = "LRM_WHATSAPP_RPC_COMMAND"
)

// DefaultConfigDir returns the default config directory (~/.lrmgateway).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lrmgateway"
	}
	return filepath.Join(home, ".lrmgateway")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.WhatsApp.Web.ProfileDir = ExpandPath(cfg.WhatsApp.Web.ProfileDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if cfg.WhatsApp.UseRPC && cfg.WhatsApp.UseCloudAPI {
		errs = append(errs, "whatsapp.useRpc and whatsapp.useCloudApi are mutually exclusive")
	}
	if cfg.WhatsApp.CountryCode != "" {
		for _, r := range cfg.WhatsApp.CountryCode {
			if r < '0' || r > '9' {
				errs = append(errs, "whatsapp.countryCode must contain digits only")
				break
			}
		}
	}
	if cfg.WhatsApp.Web.QRTimeoutSeconds < 0 {
		errs = append(errs, "whatsapp.web.qrTimeoutSeconds must be >= 0")
	}
	if cfg.WhatsApp.UseCloudAPI {
		if cfg.WhatsApp.Cloud.AccessToken == "" && os.Getenv(EnvAccessToken) == "" {
			errs = append(errs, "whatsapp.cloud.accessToken is required for the cloud transport")
		}
		if cfg.WhatsApp.Cloud.PhoneNumberID == "" && os.Getenv(EnvPhoneNumberID) == "" {
			errs = append(errs, "whatsapp.cloud.phoneNumberId is required for the cloud transport")
		}
	}

	if cfg.Store.Enabled && cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required when the store is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// unresolved reports whether a secret is empty or still an unexpanded ${VAR}.
func unresolved(s string) bool {
	return strings.TrimSpace(s) == "" || envVarPattern.MatchString(s)
}

// expandSensitiveFields processes environment variable references in
// credential fields so keys and tokens can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Token = expandEnvVars(cfg.Gateway.Auth.Token)
	cfg.Gateway.PublicURL = expandEnvVars(cfg.Gateway.PublicURL)
	cfg.Rooms.APIKey = expandEnvVars(cfg.Rooms.APIKey)
	cfg.Telephony.AccountSID = expandEnvVars(cfg.Telephony.AccountSID)
	cfg.Telephony.AuthToken = expandEnvVars(cfg.Telephony.AuthToken)
	cfg.Telephony.FromNumber = expandEnvVars(cfg.Telephony.FromNumber)
	cfg.Storage.AccessKeyID = expandEnvVars(cfg.Storage.AccessKeyID)
	cfg.Storage.SecretAccessKey = expandEnvVars(cfg.Storage.SecretAccessKey)
	cfg.Storage.CredentialsFile = expandEnvVars(cfg.Storage.CredentialsFile)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			expandSensitiveFields(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields left empty by the config file.
func applyDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = d.Gateway.Auth.Mode
	}
	if cfg.Rooms.BaseURL == "" {
		cfg.Rooms.BaseURL = d.Rooms.BaseURL
	}
	if cfg.Rooms.MaxSessionTime == 0 {
		cfg.Rooms.MaxSessionTime = d.Rooms.MaxSessionTime
	}
	if cfg.Telephony.BaseURL == "" {
		cfg.Telephony.BaseURL = d.Telephony.BaseURL
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = d.Storage.Backend
	}
	if cfg.Archive.DefaultBucket == "" {
		cfg.Archive.DefaultBucket = d.Archive.DefaultBucket
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = d.Archive.Prefix
	}
	if cfg.Archive.Extension == "" {
		cfg.Archive.Extension = d.Archive.Extension
	}
	if cfg.Archive.ContentType == "" {
		cfg.Archive.ContentType = d.Archive.ContentType
	}
	if cfg.Archive.FetchTimeout == 0 {
		cfg.Archive.FetchTimeout = d.Archive.FetchTimeout
	}
	if cfg.Archive.UploadTimeout == 0 {
		cfg.Archive.UploadTimeout = d.Archive.UploadTimeout
	}
	if cfg.Archive.Workers == 0 {
		cfg.Archive.Workers = d.Archive.Workers
	}
	if cfg.Archive.QueueSize == 0 {
		cfg.Archive.QueueSize = d.Archive.QueueSize
	}
	if cfg.Archive.InitialDelay == 0 {
		cfg.Archive.InitialDelay = d.Archive.InitialDelay
	}
	if cfg.Archive.MaxDelay == 0 {
		cfg.Archive.MaxDelay = d.Archive.MaxDelay
	}
	if cfg.Agent.Command == "" {
		cfg.Agent.Command = d.Agent.Command
	}
	if cfg.Agent.StopGrace == 0 {
		cfg.Agent.StopGrace = d.Agent.StopGrace
	}
	if cfg.Provisioning.Timeout == 0 {
		cfg.Provisioning.Timeout = d.Provisioning.Timeout
	}
	if cfg.Bridge.DrainTimeout == 0 {
		cfg.Bridge.DrainTimeout = d.Bridge.DrainTimeout
	}
	if cfg.Bridge.SendQueue == 0 {
		cfg.Bridge.SendQueue = d.Bridge.SendQueue
	}
	if cfg.Bridge.ReadLimit == 0 {
		cfg.Bridge.ReadLimit = d.Bridge.ReadLimit
	}
	if cfg.Bridge.PingInterval == 0 {
		cfg.Bridge.PingInterval = d.Bridge.PingInterval
	}
	if cfg.Bridge.WriteTimeout == 0 {
		cfg.Bridge.WriteTimeout = d.Bridge.WriteTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = d.Logging.ConsoleStyle
	}
}

// applyEnvOverrides reads VOXGATE_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VOXGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("VOXGATE_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("VOXGATE_PUBLIC_URL"); v != "" {
		cfg.Gateway.PublicURL = v
	}
	if v := os.Getenv("VOXGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("VOXGATE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("VOXGATE_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
}

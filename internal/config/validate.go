package config

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
// Missing provider secrets are reported here so the gateway can refuse to start.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	validAuthModes := []string{"none", "token"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.Auth.Mode == "token" && unresolved(cfg.Gateway.Auth.Token) {
		add("gateway.auth.token", "token is required when auth mode is token")
	}
	if cfg.Gateway.PublicURL != "" {
		if u, err := url.Parse(cfg.Gateway.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("gateway.publicUrl", "must be an absolute URL, got %q", cfg.Gateway.PublicURL)
		}
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}
	if cfg.Gateway.SessionRate.PerSecond < 0 {
		add("gateway.sessionRate.perSecond", "must not be negative")
	}

	// Agent bots
	if len(cfg.Agent.Bots) == 0 {
		add("agent.bots", "at least one bot profile is required")
	}
	names := make([]string, 0, len(cfg.Agent.Bots))
	for name := range cfg.Agent.Bots {
		names = append(names, name)
	}
	sort.Strings(names)
	validTransports := []string{TransportRoom, TransportTelephony}
	for _, name := range names {
		p := cfg.Agent.Bots[name]
		if !slices.Contains(validTransports, p.Transport) {
			add("agent.bots."+name+".transport", "must be one of %v, got %q", validTransports, p.Transport)
		}
		if p.Script == "" {
			add("agent.bots."+name+".script", "script is required")
		}
	}
	if cfg.Agent.Command == "" {
		add("agent.command", "command is required")
	}
	if cfg.Agent.StopGrace < 0 {
		add("agent.stopGrace", "must not be negative")
	}

	// Provider secrets, only for the transports actually in use.
	if cfg.Agent.HasTransport(TransportRoom) {
		if unresolved(cfg.Rooms.APIKey) {
			add("rooms.apiKey", "room provider API key is not set")
		}
		validRecording := []string{"", "cloud", "local", "raw-tracks"}
		if !slices.Contains(validRecording, cfg.Rooms.EnableRecording) {
			add("rooms.enableRecording", "must be one of %v, got %q", validRecording, cfg.Rooms.EnableRecording)
		}
	}
	if cfg.Agent.HasTransport(TransportTelephony) {
		if unresolved(cfg.Telephony.AccountSID) {
			add("telephony.accountSid", "telephony account SID is not set")
		}
		if unresolved(cfg.Telephony.AuthToken) {
			add("telephony.authToken", "telephony auth token is not set")
		}
		if unresolved(cfg.Telephony.FromNumber) {
			add("telephony.fromNumber", "telephony caller number is not set")
		}
		if cfg.Gateway.PublicURL == "" {
			add("gateway.publicUrl", "required when a telephony bot is configured")
		}
	}

	// Storage
	switch cfg.Storage.Backend {
	case "s3":
		if unresolved(cfg.Storage.AccessKeyID) || unresolved(cfg.Storage.SecretAccessKey) {
			add("storage", "s3 credentials (accessKeyId, secretAccessKey) are not set")
		}
		if cfg.Storage.Region == "" {
			add("storage.region", "region is required for s3")
		}
	case "gcs":
		if unresolved(cfg.Storage.CredentialsFile) {
			add("storage.credentialsFile", "required for gcs")
		}
	default:
		add("storage.backend", "must be one of [s3 gcs], got %q", cfg.Storage.Backend)
	}

	// Archive
	if cfg.Archive.DefaultBucket == "" {
		add("archive.defaultBucket", "default bucket is required")
	}
	if cfg.Archive.Workers < 0 {
		add("archive.workers", "must not be negative")
	}
	if cfg.Archive.MaxRetries < 0 {
		add("archive.maxRetries", "must not be negative")
	}

	// Logging
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	return issues
}

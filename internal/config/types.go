package config

import "time"

// Config is the root configuration for the voxgate gateway.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway,omitempty"`
	Rooms        RoomsConfig        `yaml:"rooms,omitempty"`
	Telephony    TelephonyConfig    `yaml:"telephony,omitempty"`
	Storage      StorageConfig      `yaml:"storage,omitempty"`
	Archive      ArchiveConfig      `yaml:"archive,omitempty"`
	Agent        AgentConfig        `yaml:"agent,omitempty"`
	Provisioning ProvisioningConfig `yaml:"provisioning,omitempty"`
	Bridge       BridgeConfig       `yaml:"bridge,omitempty"`
	Store        StoreConfig        `yaml:"store,omitempty"`
	Logging      LoggingConfig      `yaml:"logging,omitempty"`
	Hooks        HooksConfig        `yaml:"hooks,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	PublicURL      string      `yaml:"publicUrl,omitempty"` // externally reachable base URL, e.g. https://calls.example.com
	AllowedHosts   []string    `yaml:"allowedHosts,omitempty"`
	CORSOrigins    []string    `yaml:"corsOrigins,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	// LegacyErrorStatus answers every failure with HTTP 500.
	LegacyErrorStatus bool       `yaml:"legacyErrorStatus,omitempty"`
	SessionRate       RateConfig `yaml:"sessionRate,omitempty"`
	AutoRestart       bool       `yaml:"autoRestart,omitempty"`
}

// GatewayAuth configures gateway authentication for the session API.
type GatewayAuth struct {
	Mode  string `yaml:"mode,omitempty"` // "none" | "token"
	Token string `yaml:"token,omitempty"`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// RateConfig is a token-bucket limit. A zero PerSecond disables limiting.
type RateConfig struct {
	PerSecond float64 `yaml:"perSecond,omitempty"`
	Burst     int     `yaml:"burst,omitempty"`
}

// RoomsConfig configures the media room provider.
type RoomsConfig struct {
	APIKey          string        `yaml:"apiKey,omitempty"`
	BaseURL         string        `yaml:"baseUrl,omitempty"`
	MaxSessionTime  time.Duration `yaml:"maxSessionTime,omitempty"`
	EnableRecording string        `yaml:"enableRecording,omitempty"` // "cloud" | "local" | "" (off)
	Retries         int           `yaml:"retries,omitempty"`
}

// TelephonyConfig configures the telephony provider.
type TelephonyConfig struct {
	AccountSID        string `yaml:"accountSid,omitempty"`
	AuthToken         string `yaml:"authToken,omitempty"`
	FromNumber        string `yaml:"fromNumber,omitempty"`
	BaseURL           string `yaml:"baseUrl,omitempty"`
	ValidateSignature bool   `yaml:"validateSignature,omitempty"`
	Retries           int    `yaml:"retries,omitempty"`
}

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	Backend         string `yaml:"backend,omitempty"` // "s3" | "gcs"
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	PathStyle       bool   `yaml:"pathStyle,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	CredentialsFile string `yaml:"credentialsFile,omitempty"` // gcs service account JSON
	SpoolDir        string `yaml:"spoolDir,omitempty"`
}

// ArchiveConfig controls recording archival.
type ArchiveConfig struct {
	Buckets       map[string]string `yaml:"buckets,omitempty"` // botType -> bucket
	DefaultBucket string            `yaml:"defaultBucket,omitempty"`
	Prefix        string            `yaml:"prefix,omitempty"`
	Extension     string            `yaml:"extension,omitempty"`
	ContentType   string            `yaml:"contentType,omitempty"`
	FetchTimeout  time.Duration     `yaml:"fetchTimeout,omitempty"`
	UploadTimeout time.Duration     `yaml:"uploadTimeout,omitempty"`
	Workers       int               `yaml:"workers,omitempty"`
	QueueSize     int               `yaml:"queueSize,omitempty"`
	MaxRetries    int               `yaml:"maxRetries,omitempty"`
	InitialDelay  time.Duration     `yaml:"initialDelay,omitempty"`
	MaxDelay      time.Duration     `yaml:"maxDelay,omitempty"`
}

// BucketFor routes a bot type to its archive bucket.
func (a ArchiveConfig) BucketFor(botType string) string {
	if b, ok := a.Buckets[botType]; ok && b != "" {
		return b
	}
	return a.DefaultBucket
}

// AgentConfig controls how agent processes are launched.
type AgentConfig struct {
	Command   string                `yaml:"command,omitempty"`
	StopGrace time.Duration         `yaml:"stopGrace,omitempty"`
	Bots      map[string]BotProfile `yaml:"bots,omitempty"`
}

// Transport values for BotProfile.
const (
	TransportRoom      = "room"
	TransportTelephony = "telephony"
)

// DefaultBotType is used when a request names no bot type.
const DefaultBotType = "defaultBot"

// BotProfile binds a bot type to a media transport and an agent script.
type BotProfile struct {
	Transport string `yaml:"transport"`
	Script    string `yaml:"script"`
}

// Profile resolves the profile for botType, falling back to the default bot.
func (a AgentConfig) Profile(botType string) (BotProfile, bool) {
	if p, ok := a.Bots[botType]; ok {
		return p, true
	}
	p, ok := a.Bots[DefaultBotType]
	return p, ok
}

// HasTransport reports whether any bot profile uses the transport.
func (a AgentConfig) HasTransport(transport string) bool {
	for _, p := range a.Bots {
		if p.Transport == transport {
			return true
		}
	}
	return false
}

// ProvisioningConfig bounds calls to the room and telephony providers.
type ProvisioningConfig struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// BridgeConfig tunes telephony media bridges.
type BridgeConfig struct {
	DrainTimeout time.Duration `yaml:"drainTimeout,omitempty"`
	SendQueue    int           `yaml:"sendQueue,omitempty"`
	ReadLimit    int64         `yaml:"readLimit,omitempty"`
	PingInterval time.Duration `yaml:"pingInterval,omitempty"`
	WriteTimeout time.Duration `yaml:"writeTimeout,omitempty"`
}

// StoreConfig locates the SQLite ledger.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"` // empty = <home>/data/voxgate.db
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}

// HooksConfig defines shell hooks run on lifecycle events.
type HooksConfig struct {
	SessionStart      []HookEntry `yaml:"sessionStart,omitempty"`
	SessionEnd        []HookEntry `yaml:"sessionEnd,omitempty"`
	RecordingArchived []HookEntry `yaml:"recordingArchived,omitempty"`
	GatewayStart      []HookEntry `yaml:"gatewayStart,omitempty"`
	GatewayStop       []HookEntry `yaml:"gatewayStop,omitempty"`
}

// HookEntry defines a single hook action.
type HookEntry struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout,omitempty"` // milliseconds
}

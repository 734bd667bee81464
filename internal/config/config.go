package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Port:        8765,
			Bind:        "lan",
			CORSOrigins: []string{"*"},
			Auth:        GatewayAuth{Mode: "none"},
			SessionRate: RateConfig{PerSecond: 5, Burst: 10},
		},
		Rooms: RoomsConfig{
			APIKey:          "${DAILY_API_KEY}",
			BaseURL:         "https://api.daily.co/v1",
			MaxSessionTime:  15 * time.Minute,
			EnableRecording: "cloud",
			Retries:         2,
		},
		Telephony: TelephonyConfig{
			AccountSID: "${TWILIO_ACCOUNT_SID}",
			AuthToken:  "${TWILIO_AUTH_TOKEN}",
			FromNumber: "${TWILIO_PHONE_NUMBER}",
			BaseURL:    "https://api.twilio.com",
			Retries:    2,
		},
		Storage: StorageConfig{
			Backend:         "s3",
			Region:          "us-east-1",
			AccessKeyID:     "${AWS_ACCESS_KEY_ID}",
			SecretAccessKey: "${AWS_SECRET_ACCESS_KEY}",
		},
		Archive: ArchiveConfig{
			Buckets: map[string]string{
				"salesBot":        "nectasalescalls",
				"customerCareBot": "nectacustomercarecalls",
			},
			DefaultBucket: "nectadefaultcalls",
			Prefix:        "recordings/",
			Extension:     ".mp4",
			ContentType:   "video/mp4",
			FetchTimeout:  5 * time.Minute,
			UploadTimeout: 10 * time.Minute,
			Workers:       2,
			QueueSize:     64,
			MaxRetries:    5,
			InitialDelay:  10 * time.Second,
			MaxDelay:      5 * time.Minute,
		},
		Agent: AgentConfig{
			Command:   "python3",
			StopGrace: 10 * time.Second,
			Bots: map[string]BotProfile{
				"salesBot":        {Transport: TransportTelephony, Script: "bot/test.py"},
				"customerCareBot": {Transport: TransportRoom, Script: "bot/bot.py"},
				DefaultBotType:    {Transport: TransportRoom, Script: "bot/bot.py"},
			},
		},
		Provisioning: ProvisioningConfig{Timeout: 20 * time.Second},
		Bridge: BridgeConfig{
			DrainTimeout: 2 * time.Second,
			SendQueue:    256,
			ReadLimit:    1 << 20,
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}

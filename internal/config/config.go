package config

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
)

// Config is the single settings record for the whole process. Everything
// comes from the environment; JSON-valued variables are validated at load.
type Config struct {
	DBDSN    string
	RedisDSN string
	HTTPAddr string
	LogLevel string

	// Client auth token for the /mj endpoints; empty disables auth.
	APISecret string
	// Operator key for the admin account endpoints.
	AdminSecret string

	// Account selection policy: best-wait-idle | random | weight | polling
	AccountChooseRule string

	// Discord endpoints. The reverse-proxy overrides default to the
	// official endpoints when empty.
	DiscordServerURL string
	DiscordCDNURL    string
	DiscordWSSURL    string
	DiscordResumeWSS string

	// Callback dispatch.
	NotifyHook     string
	NotifySecret   string
	NotifyPoolSize int

	// Per-account defaults applied when the stored account leaves the
	// field unset.
	DefaultCoreSize       int
	DefaultQueueSize      int
	DefaultTimeoutMinutes int
	DefaultIntervalSec    float64

	// Image mirroring (R2/S3). Optional.
	R2Endpoint string
	R2Bucket   string
	R2KeysRaw  string

	// Human verification (cf challenge) solver.
	CaptchaServerURL string
	CaptchaSecret    string

	// Disable notifications.
	SMTPHost string
	SMTPPort int
	SMTPFrom string
	SMTPPass string
	SMTPTo   string
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:             os.Getenv("DB_DSN"),
		RedisDSN:          getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		APISecret:         getenvDefault("API_SECRET", ""),
		AdminSecret:       getenvDefault("ADMIN_SECRET", ""),
		AccountChooseRule: getenvDefault("ACCOUNT_CHOOSE_RULE", "best-wait-idle"),

		DiscordServerURL: getenvDefault("DISCORD_SERVER_URL", "https://discord.com"),
		DiscordCDNURL:    getenvDefault("DISCORD_CDN_URL", "https://cdn.discordapp.com"),
		DiscordWSSURL:    getenvDefault("DISCORD_WSS_URL", "wss://gateway.discord.gg"),
		DiscordResumeWSS: getenvDefault("DISCORD_RESUME_WSS_URL", ""),

		NotifyHook:     getenvDefault("NOTIFY_HOOK", ""),
		NotifySecret:   getenvDefault("NOTIFY_SECRET", ""),
		NotifyPoolSize: getenvInt("NOTIFY_POOL_SIZE", 10),

		DefaultCoreSize:       getenvInt("ACCOUNT_CORE_SIZE", 3),
		DefaultQueueSize:      getenvInt("ACCOUNT_QUEUE_SIZE", 10),
		DefaultTimeoutMinutes: getenvInt("ACCOUNT_TIMEOUT_MINUTES", 5),
		DefaultIntervalSec:    getenvFloat("ACCOUNT_INTERVAL_SEC", 1.2),

		R2Endpoint: getenvDefault("R2_ENDPOINT", ""),
		R2Bucket:   getenvDefault("R2_BUCKET", ""),
		R2KeysRaw:  os.Getenv("R2_KEYS"),

		CaptchaServerURL: getenvDefault("CAPTCHA_SERVER_URL", ""),
		CaptchaSecret:    getenvDefault("CAPTCHA_SECRET", ""),

		SMTPHost: getenvDefault("SMTP_HOST", ""),
		SMTPPort: getenvInt("SMTP_PORT", 587),
		SMTPFrom: getenvDefault("SMTP_FROM", ""),
		SMTPPass: os.Getenv("SMTP_PASS"),
		SMTPTo:   getenvDefault("SMTP_TO", ""),
	}

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}

	switch cfg.AccountChooseRule {
	case "best-wait-idle", "random", "weight", "polling":
	default:
		return Config{}, errors.New("ACCOUNT_CHOOSE_RULE must be one of best-wait-idle, random, weight, polling")
	}

	// light validation: composite secrets must be valid json if set
	if cfg.R2KeysRaw != "" {
		var tmp any
		if err := json.Unmarshal([]byte(cfg.R2KeysRaw), &tmp); err != nil {
			return Config{}, errors.New("R2_KEYS must be valid json")
		}
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

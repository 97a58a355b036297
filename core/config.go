package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type HTTPConfig struct {
	Addr         string `koanf:"addr" mapstructure:"addr"`
	MaxBodyBytes int64  `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type TelephonyConfig struct {
	Enabled          bool   `koanf:"enabled" mapstructure:"enabled"`
	AccountSID       string `koanf:"account_sid" mapstructure:"account_sid"`
	AuthToken        string `koanf:"auth_token" mapstructure:"auth_token"`
	FromNumber       string `koanf:"from_number" mapstructure:"from_number"`
	FlowSID          string `koanf:"flow_sid" mapstructure:"flow_sid"`
	APIBaseURL       string `koanf:"api_base_url" mapstructure:"api_base_url"`
	StudioBaseURL    string `koanf:"studio_base_url" mapstructure:"studio_base_url"`
	CallTimeout      string `koanf:"call_timeout" mapstructure:"call_timeout"`
	InterCallDelay   string `koanf:"inter_call_delay" mapstructure:"inter_call_delay"`
	RingTime         int    `koanf:"ring_time" mapstructure:"ring_time"`
	AnswerTimeout    int    `koanf:"answer_timeout" mapstructure:"answer_timeout"`
	MachineDetection string `koanf:"machine_detection" mapstructure:"machine_detection"`
}

type EmailConfig struct {
	Enabled     bool   `koanf:"enabled" mapstructure:"enabled"`
	Host        string `koanf:"host" mapstructure:"host"`
	Port        int    `koanf:"port" mapstructure:"port"`
	Username    string `koanf:"username" mapstructure:"username"`
	Password    string `koanf:"password" mapstructure:"password"`
	FromAddress string `koanf:"from_address" mapstructure:"from_address"`
	FromName    string `koanf:"from_name" mapstructure:"from_name"`
}

type WebhooksConfig struct {
	ValidateSignature bool   `koanf:"validate_signature" mapstructure:"validate_signature"`
	PublicBaseURL     string `koanf:"public_base_url" mapstructure:"public_base_url"`
	Workers           int    `koanf:"workers" mapstructure:"workers"`
	QueueSize         int    `koanf:"queue_size" mapstructure:"queue_size"`
	ClaimTTL          string `koanf:"claim_ttl" mapstructure:"claim_ttl"`
	MaxAttempts       int    `koanf:"max_attempts" mapstructure:"max_attempts"`
}

type CallLogConfig struct {
	Capacity     int    `koanf:"capacity" mapstructure:"capacity"`
	RecentWindow string `koanf:"recent_window" mapstructure:"recent_window"`
}

type ScannerConfig struct {
	Enabled     bool   `koanf:"enabled" mapstructure:"enabled"`
	Schedule    string `koanf:"schedule" mapstructure:"schedule"`
	Concurrency int    `koanf:"concurrency" mapstructure:"concurrency"`
}

type CronConfig struct {
	APIToken string `koanf:"api_token" mapstructure:"api_token"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	AppURL      string          `koanf:"app_url" mapstructure:"app_url"`
	Timezone    string          `koanf:"timezone" mapstructure:"timezone"`
	HTTP        HTTPConfig      `koanf:"http" mapstructure:"http"`
	Database    DatabaseConfig  `koanf:"database" mapstructure:"database"`
	Telephony   TelephonyConfig `koanf:"telephony" mapstructure:"telephony"`
	Email       EmailConfig     `koanf:"email" mapstructure:"email"`
	Webhooks    WebhooksConfig  `koanf:"webhooks" mapstructure:"webhooks"`
	CallLog     CallLogConfig   `koanf:"call_log" mapstructure:"call_log"`
	Scanner     ScannerConfig   `koanf:"scanner" mapstructure:"scanner"`
	Cron        CronConfig      `koanf:"cron" mapstructure:"cron"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "deadlines",
		AppURL:      "http://localhost:8080",
		Timezone:    "UTC",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    "file:deadlines.db?cache=shared&_foreign_keys=on",
		},
		Telephony: TelephonyConfig{
			Enabled:          true,
			APIBaseURL:       "https://api.twilio.com",
			StudioBaseURL:    "https://studio.twilio.com",
			CallTimeout:      "30s",
			InterCallDelay:   "1s",
			RingTime:         20,
			AnswerTimeout:    60,
			MachineDetection: "Enable",
		},
		Email: EmailConfig{
			Port:     587,
			FromName: "Happy Transfer System",
		},
		Webhooks: WebhooksConfig{
			Workers:     4,
			QueueSize:   256,
			ClaimTTL:    "10m",
			MaxAttempts: 3,
		},
		CallLog: CallLogConfig{
			Capacity:     100,
			RecentWindow: "5m",
		},
		Scanner: ScannerConfig{
			Enabled:     true,
			Schedule:    "@every 5m",
			Concurrency: 4,
		},
	}
}

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch strings.TrimSpace(c.Database.Driver) {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("core: database.driver %q is invalid", c.Database.Driver)
	}
	if c.Database.Driver != DriverMemory && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("core: database.dsn is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.CallLog.Capacity <= 0 {
		return fmt.Errorf("core: call_log.capacity must be positive")
	}
	for key, value := range map[string]string{
		"telephony.call_timeout":     c.Telephony.CallTimeout,
		"telephony.inter_call_delay": c.Telephony.InterCallDelay,
		"webhooks.claim_ttl":         c.Webhooks.ClaimTTL,
		"call_log.recent_window":     c.CallLog.RecentWindow,
	} {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := time.ParseDuration(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("core: %s is invalid: %w", key, err)
		}
	}
	return nil
}

// Location resolves the zone used for dates spoken on calls and written in
// reminders. An empty value means UTC.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("core: timezone %q is invalid: %w", name, err)
	}
	return loc, nil
}

// ValidateTelephony reports missing provider credentials as a configuration error.
func (c TelephonyConfig) ValidateTelephony() error {
	if !c.Enabled {
		return nil
	}
	missing := []string{}
	for key, value := range map[string]string{
		"account_sid": c.AccountSID,
		"auth_token":  c.AuthToken,
		"from_number": c.FromNumber,
		"flow_sid":    c.FlowSID,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return ConfigError("core: telephony credentials are required", map[string]any{
		"missing": missing,
	})
}

// ValidateEmail reports an incomplete SMTP section when email is enabled.
func (c EmailConfig) ValidateEmail() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Host) == "" || strings.TrimSpace(c.FromAddress) == "" {
		return ConfigError("core: email host and from_address are required", map[string]any{
			"host": c.Host,
		})
	}
	return nil
}

// Duration parses value and falls back when it is empty or malformed.
func Duration(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	DatabaseURL        string
	JWTSecret          string
	SchemaPath         string
	CORSAllowedOrigins []string
	TrustedProxies     []netip.Prefix
	AppTimezone        string
	LogLevel           string
	RequestTimeout     time.Duration
	LoginRateLimit     int
	CalfMaturityMonths int
	DayEnd             DayEndConfig
	Mongo              MongoConfig
	Sheets             SheetsConfig
	SMTP               SMTPConfig
}

// DayEndConfig controls the scheduled day-end summary trigger.
type DayEndConfig struct {
	Enabled              bool
	DayEndHour           int
	TriggerMinutesBefore int
}

// MongoConfig enables the Mongo summary archive when URI is set.
type MongoConfig struct {
	URI    string
	DBName string
}

// SheetsConfig enables the Google Sheets summary export when both fields are set.
type SheetsConfig struct {
	CredentialsPath string
	SpreadsheetID   string
	Range           string
}

type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromEmail   string
	FromName    string
	ReportEmail string
}

// LoadEnvFiles loads the given .env files without overriding variables that
// are already present in the environment. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func Load() (Config, error) {
	cfg := Config{
		Port:               getEnvOrDefault("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		SchemaPath:         getEnvOrDefault("DB_SCHEMA_PATH", "db/schema.sql"),
		CORSAllowedOrigins: splitCSVEnv(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173")),
		AppTimezone:        getEnvOrDefault("APP_TIMEZONE", "Africa/Nairobi"),
		LogLevel:           strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		Mongo: MongoConfig{
			URI:    strings.TrimSpace(os.Getenv("MONGODB_URI")),
			DBName: getEnvOrDefault("MONGODB_DB_NAME", "dairyfarm"),
		},
		Sheets: SheetsConfig{
			CredentialsPath: strings.TrimSpace(os.Getenv("GOOGLE_SHEETS_CREDENTIALS_PATH")),
			SpreadsheetID:   strings.TrimSpace(os.Getenv("GOOGLE_SHEET_DATABASE_ID")),
			Range:           getEnvOrDefault("GOOGLE_SHEET_SUMMARY_RANGE", "Summaries!A:H"),
		},
		SMTP: SMTPConfig{
			Host:        strings.TrimSpace(os.Getenv("SMTP_HOST")),
			Port:        getEnvOrDefault("SMTP_PORT", "587"),
			Username:    strings.TrimSpace(os.Getenv("SMTP_USERNAME")),
			Password:    normalizeSMTPPassword(os.Getenv("SMTP_PASSWORD")),
			FromEmail:   getEnvOrDefault("FROM_EMAIL", "noreply@dairyfarm.local"),
			FromName:    getEnvOrDefault("FROM_NAME", "Dairy Farm"),
			ReportEmail: strings.TrimSpace(os.Getenv("SUMMARY_REPORT_EMAIL")),
		},
	}

	var err error
	if cfg.TrustedProxies, err = parseProxies(splitCSVEnv(os.Getenv("TRUSTED_PROXIES"))); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LoginRateLimit, err = intEnv("LOGIN_RATE_LIMIT", 10); err != nil {
		return Config{}, err
	}
	if cfg.CalfMaturityMonths, err = intEnv("CALF_MATURITY_MONTHS", 12); err != nil {
		return Config{}, err
	}
	if cfg.DayEnd.Enabled, err = boolEnv("DAY_END_TRIGGER_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.DayEnd.DayEndHour, err = intEnv("DAY_END_HOUR", 24); err != nil {
		return Config{}, err
	}
	if cfg.DayEnd.TriggerMinutesBefore, err = intEnv("DAY_END_TRIGGER_MINUTES_BEFORE", 60); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("missing required environment variable: DATABASE_URL")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("missing required environment variable: JWT_SECRET")
	}
	if _, err := time.LoadLocation(c.AppTimezone); err != nil {
		return fmt.Errorf("invalid APP_TIMEZONE %q: %w", c.AppTimezone, err)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be positive")
	}
	if c.LoginRateLimit < 1 {
		return errors.New("LOGIN_RATE_LIMIT must be at least 1")
	}
	if c.CalfMaturityMonths < 1 {
		return errors.New("CALF_MATURITY_MONTHS must be at least 1")
	}
	if c.DayEnd.DayEndHour < 1 || c.DayEnd.DayEndHour > 24 {
		return errors.New("DAY_END_HOUR must be between 1 and 24")
	}
	if c.DayEnd.TriggerMinutesBefore < 0 || c.DayEnd.TriggerMinutesBefore > c.DayEnd.DayEndHour*60 {
		return errors.New("DAY_END_TRIGGER_MINUTES_BEFORE must be between 0 and DAY_END_HOUR*60")
	}
	return nil
}

// Location resolves AppTimezone; Validate guarantees it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.AppTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnvOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func intEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. 15s): %w", key, err)
	}
	return d, nil
}

// parseProxies accepts CIDR ranges and bare addresses, the latter as a
// single-host prefix.
func parseProxies(items []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range items {
		if p, err := netip.ParsePrefix(item); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q", item)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func splitCSVEnv(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		item := strings.TrimSpace(p)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func normalizeSMTPPassword(v string) string {
	return strings.ReplaceAll(strings.TrimSpace(v), " ", "")
}

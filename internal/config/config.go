package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// KnownPIITypes are the PII type names accepted in detection settings.
var KnownPIITypes = []string{"national_id", "tax_id", "bank_account", "voter_id", "passport"}

// envBindings maps config keys to the plain environment variables the
// deployment has always used, on top of the SENTINEL_ prefixed ones.
var envBindings = map[string][]string{
	"search.api_keys":    {"GOOGLE_API_KEYS"},
	"search.engine_ids":  {"GOOGLE_SEARCH_ENGINE_IDS"},
	"report.smtp_server": {"SMTP_SERVER"},
	"report.smtp_port":   {"SMTP_PORT"},
	"report.from":        {"SMTP_EMAIL"},
	"report.password":    {"SMTP_PASSWORD"},
	"report.to":          {"CERT_IN_EMAIL"},
	"storage.dsn":        {"DATABASE_URL"},
	"cache.redis_url":    {"REDIS_URL"},
	"events.amqp.url":    {"AMQP_URL"},
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// Watch re-reads the configuration file on every change and hands the
// validated result to callback. Invalid revisions go to onError and the
// previous configuration stays in effect.
func Watch(configPath string, callback func(*Config), onError func(error)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		callback(cfg)
	})
	v.WatchConfig()

	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/leak-sentinel/")
	v.AddConfigPath("$HOME/.leak-sentinel/")

	// Environment variable overrides
	v.SetEnvPrefix("SENTINEL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, names := range envBindings {
		prefixed := "SENTINEL_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		_ = v.BindEnv(append([]string{key, prefixed}, names...)...)
	}

	// Use specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	config := GetDefaults()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadDotEnv populates the process environment from a local .env file.
// Variables already set win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func normalize(config *Config) {
	config.Search.APIKeys = splitList(config.Search.APIKeys)
	config.Search.EngineIDs = splitList(config.Search.EngineIDs)
	config.Scan.FileTypes = splitList(config.Scan.FileTypes)
	config.Detection.EnabledTypes = splitList(config.Detection.EnabledTypes)
	for i, ft := range config.Scan.FileTypes {
		config.Scan.FileTypes[i] = strings.ToLower(strings.TrimPrefix(ft, "."))
	}
}

// splitList flattens comma separated entries and drops blanks.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if err := validateDetection(&config.Detection); err != nil {
		return err
	}

	if len(config.Search.APIKeys) != len(config.Search.EngineIDs) {
		return fmt.Errorf("search: %d api keys but %d engine ids (must pair up)",
			len(config.Search.APIKeys), len(config.Search.EngineIDs))
	}

	if config.Search.DailyQuota <= 0 {
		return fmt.Errorf("search: daily_quota must be positive, got %d", config.Search.DailyQuota)
	}

	if config.Search.MaxRetries < 0 {
		return fmt.Errorf("search: max_retries must not be negative")
	}

	if config.Scan.Workers <= 0 {
		return fmt.Errorf("scan: workers must be positive, got %d", config.Scan.Workers)
	}

	if config.Storage.Driver != "sqlite" && config.Storage.Driver != "postgres" {
		return fmt.Errorf("invalid storage driver: %s (must be sqlite or postgres)", config.Storage.Driver)
	}

	if config.Report.Enabled && (config.Report.SMTPServer == "" || config.Report.To == "") {
		return fmt.Errorf("report: smtp_server and to are required when reporting is enabled")
	}

	return nil
}

func validateDetection(d *DetectionConfig) error {
	for _, name := range d.EnabledTypes {
		if name != "all" && !isKnownType(name) {
			return fmt.Errorf("detection: unknown pii type %q", name)
		}
	}

	for name, override := range d.Types {
		if !isKnownType(name) {
			return fmt.Errorf("detection: override for unknown pii type %q", name)
		}
		if override.BaseWeight < 0 || override.BaseWeight > 100 {
			return fmt.Errorf("detection: base_weight for %s must be within 0..100", name)
		}
	}

	if d.ScoreRadius < 0 || d.EvidenceRadius < 0 {
		return fmt.Errorf("detection: radii must not be negative")
	}

	if d.MinConfidence < 0 || d.MinConfidence > 100 {
		return fmt.Errorf("detection: min_confidence must be within 0..100")
	}

	if utf8.RuneCountInString(d.MaskChar) != 1 {
		return fmt.Errorf("detection: mask_char must be a single character, got %q", d.MaskChar)
	}

	return nil
}

func isKnownType(name string) bool {
	for _, known := range KnownPIITypes {
		if name == known {
			return true
		}
	}
	return false
}

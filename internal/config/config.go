package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version and Commit are set at runtime from build information
var (
	Version = "dev"
	Commit  = "unknown"
)

// EnvPrefix prefixes every environment override: RELAY_STORE_URL, RELAY_SERVER_MAX_TTL, ...
const EnvPrefix = "RELAY"

var validate = validator.New()

var (
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	pubkeyPattern   = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// Config holds every sub‑config.
type Config struct {
	General GeneralConfig `mapstructure:"GENERAL" json:"general" validate:"required"`
	Server  ServerConfig  `mapstructure:"SERVER"  json:"server"  validate:"required"`
	Auth    AuthConfig    `mapstructure:"AUTH"    json:"auth"    validate:"required"`
	Store   StoreConfig   `mapstructure:"STORE"   json:"store"   validate:"required"`
	Logging LoggingConfig `mapstructure:"LOGGING" json:"logging" validate:"required"`
	Metrics MetricsConfig `mapstructure:"METRICS" json:"metrics" validate:"required"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(performCrossFieldValidation, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	validators := map[string]validator.Func{
		"wsaddr":              validateWSAddr,
		"store_url":           validateStoreURL,
		"pubkey":              func(fl validator.FieldLevel) bool { return pubkeyPattern.MatchString(fl.Field().String()) },
		"reasonable_duration": durationBetween(time.Second, 24*time.Hour),
		"timeout_duration":    durationBetween(time.Second, time.Hour),
		"log_level": func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case "debug", "info", "warn", "error", "fatal":
				return true
			}
			return false
		},
		"log_format": func(fl validator.FieldLevel) bool {
			format := fl.Field().String()
			return format == "console" || format == "json"
		},
	}

	for tag, fn := range validators {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			logger.Error("Failed to register validator", zap.String("tag", tag), zap.Error(err))
		}
	}
}

// validateWSAddr accepts ":port" and "host:port".
func validateWSAddr(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return false
	}
	if host == "" || net.ParseIP(host) != nil {
		return true
	}
	return hostnamePattern.MatchString(host)
}

func validateStoreURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "redis", "rediss", "postgres", "postgresql":
		return u.Host != ""
	case "memory":
		return true
	}
	return false
}

func durationBetween(lo, hi time.Duration) validator.Func {
	return func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(time.Duration)
		return ok && d >= lo && d <= hi
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	// Liveness pings are written with the write timeout; a sweep must outlast it.
	if cfg.Server.HeartbeatInterval <= cfg.Server.WriteTimeout {
		sl.ReportError(cfg.Server.HeartbeatInterval, "HeartbeatInterval", "HeartbeatInterval", "heartbeat_too_short", "")
	}

	if _, port, err := net.SplitHostPort(cfg.Server.WSAddr); err == nil && cfg.Metrics.Enabled {
		if port == strconv.Itoa(cfg.Metrics.Port) {
			sl.ReportError(cfg.Metrics.Port, "Port", "Port", "port_conflict", "")
		}
	}

	seen := make(map[string]struct{}, len(cfg.Auth.Whitelist))
	for _, entry := range cfg.Auth.Whitelist {
		key := strings.ToLower(entry.PublicKey)
		if _, dup := seen[key]; dup {
			sl.ReportError(entry.PublicKey, "PublicKey", "PublicKey", "duplicate_key", "")
		}
		seen[key] = struct{}{}
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v, commit string) {
	Version = v
	Commit = commit
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.String("store", redactURL(cfg.Store.URL)),
		)
	}
	return &cfg, nil
}

// Validate runs struct and cross-field validation.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// InitLogger initializes the global logger from the LoggingConfig.
func InitLogger(cfg LoggingConfig, nodeID string) error {
	return logger.Init(
		logger.WithLevel(cfg.Level),
		logger.WithFormat(cfg.Format),
		logger.WithFile(cfg.FilePath),
		logger.WithVersion(Version),
		logger.WithNodeID(nodeID),
		logger.WithRotation(cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge),
	)
}

// ReloadLogLevel re-reads the configuration and applies its log level to the
// running logger. Other settings need a restart.
func ReloadLogLevel(path string) (string, error) {
	cfg, err := Load(path, nil)
	if err != nil {
		return "", err
	}
	if err := logger.UpdateLevel(cfg.Logging.Level); err != nil {
		return "", err
	}
	return cfg.Logging.Level, nil
}

// decodeHook lets environment strings populate durations, comma lists and the
// JSON-encoded whitelist.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		jsonStringToStructSliceHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func jsonStringToStructSliceHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.Struct {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		out := reflect.New(to)
		if raw == "" {
			return out.Elem().Interface(), nil
		}
		if err := json.Unmarshal([]byte(raw), out.Interface()); err != nil {
			return nil, fmt.Errorf("decode %s from JSON: %w", to, err)
		}
		return out.Elem().Interface(), nil
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		messages = append(messages, getFieldErrorMessage(fieldError))
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s (got: %v)", field, param, value)
	case "alphanum":
		return fmt.Sprintf("%s must be alphanumeric (got: %v)", field, value)
	case "wsaddr":
		return fmt.Sprintf("%s must be a valid address in format ':port' or 'host:port' (got: %v)", field, value)
	case "store_url":
		return fmt.Sprintf("%s must be a redis://, rediss://, postgres:// or memory:// URL", field)
	case "pubkey":
		return fmt.Sprintf("%s must be a 64-character hexadecimal ed25519 public key (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "heartbeat_too_short":
		return fmt.Sprintf("%s must be longer than the write timeout", field)
	case "port_conflict":
		return "metrics port conflicts with the WebSocket listen port, they must be different"
	case "ip|cidr":
		return fmt.Sprintf("%s must be an IP address or CIDR (got: %v)", field, value)
	case "duplicate_key":
		return fmt.Sprintf("whitelist public key %v is listed more than once", value)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"golang.org/x/net/http/httpguts"

	"github.com/haukened/httpbl-authd/internal/httpbl/domain"
)

// EnvPrefix is the prefix of every environment variable the service reads.
const EnvPrefix = "HTTPBL_"

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// AccessKey is the Project Honeypot http:BL access key.
	AccessKey string `koanf:"access_key" validate:"required,alphanum"`

	// BindAddress is the host:port the HTTP endpoint listens on.
	BindAddress string `koanf:"bind_address" validate:"required,hostname_port"`

	// ClientIPHeader names the request header carrying the original client IP, e.g. "x-real-ip".
	ClientIPHeader string `koanf:"client_ip_header" validate:"required,header_name"`

	// BlockMinThreatScore blocks listed addresses whose threat score is at least this value.
	BlockMinThreatScore uint8 `koanf:"block_min_threat_score"`

	// BlockTypeMask blocks listed addresses sharing any type bit: 1=Suspicious, 2=Harvester, 4=Comment Spammer.
	// Any uint8 is accepted; 255 blocks every listed type.
	BlockTypeMask uint8 `koanf:"block_type_mask"`

	// AllowSearchEngines lets verified crawlers through.
	AllowSearchEngines bool `koanf:"allow_search_engines"`

	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Servers is a list of upstream DNS servers in ip:port format.
	// When empty the nameservers from /etc/resolv.conf are used.
	Servers []string `koanf:"servers" validate:"omitempty,dive,ip_port"`

	// FanOut queries every upstream server at once instead of only the first.
	FanOut bool `koanf:"fan_out"`

	// UpstreamTimeout bounds a lookup when the request carries no deadline.
	UpstreamTimeout time.Duration `koanf:"upstream_timeout" validate:"gt=0"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DEFAULT_APP_CONFIG defines the defaults applied before the environment is read.
// There is no default access key; it must always be supplied.
var DEFAULT_APP_CONFIG = AppConfig{
	BindAddress:         "127.0.0.1:8080",
	ClientIPHeader:      "x-real-ip",
	BlockMinThreatScore: 25,
	BlockTypeMask:       0,
	AllowSearchEngines:  true,
	Env:                 "prod",
	LogLevel:            "info",
	UpstreamTimeout:     2 * time.Second,
	ShutdownTimeout:     10 * time.Second,
}

// DotenvFile is loaded into the process environment before configuration is
// parsed, if it exists. Variables already set in the environment win.
var DotenvFile = ".env"

// Policy projects the blocking settings into the immutable domain policy.
func (c *AppConfig) Policy() domain.Policy {
	return domain.Policy{
		BlockMinThreatScore: c.BlockMinThreatScore,
		BlockTypeMask:       domain.TypeMask(c.BlockTypeMask),
		AllowSearchEngines:  c.AllowSearchEngines,
	}
}

// LogFields returns the configuration as log fields with the access key withheld.
func (c *AppConfig) LogFields() map[string]any {
	return map[string]any{
		"env":                    c.Env,
		"log_level":              c.LogLevel,
		"bind_address":           c.BindAddress,
		"client_ip_header":       c.ClientIPHeader,
		"block_min_threat_score": c.BlockMinThreatScore,
		"block_type_mask":        c.BlockTypeMask,
		"allow_search_engines":   c.AllowSearchEngines,
		"servers":                c.Servers,
		"fan_out":                c.FanOut,
		"upstream_timeout":       c.UpstreamTimeout.String(),
	}
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0
}

// validHeaderName accepts RFC 7230 field names.
func validHeaderName(fl validator.FieldLevel) bool {
	return httpguts.ValidHeaderFieldName(fl.Field().String())
}

// dotenvLoader merges DotenvFile into the process environment. A missing file is not an error.
var dotenvLoader = func() error {
	err := godotenv.Load(DotenvFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// envLoader loads environment variables with the HTTPBL_ prefix, lowercasing
// the keys and splitting space or comma separated values into lists.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom "ip_port" and "header_name" rules.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	return v.RegisterValidation("header_name", validHeaderName)
}

// Load parses the environment (after merging an optional .env file) and
// returns a validated AppConfig.
func Load() (*AppConfig, error) {
	if err := dotenvLoader(); err != nil {
		return nil, fmt.Errorf("error loading %s: %w", DotenvFile, err)
	}

	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

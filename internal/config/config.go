package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/harvester/internal/platform/auth"
	"github.com/ehr/harvester/internal/platform/httpclient"
)

// PatientIDPlaceholder is replaced with each patient's id in resource
// queries.
const PatientIDPlaceholder = "#{patientId}"

// ClientConfig is one server registration.
type ClientConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	ClientID      string `mapstructure:"client_id"`
	TokenEndpoint string `mapstructure:"token_endpoint"`
	// PrivateJWK is an inline private key; PrivateJWKFile points at one.
	PrivateJWK     map[string]interface{} `mapstructure:"private_jwk"`
	PrivateJWKFile string                 `mapstructure:"private_jwk_file"`
	ClientSecret   string                 `mapstructure:"client_secret"`
}

// ResourceQuery is a resource type and the search query run for it per
// patient, e.g. {Observation, "?patient=#{patientId}"}.
type ResourceQuery struct {
	Type  string `mapstructure:"type"`
	Query string `mapstructure:"query"`
}

// Build substitutes the patient id into the query.
func (r ResourceQuery) Build(patientID string) string {
	return r.Type + strings.ReplaceAll(r.Query, PatientIDPlaceholder, patientID)
}

type Config struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`

	GroupID     string `mapstructure:"group_id"`
	Destination string `mapstructure:"destination"`

	Throttle        time.Duration `mapstructure:"throttle"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MinPollInterval time.Duration `mapstructure:"min_poll_interval"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval"`
	MaxFileSize     int64         `mapstructure:"max_file_size"`

	RetryStatusCodes []int         `mapstructure:"retry_status_codes"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RetryLimit       int           `mapstructure:"retry_limit"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ManualRetry      bool          `mapstructure:"manual_retry"`

	Parallel  int             `mapstructure:"parallel"`
	Resources []ResourceQuery `mapstructure:"resources"`

	BulkClient ClientConfig `mapstructure:"bulk_client"`
	FHIRClient ClientConfig `mapstructure:"fhir_client"`
}

// envKeys are bound explicitly so Unmarshal sees HARVEST_* variables for
// keys that have no default.
var envKeys = []string{
	"env", "log_level", "group_id", "destination",
	"throttle", "poll_interval", "min_poll_interval", "max_poll_interval", "max_file_size",
	"retry_status_codes", "retry_delay", "retry_limit", "request_timeout", "manual_retry",
	"parallel",
	"bulk_client.base_url", "bulk_client.client_id", "bulk_client.token_endpoint",
	"bulk_client.private_jwk_file", "bulk_client.client_secret",
	"fhir_client.base_url", "fhir_client.client_id", "fhir_client.token_endpoint",
	"fhir_client.private_jwk_file", "fhir_client.client_secret",
}

// Load reads defaults, then the optional config file at path, then
// HARVEST_* environment variables (HARVEST_BULK_CLIENT_BASE_URL for
// bulk_client.base_url).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("destination", "downloads")
	v.SetDefault("throttle", 0)
	v.SetDefault("poll_interval", 5*time.Minute)
	v.SetDefault("min_poll_interval", 100*time.Millisecond)
	v.SetDefault("max_poll_interval", time.Hour)
	v.SetDefault("max_file_size", int64(1e9))
	v.SetDefault("retry_status_codes", httpclient.DefaultRetryStatusCodes)
	v.SetDefault("retry_delay", time.Second)
	v.SetDefault("retry_limit", 5)
	v.SetDefault("request_timeout", time.Minute)
	v.SetDefault("parallel", 10)

	for _, k := range envKeys {
		v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// RetryPolicy returns the shared retry settings.
func (c *Config) RetryPolicy() httpclient.RetryPolicy {
	return httpclient.RetryPolicy{
		RetryableStatusCodes: append([]int(nil), c.RetryStatusCodes...),
		Delay:                c.RetryDelay,
		Limit:                c.RetryLimit,
	}
}

// ResourceTypes lists the configured per-patient types in order.
func (c *Config) ResourceTypes() []string {
	types := make([]string, len(c.Resources))
	for i, r := range c.Resources {
		types[i] = r.Type
	}
	return types
}

// Validate checks the settings needed for the per-patient phase. When
// withBulk is set the bulk export settings are checked too.
func (c *Config) Validate(withBulk bool) error {
	if c.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if err := c.FHIRClient.validate("fhir_client"); err != nil {
		return err
	}
	if len(c.Resources) == 0 {
		return fmt.Errorf("at least one entry in resources is required")
	}
	seen := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		if r.Type == "" {
			return fmt.Errorf("resources[%d]: type is required", i)
		}
		if seen[r.Type] {
			return fmt.Errorf("resources[%d]: duplicate type %q", i, r.Type)
		}
		seen[r.Type] = true
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must not be negative, got %d", c.RetryLimit)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be positive, got %d", c.MaxFileSize)
	}

	if !withBulk {
		return nil
	}
	if c.GroupID == "" {
		return fmt.Errorf("group_id is required")
	}
	if err := c.BulkClient.validate("bulk_client"); err != nil {
		return err
	}
	if c.MinPollInterval > c.PollInterval {
		return fmt.Errorf("min_poll_interval (%s) must be <= poll_interval (%s)", c.MinPollInterval, c.PollInterval)
	}
	if c.MaxPollInterval < c.PollInterval {
		return fmt.Errorf("max_poll_interval (%s) must be >= poll_interval (%s)", c.MaxPollInterval, c.PollInterval)
	}
	return nil
}

func (c ClientConfig) validate(name string) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%s.base_url is required", name)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%s.client_id is required", name)
	}
	hasKey := len(c.PrivateJWK) > 0 || c.PrivateJWKFile != ""
	if !hasKey && c.ClientSecret == "" {
		return fmt.Errorf("%s: a private JWK or a client secret is required", name)
	}
	if hasKey && c.TokenEndpoint == "" {
		return fmt.Errorf("%s.token_endpoint is required with a private JWK", name)
	}
	return nil
}

// Credentials builds the credential variant for this client.
func (c ClientConfig) Credentials() (auth.Credentials, error) {
	jwk := c.PrivateJWK
	if c.PrivateJWKFile != "" {
		data, err := os.ReadFile(c.PrivateJWKFile)
		if err != nil {
			return nil, fmt.Errorf("read private JWK: %w", err)
		}
		if err := json.Unmarshal(data, &jwk); err != nil {
			return nil, fmt.Errorf("decode private JWK %s: %w", c.PrivateJWKFile, err)
		}
	}
	return auth.ParseCredentials(jwk, c.ClientSecret)
}

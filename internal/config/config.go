// Package config loads the settings shared by the daemon and the CLI from
// defaults, an optional config file, CELERIX_* environment variables and
// command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/celerix-dev/celerix-charts/internal/engine"
	"github.com/celerix-dev/celerix-charts/internal/notify"
	"github.com/celerix-dev/celerix-charts/internal/vault"
	"github.com/celerix-dev/celerix-charts/pkg/sdk"
)

// EnvPrefix is prepended to every environment variable, e.g. CELERIX_DATA_DIR.
const EnvPrefix = "CELERIX"

// Config is the validated configuration.
type Config struct {
	DataDir    string `mapstructure:"data-dir"`
	Port       int    `mapstructure:"port" validate:"min=1,max=65535"`
	HTTPPort   int    `mapstructure:"http-port" validate:"min=0,max=65535"`
	DisableTLS bool   `mapstructure:"disable-tls"`

	// StoreAddr points clients at a running daemon.
	StoreAddr string `mapstructure:"store-addr" validate:"omitempty,hostname_port"`
	Backend   string `mapstructure:"backend" validate:"oneof=file memory sqlite postgres badger"`
	DSN       string `mapstructure:"dsn" validate:"required_if=Backend postgres"`
	MasterKey string `mapstructure:"master-key"`

	NATSURL     string        `mapstructure:"nats-url" validate:"omitempty,url"`
	StrictEmail bool          `mapstructure:"strict-email"`
	NotifyTTL   time.Duration `mapstructure:"notify-ttl" validate:"gt=0"`

	SaveLatency time.Duration `mapstructure:"save-latency" validate:"gte=0"`
	LoadLatency time.Duration `mapstructure:"load-latency" validate:"gte=0"`

	Backup Backup `mapstructure:",squash"`
}

// Backup configures the periodic JSONL export. It is disabled when neither
// a file nor a bucket is set.
type Backup struct {
	File     string        `mapstructure:"backup-file"`
	Bucket   string        `mapstructure:"backup-bucket"`
	Key      string        `mapstructure:"backup-key" validate:"required_with=Bucket"`
	Region   string        `mapstructure:"backup-region" validate:"required_with=Bucket"`
	Endpoint string        `mapstructure:"backup-endpoint" validate:"omitempty,url"`
	Interval time.Duration `mapstructure:"backup-interval" validate:"gte=0"`
}

// Enabled reports whether any backup destination is configured.
func (b Backup) Enabled() bool {
	return b.File != "" || b.Bucket != ""
}

// SealKey decodes MasterKey. A missing key disables sealing.
func (c *Config) SealKey() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, nil
	}
	return vault.KeyFromString(c.MasterKey)
}

// StoreOptions converts the configuration for sdk.Open.
func (c *Config) StoreOptions() (sdk.Options, error) {
	key, err := c.SealKey()
	if err != nil {
		return sdk.Options{}, fmt.Errorf("master key: %w", err)
	}
	save, load := c.SaveLatency, c.LoadLatency
	return sdk.Options{
		Addr:        c.StoreAddr,
		DisableTLS:  c.DisableTLS,
		Backend:     c.Backend,
		DataDir:     c.DataDir,
		DSN:         c.DSN,
		SealKey:     key,
		SaveLatency: &save,
		LoadLatency: &load,
	}, nil
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("data-dir", "./data")
	v.SetDefault("port", 7001)
	v.SetDefault("http-port", 7002)
	v.SetDefault("disable-tls", false)
	v.SetDefault("store-addr", "")
	v.SetDefault("backend", sdk.BackendFile)
	v.SetDefault("dsn", "")
	v.SetDefault("master-key", "")
	v.SetDefault("nats-url", "")
	v.SetDefault("strict-email", false)
	v.SetDefault("notify-ttl", notify.DefaultTTL)
	v.SetDefault("save-latency", engine.DefaultSaveLatency)
	v.SetDefault("load-latency", engine.DefaultLoadLatency)
	v.SetDefault("backup-file", "")
	v.SetDefault("backup-bucket", "")
	v.SetDefault("backup-key", "celerix-charts/charts.jsonl")
	v.SetDefault("backup-region", "")
	v.SetDefault("backup-endpoint", "")
	v.SetDefault("backup-interval", time.Hour)
	return v
}

// BindFlags makes flags take precedence over environment and file values.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	return v.BindPFlags(flags)
}

// Load reads the optional config file, then unmarshals and validates.
// An empty path searches celerix-charts.yaml in . and $HOME/.celerix-charts.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("celerix-charts")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.celerix-charts")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the master key.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.SealKey(); err != nil {
		return fmt.Errorf("invalid config: master key: %w", err)
	}
	return nil
}

package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/slyglif/tedapi2mqtt/internal/errors"
)

const (
	DefaultLogLevel     = "info"
	DefaultPollInterval = 30
	DefaultTopicPrefix  = "powerwall"

	defaultGatewayHost    = "192.168.91.1"
	defaultBrokerPort     = 1883
	defaultDegradedCycles = 5
	defaultHistoryDB      = "/var/lib/tedapi2mqtt/history.db"
	defaultMetricsListen  = ":9884"
)

// Config holds the validated runtime configuration. All values are immutable
// after Load returns.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	// Telemetry source
	GatewayHost     string `mapstructure:"gateway_host"`
	GatewayPassword string `mapstructure:"gateway_password"`
	PollInterval    int    `mapstructure:"poll_interval"`
	ReportVitals    bool   `mapstructure:"report_vitals"`

	// Aggregation
	BackupReserve float64 `mapstructure:"backup_reserve"`

	// Message bus
	BrokerHost     string `mapstructure:"mqtt_host"`
	BrokerPort     int    `mapstructure:"mqtt_port"`
	BrokerUsername string `mapstructure:"mqtt_username"`
	BrokerPassword string `mapstructure:"mqtt_password"`
	TopicPrefix    string `mapstructure:"mqtt_topic_prefix"`
	BrokerSSL      bool   `mapstructure:"mqtt_ssl"`
	BrokerCA       string `mapstructure:"mqtt_ca"`
	BrokerCert     string `mapstructure:"mqtt_cert"`
	BrokerKey      string `mapstructure:"mqtt_key"`
	VerifyTLS      bool   `mapstructure:"mqtt_verify_tls"`

	// Degraded-source signal: consecutive fully-failed polls before a
	// degraded warning is raised
	DegradedCycles int `mapstructure:"degraded_cycles"`

	// Poll-cycle history
	History   bool   `mapstructure:"history"`
	HistoryDB string `mapstructure:"history_db"`

	// Prometheus instrumentation
	Metrics       bool   `mapstructure:"metrics"`
	MetricsListen string `mapstructure:"metrics_listen"`
}

// Load reads configuration from the TOML file pointed at by the
// TEDAPI2MQTT_CONFIG environment variable (or the default search paths) and
// applies TEDAPI2MQTT_* environment overrides, then validates the result.
func Load() (*Config, error) {
	errFactory := errors.New()

	v := viper.New()
	v.SetConfigName("tedapi2mqtt")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc")
	v.AddConfigPath(".")
	if path := os.Getenv("TEDAPI2MQTT_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TEDAPI2MQTT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("gateway_host", defaultGatewayHost)
	// Registering empty defaults makes env-only overrides visible to
	// Unmarshal
	v.SetDefault("gateway_password", "")
	v.SetDefault("mqtt_host", "")
	v.SetDefault("mqtt_username", "")
	v.SetDefault("mqtt_password", "")
	v.SetDefault("mqtt_ssl", false)
	v.SetDefault("mqtt_verify_tls", false)
	v.SetDefault("mqtt_ca", "")
	v.SetDefault("mqtt_cert", "")
	v.SetDefault("mqtt_key", "")
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("report_vitals", true)
	v.SetDefault("backup_reserve", 20.0)
	v.SetDefault("mqtt_port", defaultBrokerPort)
	v.SetDefault("mqtt_topic_prefix", DefaultTopicPrefix)
	v.SetDefault("degraded_cycles", defaultDegradedCycles)
	v.SetDefault("history", false)
	v.SetDefault("history_db", defaultHistoryDB)
	v.SetDefault("metrics", false)
	v.SetDefault("metrics_listen", defaultMetricsListen)
}

// Validate checks the configuration invariants. Any violation is fatal at
// startup.
func (c *Config) Validate() error {
	errFactory := errors.New()

	switch c.LogLevel {
	case "debug", "info", "warning", "warn", "error":
	default:
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.PollInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.PollInterval)
	}

	if c.BackupReserve < 0 || c.BackupReserve >= 100 {
		return errFactory.WithData(errors.ErrInvalidReserve, c.BackupReserve)
	}

	if c.GatewayPassword == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "gateway_password is required")
	}

	if c.BrokerHost == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "mqtt_host is required")
	}

	// Client certificate auth needs both halves of the pair
	if (c.BrokerCert != "") != (c.BrokerKey != "") {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "mqtt_cert and mqtt_key are both required")
	}

	if c.History && c.HistoryDB == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "history_db is required when history is enabled")
	}

	if c.Metrics && c.MetricsListen == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "metrics_listen is required when metrics is enabled")
	}

	return nil
}

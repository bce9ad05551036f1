package config

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	AllowedOrigins  string `mapstructure:"allowedOrigins"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
}

// DatabaseConfig holds the Postgres connection configuration.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig holds the JWT configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

// RulesConfig points at the alarm-rules file.
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// KafkaConfig holds the inbound reading stream configuration. Empty brokers
// disable the consumer.
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	Group   string `mapstructure:"group"`
}

// BrokerList splits the comma-separated broker string.
func (k KafkaConfig) BrokerList() []string {
	if k.Brokers == "" {
		return nil
	}
	var brokers []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// NotifyConfig holds outbound notification channel settings. Empty URLs
// disable the corresponding channel.
type NotifyConfig struct {
	WebhookURL        string `mapstructure:"webhookUrl"`
	SlackWebhookURL   string `mapstructure:"slackWebhookUrl"`
	EscalationMinutes int    `mapstructure:"escalationMinutes"`
	CooldownMinutes   int    `mapstructure:"cooldownMinutes"`
}

// EngineConfig overrides engine tuning. Zero values keep the defaults.
type EngineConfig struct {
	MaxShelveHours      int `mapstructure:"maxShelveHours"`
	DefaultShelveHours  int `mapstructure:"defaultShelveHours"`
	StaleWindowMinutes  int `mapstructure:"staleWindowMinutes"`
	TargetAlarmsPerHour int `mapstructure:"targetAlarmsPerHour"`
}

// MaxShelve returns the configured maximum shelve duration, or zero.
func (e EngineConfig) MaxShelve() time.Duration {
	return time.Duration(e.MaxShelveHours) * time.Hour
}

// DefaultShelve returns the configured default shelve duration, or zero.
func (e EngineConfig) DefaultShelve() time.Duration {
	return time.Duration(e.DefaultShelveHours) * time.Hour
}

// StaleWindow returns the configured stale window, or zero.
func (e EngineConfig) StaleWindow() time.Duration {
	return time.Duration(e.StaleWindowMinutes) * time.Minute
}

// LoadConfig loads the application configuration from file or environment
// variables.
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.allowedOrigins", "*")
	viper.SetDefault("server.shutdownTimeout", 10)
	viper.SetDefault("rules.path", "rules.yaml")
	viper.SetDefault("kafka.topic", "sensor-readings")
	viper.SetDefault("kafka.group", "sitewatch")
	viper.SetDefault("notify.escalationMinutes", 15)

	viper.SetEnvPrefix("SITEWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			logrus.Warnf("Error reading config file: %v", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

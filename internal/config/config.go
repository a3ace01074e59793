// Package config loads the application configuration from an optional YAML
// file, environment variables and built-in defaults, in that order of
// precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Output     OutputConfig     `mapstructure:"output"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// EnrichmentConfig configures the per-worker enrichment cache collaborators.
type EnrichmentConfig struct {
	Offline        bool     `mapstructure:"offline"`
	GeoIPPath      string   `mapstructure:"geoip_path"`
	Nameservers    []string `mapstructure:"nameservers"`
	DNSTimeout     int      `mapstructure:"dns_timeout"`
	MsgConvertPath string   `mapstructure:"msgconvert_path"`
}

// WatcherConfig configures the mailbox watcher.
type WatcherConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	TLS                bool   `mapstructure:"tls"`
	SkipVerify         bool   `mapstructure:"skip_verify"`
	Mailbox            string `mapstructure:"mailbox"`
	ArchiveFolder      string `mapstructure:"archive_folder"`
	QuarantineFolder   string `mapstructure:"quarantine_folder"`
	DeleteProcessed    bool   `mapstructure:"delete_processed"`
	EmptyMessageAction string `mapstructure:"empty_message_action"`
	Watch              bool   `mapstructure:"watch"`
	IdleRefresh        int    `mapstructure:"idle_refresh"`
	Timeout            int    `mapstructure:"timeout"`
}

// DispatcherConfig configures the parse worker pool.
type DispatcherConfig struct {
	Workers int `mapstructure:"workers"`
}

// HTTPConfig contains the report upload server configuration.
type HTTPConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	TLS           bool   `mapstructure:"tls"`
	CertFile      string `mapstructure:"cert_file"`
	KeyFile       string `mapstructure:"key_file"`
	RateLimit     int    `mapstructure:"rate_limit"`
	RateBurst     int    `mapstructure:"rate_burst"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"`
}

// OutputConfig configures flat-file output of normalized reports.
type OutputConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Format    string `mapstructure:"format"`
}

// ClickHouseConfig contains ClickHouse sink configuration.
type ClickHouseConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Database   string `mapstructure:"database"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	TLS        bool   `mapstructure:"tls"`
	SkipVerify bool   `mapstructure:"skip_verify"`
}

// KafkaConfig contains Kafka sink configuration.
type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Hosts          []string `mapstructure:"hosts"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"`
	SSL            bool     `mapstructure:"ssl"`
	SkipVerify     bool     `mapstructure:"skip_verify"`
	AggregateTopic string   `mapstructure:"aggregate_topic"`
	ForensicTopic  string   `mapstructure:"forensic_topic"`
}

// SMTPConfig configures outbound email delivery of parsed reports.
type SMTPConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	SSL      bool     `mapstructure:"ssl"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	Subject  string   `mapstructure:"subject"`
}

// Load reads the configuration. A missing file is not an error; defaults and
// environment variables still apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func isFileNotFoundError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "cannot find the file") ||
		strings.Contains(msg, "system cannot find the file")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("enrichment.offline", false)
	v.SetDefault("enrichment.geoip_path", "")
	v.SetDefault("enrichment.nameservers", []string{"1.1.1.1", "1.0.0.1"})
	v.SetDefault("enrichment.dns_timeout", 2)
	v.SetDefault("enrichment.msgconvert_path", "msgconvert")

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.host", "")
	v.SetDefault("watcher.port", 993)
	v.SetDefault("watcher.username", "")
	v.SetDefault("watcher.password", "")
	v.SetDefault("watcher.tls", true)
	v.SetDefault("watcher.skip_verify", false)
	v.SetDefault("watcher.mailbox", "INBOX")
	v.SetDefault("watcher.archive_folder", "Archive")
	v.SetDefault("watcher.quarantine_folder", "Invalid")
	v.SetDefault("watcher.delete_processed", false)
	v.SetDefault("watcher.empty_message_action", "archive")
	v.SetDefault("watcher.watch", true)
	v.SetDefault("watcher.idle_refresh", 1440) // seconds, under the 30 minute horizon
	v.SetDefault("watcher.timeout", 30)

	v.SetDefault("dispatcher.workers", 1)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.tls", false)
	v.SetDefault("http.cert_file", "")
	v.SetDefault("http.key_file", "")
	v.SetDefault("http.rate_limit", 60) // requests per minute
	v.SetDefault("http.rate_burst", 10)
	v.SetDefault("http.max_upload_size", 50*1024*1024)

	v.SetDefault("output.enabled", false)
	v.SetDefault("output.directory", "")
	v.SetDefault("output.format", "json")

	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.host", "localhost")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.database", "dmarc")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.tls", false)
	v.SetDefault("clickhouse.skip_verify", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.hosts", []string{})
	v.SetDefault("kafka.username", "")
	v.SetDefault("kafka.password", "")
	v.SetDefault("kafka.ssl", true)
	v.SetDefault("kafka.skip_verify", false)
	v.SetDefault("kafka.aggregate_topic", "dmarc.aggregate")
	v.SetDefault("kafka.forensic_topic", "dmarc.forensic")

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.ssl", false)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.to", []string{})
	v.SetDefault("smtp.subject", "dmarcwatch report")
}

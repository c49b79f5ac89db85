// Package config handles configuration loading for the security server.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive values
// like database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - server: listen addresses of the client and server facing endpoints
//   - proxy: relay timeouts, message size and connection racing
//   - globalconf: path of the federation configuration file
//   - keystore: directory of the authentication and signing keys
//   - messagelog: timestamping and body logging policy
//   - archive: archive directory, schedules, retention and transfer
//   - storage: message log database (memory, postgres or mongodb)
//   - queue: async request queue (none, memory or kafka) and sender
//   - revocationCache: OCSP status cache (lru or redis)
//   - logging: log level, format and file rotation
//   - observability: metrics and tracing endpoints
//
// # Example Configuration
//
//	server:
//	  clientAddr: ":8080"
//	  serverAddr: ":5500"
//
//	globalconf:
//	  path: /etc/xroad/globalconf.yaml
//
//	keystore:
//	  dir: /etc/xroad/keys
//
//	messagelog:
//	  timestampUrls: [http://tsa.example.org]
//
//	storage:
//	  type: postgres
//	  postgres:
//	    dsn: ${MESSAGELOG_DSN}
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nordic-institute/X-Road-sub019/internal/logging"
	"github.com/nordic-institute/X-Road-sub019/pkg/digest"
)

// Config is the root configuration structure
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Proxy           ProxyConfig           `yaml:"proxy"`
	GlobalConf      GlobalConfConfig      `yaml:"globalconf"`
	Keystore        KeystoreConfig        `yaml:"keystore"`
	MessageLog      MessageLogConfig      `yaml:"messagelog"`
	Archive         ArchiveConfig         `yaml:"archive"`
	Storage         StorageConfig         `yaml:"storage"`
	Queue           QueueConfig           `yaml:"queue"`
	RevocationCache RevocationCacheConfig `yaml:"revocationCache"`
	Logging         logging.Config        `yaml:"logging"`
	Observability   ObservabilityConfig   `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	// ClientAddr serves the relay endpoint to information systems
	ClientAddr string `yaml:"clientAddr"`
	// ServerAddr serves the OCSP endpoint to other security servers over
	// TLS with the authentication certificate
	ServerAddr        string        `yaml:"serverAddr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// ProxyConfig holds the relay settings
type ProxyConfig struct {
	HeaderTimeout  time.Duration `yaml:"headerTimeout"`
	MessageTimeout time.Duration `yaml:"messageTimeout"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MaxMessageSize int64         `yaml:"maxMessageSize"`
	ForceSync      bool          `yaml:"forceSync"`

	// Selected address cache of the connection racer
	SelectedCacheSize int           `yaml:"selectedCacheSize"`
	SelectedCacheTTL  time.Duration `yaml:"selectedCacheTTL"`
	CachedDialTimeout time.Duration `yaml:"cachedDialTimeout"`
}

// GlobalConfConfig locates the federation configuration
type GlobalConfConfig struct {
	Path string `yaml:"path"`
}

// KeystoreConfig holds key file settings
type KeystoreConfig struct {
	// Directory containing the PEM key files
	Dir string `yaml:"dir"`
}

// MessageLogConfig holds the message log settings
type MessageLogConfig struct {
	Enabled                          *bool           `yaml:"enabled"`
	TimestampURLs                    []string        `yaml:"timestampUrls"`
	TimestampImmediately             bool            `yaml:"timestampImmediately"`
	TimestampWait                    time.Duration   `yaml:"timestampWait"`
	TimestampInterval                time.Duration   `yaml:"timestampInterval"`
	TimestampRecordsLimit            int             `yaml:"timestampRecordsLimit"`
	AcceptableTimestampFailurePeriod time.Duration   `yaml:"acceptableTimestampFailurePeriod"`
	HashAlgorithm                    string          `yaml:"hashAlgorithm"`
	BodyLogging                      *bool           `yaml:"bodyLogging"`
	BodyLoggingOverrides             map[string]bool `yaml:"bodyLoggingOverrides"`
}

// IsEnabled reports whether messages are logged
func (c MessageLogConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IsBodyLogged reports whether message bodies are logged by default
func (c MessageLogConfig) IsBodyLogged() bool {
	return c.BodyLogging == nil || *c.BodyLogging
}

// ArchiveConfig holds archiving and retention settings
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Dir             string        `yaml:"dir"`
	MaxFileSize     int64         `yaml:"maxFileSize"`
	BatchSize       int           `yaml:"batchSize"`
	Schedule        string        `yaml:"schedule"`
	CleanSchedule   string        `yaml:"cleanSchedule"`
	KeepRecordsFor  time.Duration `yaml:"keepRecordsFor"`
	JobTimeout      time.Duration `yaml:"jobTimeout"`
	TransferCommand string        `yaml:"transferCommand"`
	S3              S3Config      `yaml:"s3"`
}

// S3Config selects the bucket archive files are uploaded to
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	// Type is memory, postgres or mongodb
	Type     string         `yaml:"type"`
	Postgres PostgresConfig `yaml:"postgres"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"maxOpenConns"`
	MaxIdleConns int           `yaml:"maxIdleConns"`
	MaxLifetime  time.Duration `yaml:"maxLifetime"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// QueueConfig holds async queue settings
type QueueConfig struct {
	// Type is none, memory or kafka
	Type     string       `yaml:"type"`
	Capacity int          `yaml:"capacity"`
	Kafka    KafkaConfig  `yaml:"kafka"`
	Sender   SenderConfig `yaml:"sender"`
}

// KafkaConfig holds Kafka connection settings
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"groupId"`
	ClientID string   `yaml:"clientId"`
}

// SenderConfig holds async delivery settings
type SenderConfig struct {
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"maxRetries"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// RevocationCacheConfig holds OCSP status cache settings
type RevocationCacheConfig struct {
	// Type is lru or redis
	Type      string        `yaml:"type"`
	Size      int           `yaml:"size"`
	TTL       time.Duration `yaml:"ttl"`
	Freshness time.Duration `yaml:"freshness"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		Endpoint    string  `yaml:"endpoint"`
		Insecure    bool    `yaml:"insecure"`
		ServiceName string  `yaml:"serviceName"`
		SampleRatio float64 `yaml:"sampleRatio"`
	} `yaml:"tracing"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, completes and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// HashAlgorithm returns the configured message log hash algorithm
func (c *Config) HashAlgorithm() digest.Algorithm {
	alg, err := digest.ByName(c.MessageLog.HashAlgorithm)
	if err != nil {
		return digest.SHA256
	}
	return alg
}

func (c *Config) applyDefaults() {
	if c.Server.ClientAddr == "" {
		c.Server.ClientAddr = ":8080"
	}
	if c.Server.ServerAddr == "" {
		c.Server.ServerAddr = ":5500"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Proxy.HeaderTimeout == 0 {
		c.Proxy.HeaderTimeout = 30 * time.Second
	}
	if c.Proxy.ConnectTimeout == 0 {
		c.Proxy.ConnectTimeout = 30 * time.Second
	}
	if c.Proxy.MaxMessageSize == 0 {
		c.Proxy.MaxMessageSize = 50 << 20
	}
	if c.Proxy.SelectedCacheSize == 0 {
		c.Proxy.SelectedCacheSize = 1000
	}
	if c.Proxy.SelectedCacheTTL == 0 {
		c.Proxy.SelectedCacheTTL = 10 * time.Minute
	}
	if c.Proxy.CachedDialTimeout == 0 {
		c.Proxy.CachedDialTimeout = 5 * time.Second
	}

	if c.MessageLog.HashAlgorithm == "" {
		c.MessageLog.HashAlgorithm = "SHA-256"
	}

	if c.Archive.Dir == "" {
		c.Archive.Dir = "/var/lib/xroad/archive"
	}
	if c.Archive.MaxFileSize == 0 {
		c.Archive.MaxFileSize = 100 << 20
	}
	if c.Archive.Schedule == "" {
		c.Archive.Schedule = "0 0 * * *"
	}
	if c.Archive.CleanSchedule == "" {
		c.Archive.CleanSchedule = "0 30 * * *"
	}
	if c.Archive.KeepRecordsFor == 0 {
		c.Archive.KeepRecordsFor = 30 * 24 * time.Hour
	}
	if c.Archive.JobTimeout == 0 {
		c.Archive.JobTimeout = time.Hour
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "messagelog"
	}

	if c.Queue.Type == "" {
		c.Queue.Type = "none"
	}
	if c.Queue.Kafka.Topic == "" {
		c.Queue.Kafka.Topic = "xroad.async"
	}
	if c.Queue.Kafka.GroupID == "" {
		c.Queue.Kafka.GroupID = "xroad-async-sender"
	}

	if c.RevocationCache.Type == "" {
		c.RevocationCache.Type = "lru"
	}
	if c.RevocationCache.Size == 0 {
		c.RevocationCache.Size = 10000
	}
	if c.RevocationCache.TTL == 0 {
		c.RevocationCache.TTL = 10 * time.Minute
	}
	if c.RevocationCache.Freshness == 0 {
		c.RevocationCache.Freshness = time.Hour
	}
	if c.RevocationCache.Redis.Prefix == "" {
		c.RevocationCache.Redis.Prefix = "xroad:ocsp:"
	}

	def := logging.DefaultConfig()
	if c.Logging.Level == "" {
		c.Logging.Level = def.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Format
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = def.MaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = def.MaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = def.MaxAgeDays
	}
	if c.Logging.Component == "" {
		c.Logging.Component = def.Component
	}

	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "securityserver"
	}
	if c.Observability.Tracing.SampleRatio == 0 {
		c.Observability.Tracing.SampleRatio = 1
	}
}

func (c *Config) validate() error {
	if c.GlobalConf.Path == "" {
		return fmt.Errorf("globalconf.path is required")
	}
	if c.Keystore.Dir == "" {
		return fmt.Errorf("keystore.dir is required")
	}

	if c.MessageLog.IsEnabled() {
		if len(c.MessageLog.TimestampURLs) == 0 {
			return fmt.Errorf("messagelog.timestampUrls is required when the message log is enabled")
		}
		if _, err := digest.ByName(c.MessageLog.HashAlgorithm); err != nil {
			return fmt.Errorf("messagelog.hashAlgorithm: %w", err)
		}
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when type is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.type must be 'memory', 'postgres', or 'mongodb', got '%s'", c.Storage.Type)
	}

	switch c.Queue.Type {
	case "none", "memory":
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue.kafka.brokers is required when type is 'kafka'")
		}
	default:
		return fmt.Errorf("queue.type must be 'none', 'memory', or 'kafka', got '%s'", c.Queue.Type)
	}

	switch c.RevocationCache.Type {
	case "lru":
	case "redis":
		if c.RevocationCache.Redis.Address == "" {
			return fmt.Errorf("revocationCache.redis.address is required when type is 'redis'")
		}
	default:
		return fmt.Errorf("revocationCache.type must be 'lru' or 'redis', got '%s'", c.RevocationCache.Type)
	}

	if c.Archive.Enabled && c.Archive.S3.Bucket != "" && c.Archive.TransferCommand != "" {
		return fmt.Errorf("archive.s3 and archive.transferCommand are mutually exclusive")
	}

	if c.Observability.Tracing.Enabled && c.Observability.Tracing.Endpoint == "" {
		return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
	}

	return nil
}

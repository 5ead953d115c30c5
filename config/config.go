// Package config loads the YAML configuration shared by the manifest
// binaries and builds the clients it describes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/imagemanifest/logging"
	"github.com/GoCodeAlone/imagemanifest/manifest"
	"github.com/GoCodeAlone/imagemanifest/observability/metrics"
	"github.com/GoCodeAlone/imagemanifest/observability/tracing"
	"github.com/GoCodeAlone/imagemanifest/webhook"
)

// Storage backends.
const (
	BackendS3     = "s3"
	BackendGCS    = "gcs"
	BackendAzure  = "azure"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Notification sources.
const (
	SourceSQS     = "sqs"
	SourceNATS    = "nats"
	SourceKafka   = "kafka"
	SourceWatch   = "watch"
	SourceWebhook = "webhook"
)

// Config is the complete configuration of a manifest process.
type Config struct {
	Manifest manifest.Config `yaml:"manifest" json:"manifest"`
	Storage  StorageConfig   `yaml:"storage" json:"storage"`
	Source   SourceConfig    `yaml:"source" json:"source"`
	Server   ServerConfig    `yaml:"server" json:"server"`
	Dedupe   DedupeConfig    `yaml:"dedupe" json:"dedupe"`
	Log      logging.Config  `yaml:"log" json:"log"`
	Metrics  metrics.Config  `yaml:"metrics" json:"metrics"`
	Tracing  tracing.Config  `yaml:"tracing" json:"tracing"`
}

// StorageConfig selects and configures the object store holding the
// bucket. The bucket name itself is Manifest.Bucket.
type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend"`

	// S3 and S3-compatible stores.
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	PathStyle       bool   `yaml:"pathStyle,omitempty" json:"pathStyle,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty" json:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty" json:"-"`
	SessionToken    string `yaml:"sessionToken,omitempty" json:"-"`
	// RoleARN is assumed through STS on top of the default credentials.
	RoleARN string `yaml:"roleArn,omitempty" json:"roleArn,omitempty"`
	Profile string `yaml:"profile,omitempty" json:"profile,omitempty"`

	// GCS.
	CredentialsFile string `yaml:"credentialsFile,omitempty" json:"credentialsFile,omitempty"`

	// Azure Blob Storage. The container is Manifest.Bucket.
	ConnectionString string `yaml:"connectionString,omitempty" json:"-"`

	// Local directory store.
	Root string `yaml:"root,omitempty" json:"root,omitempty"`
}

// SourceConfig selects where notifications come from in the daemon.
type SourceConfig struct {
	Type  string      `yaml:"type" json:"type"`
	SQS   SQSConfig   `yaml:"sqs" json:"sqs"`
	NATS  NATSConfig  `yaml:"nats" json:"nats"`
	Kafka KafkaConfig `yaml:"kafka" json:"kafka"`
	Watch WatchConfig `yaml:"watch" json:"watch"`
}

type SQSConfig struct {
	QueueURL     string        `yaml:"queueUrl" json:"queueUrl"`
	WaitSeconds  int32         `yaml:"waitSeconds" json:"waitSeconds"`
	BatchSize    int32         `yaml:"batchSize" json:"batchSize"`
	ErrorBackoff time.Duration `yaml:"errorBackoff" json:"errorBackoff"`
}

type NATSConfig struct {
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
	Queue   string `yaml:"queue,omitempty" json:"queue,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	Group   string   `yaml:"group" json:"group"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// DedupeConfig enables dropping redelivered notifications in the daemon.
// It is off while RedisURL is empty.
type DedupeConfig struct {
	RedisURL string        `yaml:"redisUrl,omitempty" json:"-"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
}

// ServerConfig configures the daemon's HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	NotifyPath      string        `yaml:"notifyPath" json:"notifyPath"`
	AuthToken       string        `yaml:"authToken,omitempty" json:"-"`
	RateLimit       int           `yaml:"rateLimit" json:"rateLimit"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	// TrustProxyHeaders keys the rate limit by X-Real-IP or X-Forwarded-For
	// instead of the peer address.
	TrustProxyHeaders bool `yaml:"trustProxyHeaders" json:"trustProxyHeaders"`
	// Retry controls redelivery of webhook notifications to the updater
	// before they are dead-lettered.
	Retry webhook.RetryConfig `yaml:"retry" json:"retry"`
}

// Default returns the configuration used for every field a file or the
// environment leaves unset.
func Default() Config {
	return Config{
		Manifest: manifest.DefaultConfig(),
		Storage:  StorageConfig{Backend: BackendS3},
		Source: SourceConfig{
			Type:  SourceWebhook,
			SQS:   SQSConfig{WaitSeconds: 20, BatchSize: 10, ErrorBackoff: 5 * time.Second},
			NATS:  NATSConfig{URL: "nats://127.0.0.1:4222", Subject: "minio.events"},
			Kafka: KafkaConfig{Topic: "minio-events", Group: "imagemanifest"},
			Watch: WatchConfig{Debounce: 250 * time.Millisecond},
		},
		Server: ServerConfig{
			Addr:            ":8080",
			NotifyPath:      "/notify",
			RateLimit:       600,
			ShutdownTimeout: 10 * time.Second,
			Retry:           webhook.DefaultRetryConfig(),
		},
		Dedupe:  DedupeConfig{TTL: 24 * time.Hour, Prefix: "imagemanifest:seen:"},
		Log:     logging.DefaultConfig(),
		Metrics: metrics.DefaultConfig(),
		Tracing: tracing.DefaultConfig(),
	}
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// LoadFromFile loads a configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Load reads path when it is non-empty, starts from the defaults
// otherwise, then applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	c := &cfg
	if path != "" {
		var err error
		if c, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from environment variables looked up with
// lookup. Unset variables leave the field alone.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("IMAGEMANIFEST_BUCKET", &c.Manifest.Bucket)
	str("IMAGEMANIFEST_MANIFEST_KEY", &c.Manifest.ManifestKey)
	str("IMAGEMANIFEST_RECORD_PREFIX", &c.Manifest.RecordPrefix)
	str("IMAGEMANIFEST_INCLUDE", &c.Manifest.Include)
	if v, ok := lookup("IMAGEMANIFEST_STRATEGY"); ok && v != "" {
		c.Manifest.Strategy = manifest.Strategy(v)
	}

	str("IMAGEMANIFEST_STORAGE_BACKEND", &c.Storage.Backend)
	str("AWS_REGION", &c.Storage.Region)
	str("IMAGEMANIFEST_ROLE_ARN", &c.Storage.RoleARN)
	str("IMAGEMANIFEST_S3_ENDPOINT", &c.Storage.Endpoint)
	str("IMAGEMANIFEST_LOCAL_ROOT", &c.Storage.Root)
	str("AZURE_STORAGE_CONNECTION_STRING", &c.Storage.ConnectionString)
	str("GOOGLE_APPLICATION_CREDENTIALS", &c.Storage.CredentialsFile)

	str("IMAGEMANIFEST_SOURCE", &c.Source.Type)
	str("IMAGEMANIFEST_SQS_QUEUE_URL", &c.Source.SQS.QueueURL)
	str("IMAGEMANIFEST_NATS_URL", &c.Source.NATS.URL)
	str("IMAGEMANIFEST_NATS_SUBJECT", &c.Source.NATS.Subject)
	if v, ok := lookup("IMAGEMANIFEST_KAFKA_BROKERS"); ok && v != "" {
		c.Source.Kafka.Brokers = splitList(v)
	}
	str("IMAGEMANIFEST_KAFKA_TOPIC", &c.Source.Kafka.Topic)

	str("IMAGEMANIFEST_LISTEN_ADDR", &c.Server.Addr)
	str("IMAGEMANIFEST_AUTH_TOKEN", &c.Server.AuthToken)
	str("IMAGEMANIFEST_REDIS_URL", &c.Dedupe.RedisURL)
	str("IMAGEMANIFEST_LOG_LEVEL", &c.Log.Level)
	str("IMAGEMANIFEST_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("IMAGEMANIFEST_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IMAGEMANIFEST_MAX_ATTEMPTS: %w", err)
		}
		c.Manifest.MaxAttempts = n
	}
	if v, ok := lookup("IMAGEMANIFEST_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("IMAGEMANIFEST_S3_PATH_STYLE: %w", err)
		}
		c.Storage.PathStyle = b
	}
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
	}
	return nil
}

// Validate reports every problem found in the configuration. Source
// settings are checked only when checkSource is set, since the Lambda and
// the CLI never start a source.
func (c *Config) Validate(checkSource bool) error {
	var errs []error
	if err := c.Manifest.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Storage.Backend {
	case BackendS3, BackendGCS, BackendMemory:
	case BackendAzure:
		if c.Storage.ConnectionString == "" {
			errs = append(errs, errors.New("storage.connectionString is required for azure"))
		}
	case BackendLocal:
		if c.Storage.Root == "" {
			errs = append(errs, errors.New("storage.root is required for local"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if checkSource {
		switch c.Source.Type {
		case SourceWebhook:
		case SourceSQS:
			if c.Source.SQS.QueueURL == "" {
				errs = append(errs, errors.New("source.sqs.queueUrl is required"))
			}
		case SourceNATS:
			if c.Source.NATS.URL == "" || c.Source.NATS.Subject == "" {
				errs = append(errs, errors.New("source.nats.url and source.nats.subject are required"))
			}
		case SourceKafka:
			if len(c.Source.Kafka.Brokers) == 0 || c.Source.Kafka.Topic == "" || c.Source.Kafka.Group == "" {
				errs = append(errs, errors.New("source.kafka.brokers, topic and group are required"))
			}
		case SourceWatch:
			if c.Storage.Backend != BackendLocal {
				errs = append(errs, errors.New("source watch requires the local storage backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown source type %q", c.Source.Type))
		}
		if c.Server.Addr == "" {
			errs = append(errs, errors.New("server.addr is required"))
		}
		if c.Dedupe.RedisURL != "" {
			if _, err := redis.ParseURL(c.Dedupe.RedisURL); err != nil {
				errs = append(errs, fmt.Errorf("dedupe.redisUrl: %w", err))
			}
			if c.Dedupe.TTL <= 0 {
				errs = append(errs, errors.New("dedupe.ttl must be positive"))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

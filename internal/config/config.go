// Package config loads the process configuration from environment variables
// and, optionally, from a Vault KV v2 secret. Configuration is an immutable
// value handed to constructors; nothing in this package is process-global.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration of a client or worker process.
type Config struct {
	NATS       NATSConfig
	S3         S3Config
	Processing ProcessingConfig
}

// NATSConfig covers the broker connection and the two streams.
type NATSConfig struct {
	URL                  string
	Token                string
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int

	StreamName    string
	SubjectPrefix string
}

// RequestStream is the name of the work-queue stream carrying requests.
func (c NATSConfig) RequestStream() string { return c.StreamName }

// ResultStream is the name of the limits-retention stream carrying replies.
func (c NATSConfig) ResultStream() string { return c.StreamName + "_results" }

// ProcessSubject is the request subject for one request id ("*" for the
// stream-wide pattern).
func (c NATSConfig) ProcessSubject(requestID string) string {
	return c.SubjectPrefix + ".process." + requestID
}

// ResultSubject is the reply subject for one request id.
func (c NATSConfig) ResultSubject(requestID string) string {
	return c.SubjectPrefix + ".result." + requestID
}

// StatusSubject is reserved for worker progress updates; nothing consumes it
// today.
func (c NATSConfig) StatusSubject(requestID string) string {
	return c.SubjectPrefix + ".status." + requestID
}

// S3Config covers the object-store connection and transfer tuning.
type S3Config struct {
	EndpointURL     string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	MultipartThreshold int64
	PartSize           int64
	Concurrency        int
	PresignTTL         time.Duration
}

// ProcessingConfig covers client-side submit behaviour.
type ProcessingConfig struct {
	Timeout        time.Duration
	CleanupOnError bool
	StrictOptions  bool
}

// Load reads the environment into a validated Config.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("NATS_URL", "nats://localhost:4222")
	v.SetDefault("NATS_CONNECT_TIMEOUT", 10)
	v.SetDefault("NATS_MAX_RECONNECT_ATTEMPTS", 10)
	v.SetDefault("NATS_STREAM_NAME", "DOCUMENTS")
	v.SetDefault("NATS_SUBJECT_PREFIX", "docs")

	v.SetDefault("AWS_DEFAULT_REGION", "us-east-1")
	v.SetDefault("S3_BUCKET", "documents")
	v.SetDefault("S3_MULTIPART_THRESHOLD", 100*1024*1024)
	v.SetDefault("S3_PART_SIZE", 8*1024*1024)
	v.SetDefault("S3_CONCURRENCY", 10)
	v.SetDefault("S3_PRESIGN_TTL", 3600)

	v.SetDefault("PROCESSING_TIMEOUT", 600)
	v.SetDefault("CLEANUP_ON_ERROR", true)
	v.SetDefault("STRICT_OPTIONS", false)

	cfg := &Config{
		NATS: NATSConfig{
			URL:                  v.GetString("NATS_URL"),
			Token:                v.GetString("NATS_TOKEN"),
			ConnectTimeout:       time.Duration(v.GetInt("NATS_CONNECT_TIMEOUT")) * time.Second,
			MaxReconnectAttempts: v.GetInt("NATS_MAX_RECONNECT_ATTEMPTS"),
			StreamName:           v.GetString("NATS_STREAM_NAME"),
			SubjectPrefix:        v.GetString("NATS_SUBJECT_PREFIX"),
		},
		S3: S3Config{
			EndpointURL:        v.GetString("S3_ENDPOINT_URL"),
			Region:             v.GetString("AWS_DEFAULT_REGION"),
			Bucket:             v.GetString("S3_BUCKET"),
			AccessKeyID:        v.GetString("AWS_ACCESS_KEY_ID"),
			SecretAccessKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			MultipartThreshold: v.GetInt64("S3_MULTIPART_THRESHOLD"),
			PartSize:           v.GetInt64("S3_PART_SIZE"),
			Concurrency:        v.GetInt("S3_CONCURRENCY"),
			PresignTTL:         time.Duration(v.GetInt("S3_PRESIGN_TTL")) * time.Second,
		},
		Processing: ProcessingConfig{
			Timeout:        time.Duration(v.GetInt("PROCESSING_TIMEOUT")) * time.Second,
			CleanupOnError: v.GetBool("CLEANUP_ON_ERROR"),
			StrictOptions:  v.GetBool("STRICT_OPTIONS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would fail at the first network call
// anyway. Runs before any I/O.
func (c *Config) Validate() error {
	if err := ValidateBucketName(c.S3.Bucket); err != nil {
		return err
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("NATS_URL must not be empty")
	}
	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("NATS_SUBJECT_PREFIX must not be empty")
	}
	if c.S3.PartSize <= 0 || c.S3.MultipartThreshold <= 0 || c.S3.Concurrency <= 0 {
		return fmt.Errorf("S3 transfer settings must be positive")
	}
	return nil
}

// ValidateBucketName enforces the DNS-style bucket naming rules: 3-63
// characters, lowercase letters, digits, dots and hyphens, starting and
// ending with a letter or digit.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return fmt.Errorf("bucket name %q must be between 3 and 63 characters", name)
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
		case ch == '-' || ch == '.':
			if i == 0 || i == len(name)-1 {
				return fmt.Errorf("bucket name %q must start and end with a letter or digit", name)
			}
		default:
			return fmt.Errorf("bucket name %q contains invalid character %q", name, string(ch))
		}
	}
	return nil
}

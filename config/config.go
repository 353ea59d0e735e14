package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Sendcloud  SendcloudConfig  `yaml:"sendcloud"`
	ParcelSync ParcelSyncConfig `yaml:"parcelsync"`
	Log        LogConfig        `yaml:"log"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                       string `yaml:"host"`
	Port                       int    `yaml:"port"`
	ParcelObservedTopicName    string `yaml:"parcel_observed_topic_name"`
	FulfillmentStatusTopicName string `yaml:"fulfillment_status_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SendcloudConfig struct {
	BaseURL   string `yaml:"base_url"`
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
	// WebhookSecret enables Sendcloud-Signature checks when non-empty.
	WebhookSecret string `yaml:"webhook_secret"`
	ProviderID    string `yaml:"provider_id"`
}

type ParcelSyncConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	GRPCAddr           string `yaml:"grpc_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
	DedupeTTLSeconds   int    `yaml:"dedupe_ttl_seconds"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Resync scheduling (optional). Defaults: shipped 30..120 minutes,
	// pending/not_delivered 60 minutes, backoff 5/15/30/60 minutes.
	WorkerNextSyncShippedMinSeconds int `yaml:"worker_next_sync_shipped_min_seconds"`
	WorkerNextSyncShippedMaxSeconds int `yaml:"worker_next_sync_shipped_max_seconds"`
	WorkerNextSyncOtherSeconds      int `yaml:"worker_next_sync_other_seconds"`
	WorkerBackoff1Seconds           int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds           int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds           int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds           int `yaml:"worker_backoff_4_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// PostgresConnString builds a pgx connection string, defaulting sslmode to disable.
func (c *Config) PostgresConnString() string {
	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.DBName, sslMode)
}

func (c *Config) KafkaBrokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Kafka.Host, c.Kafka.Port)}
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) ProviderID() string {
	if c.Sendcloud.ProviderID == "" {
		return "sendcloud"
	}
	return c.Sendcloud.ProviderID
}

func (c *Config) ParcelObservedTopic() string {
	if c.Kafka.ParcelObservedTopicName == "" {
		return "sendcloud.parcel_observed"
	}
	return c.Kafka.ParcelObservedTopicName
}

func (c *Config) FulfillmentStatusTopic() string {
	if c.Kafka.FulfillmentStatusTopicName == "" {
		return "fulfillment.status_changed"
	}
	return c.Kafka.FulfillmentStatusTopicName
}

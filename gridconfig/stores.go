package gridconfig

import (
	errgo "gopkg.in/errgo.v1"
)

// GCSConfig configures the Google Cloud Storage file sink.
type GCSConfig struct {
	// Bucket holds the destination bucket name.
	Bucket string `yaml:"bucket"`
	// Prefix holds the object name prefix. It may be empty.
	Prefix string `yaml:"prefix"`
}

func (c *GCSConfig) validate() error {
	if c.Bucket == "" {
		return errgo.New("gcs: no bucket set")
	}
	return nil
}

// PostgresConfig configures the PostgreSQL row sink.
type PostgresConfig struct {
	// URL holds the connection string.
	URL string `yaml:"url"`
	// Table holds the destination table name.
	Table string `yaml:"table"`
}

func (c *PostgresConfig) validate() error {
	if c.URL == "" {
		return errgo.New("postgres: no url set")
	}
	if c.Table == "" {
		return errgo.New("postgres: no table set")
	}
	return nil
}

// MQTTConfig configures the MQTT row sink.
type MQTTConfig struct {
	// Broker holds the broker URL (e.g. tcp://host:1883).
	Broker string `yaml:"broker"`
	// ClientID holds the MQTT client id.
	// It defaults to "gridlogd".
	ClientID string `yaml:"client_id"`
	// TopicPrefix holds the topic prefix.
	// It defaults to "gridlog".
	TopicPrefix string `yaml:"topic_prefix"`
	// Username and Password hold optional broker credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c *MQTTConfig) validate() error {
	if c.Broker == "" {
		return errgo.New("mqtt: no broker set")
	}
	if c.ClientID == "" {
		c.ClientID = "gridlogd"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "gridlog"
	}
	return nil
}

// Package config defines the configuration for the Lifeline notification
// pipeline. Configuration is loaded once at process startup and is immutable
// thereafter, following 12-Factor principles: values come from the OS
// environment, with a local .env file as a development convenience.
//
// Any missing required value or invalid format fails the process immediately
// on startup (fail fast).
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration struct shared by the API and the
// notification worker. Sub-components receive only the config subsets they
// require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"lifeline"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Broker   BrokerConfig
	Dispatch DispatchConfig
	Store    StoreConfig
}

// ServerConfig holds HTTP server settings for the API binary.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"SERVER_REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
}

// BrokerConfig holds the message broker connection parameters and the
// redelivery policy. Defaults target a local RabbitMQ with guest credentials
// so the pipeline runs out of the box in development.
type BrokerConfig struct {
	Host     string `envconfig:"BROKER_HOST" default:"localhost" validate:"required"`
	Port     int    `envconfig:"BROKER_PORT" default:"5672" validate:"gt=0"`
	Username string `envconfig:"BROKER_USERNAME" default:"guest"`
	Password string `envconfig:"BROKER_PASSWORD" default:"guest"`
	VHost    string `envconfig:"BROKER_VHOST" default:"/"`

	Queue string `envconfig:"BROKER_QUEUE" default:"notifications" validate:"required"`

	ConnectTimeout time.Duration `envconfig:"BROKER_CONNECT_TIMEOUT" default:"5s"`
	PublishTimeout time.Duration `envconfig:"BROKER_PUBLISH_TIMEOUT" default:"5s"`

	// MaxAttempts caps how many delivery attempts a message gets before the
	// worker moves it to the dead-letter queue. The attempt counter lives in
	// the message payload and the delivery record, so the cap holds across
	// worker instances and requeue cycles.
	MaxAttempts int `envconfig:"BROKER_MAX_ATTEMPTS" default:"5" validate:"gt=0"`

	// DLQSuffix is appended to Queue to form the dead-letter queue name.
	DLQSuffix string `envconfig:"BROKER_DLQ_SUFFIX" default:".dlq"`

	// Reconnect backoff bounds for the worker's consume loop.
	ReconnectMinDelay time.Duration `envconfig:"BROKER_RECONNECT_MIN_DELAY" default:"1s"`
	ReconnectMaxDelay time.Duration `envconfig:"BROKER_RECONNECT_MAX_DELAY" default:"30s"`
}

// URL renders the AMQP connection URL from the individual parameters.
func (b BrokerConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", b.Username, b.Password, b.Host, b.Port, b.VHost)
}

// DLQName returns the dead-letter queue name derived from the primary queue.
func (b BrokerConfig) DLQName() string {
	return b.Queue + b.DLQSuffix
}

// DispatchConfig holds settings for the relay service the Dispatcher adapter
// talks to. The relay forwards to the third-party SMS/voice gateway.
type DispatchConfig struct {
	RelayURL  string        `envconfig:"DISPATCH_RELAY_URL" default:"http://localhost:8090/v1/emergency/send" validate:"required,url"`
	Timeout   time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"30s"`
	UserAgent string        `envconfig:"DISPATCH_USER_AGENT" default:"Lifeline-Dispatch/1.0"`

	// Circuit breaker thresholds.
	BreakerConsecutiveFailures int           `envconfig:"DISPATCH_BREAKER_FAILURES" default:"5" validate:"gt=0"`
	BreakerOpenTimeout         time.Duration `envconfig:"DISPATCH_BREAKER_TIMEOUT" default:"30s"`
}

// StoreConfig holds the delivery record store settings. When URL is empty the
// binaries fall back to the in-memory store, which is sufficient for local
// development and tests.
type StoreConfig struct {
	URL             string        `envconfig:"DATABASE_URL"`
	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"5" validate:"gt=0"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

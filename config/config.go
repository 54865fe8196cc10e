// Package config loads process configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type App struct {
	// HTTP
	Port int `envconfig:"PORT" default:"8080"`
	// Storage
	DBPath string `envconfig:"DB_PATH" default:"booking.db"`
	// CRM (system of record)
	CRMBaseURL string        `envconfig:"CRM_BASE_URL"`
	CRMToken   string        `envconfig:"CRM_TOKEN"`
	CRMTimeout time.Duration `envconfig:"CRM_TIMEOUT" default:"10s"`
	// Kernel tuning
	CounterTTL        time.Duration `envconfig:"COUNTER_TTL" default:"168h"`
	ClaimTTL          time.Duration `envconfig:"CLAIM_TTL" default:"2m"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"0"`
	// Events
	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"booking.events"`
	// Tracing
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Env          string `envconfig:"ENV" default:"dev"`
}

func Load() (App, error) {
	var c App
	err := envconfig.Process("", &c)
	return c, err
}

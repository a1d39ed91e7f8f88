package config

import "time"

// BrokerSettings holds configuration for the RabbitMQ transport. Dead-letter
// exchange/queue/routing-key names are always derived from these and are
// deliberately not configurable.
type BrokerSettings struct {
	URL              string        `mapstructure:"url" validate:"required"`
	Exchange         string        `mapstructure:"exchange" validate:"required"`
	InputQueue       string        `mapstructure:"input_queue" validate:"required"`
	InputRoutingKey  string        `mapstructure:"input_routing_key" validate:"required"`
	OutputRoutingKey string        `mapstructure:"output_routing_key" validate:"required"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"gte=1"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

package config

// Observability is optional: with an empty TracingURL the process runs
// without an exporter.
type Observability struct {
	ServiceName string `mapstructure:"service_name"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,hostname_port"`
}

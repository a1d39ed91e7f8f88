package config

// DbSettings selects and configures the settings store backend.
// DSN is used by postgres, URI by mongo and spanner (full database path for
// spanner), Name/Collection by mongo.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner"`
	DSN        string `mapstructure:"dsn"`
	URI        string `mapstructure:"uri"`
	Name       string `mapstructure:"name"`
	Collection string `mapstructure:"collection"`
}

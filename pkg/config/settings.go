package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Broker        BrokerSettings `mapstructure:"broker"`
	Database      DbSettings     `mapstructure:"database"`
	Sync          SyncSettings   `mapstructure:"sync"`
	API           APISettings    `mapstructure:"api"`
	Observability Observability  `mapstructure:"observability"`
	LogLevel      string         `mapstructure:"log_level"`
}

// SyncSettings bounds the reconciliation sweep: records per scan page and the
// pause inserted between full pages.
type SyncSettings struct {
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
	ProcessDelay time.Duration `mapstructure:"process_delay"`
}

type APISettings struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("relay")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "relay."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging %s config: %s\n", env, err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like RELAY_BROKER_URL

	setDefaults()

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.input_queue")
	viper.BindEnv("broker.input_routing_key")
	viper.BindEnv("broker.output_routing_key")
	viper.BindEnv("broker.max_retries")
	viper.BindEnv("broker.retry_delay")
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.name")
	viper.BindEnv("database.collection")
	viper.BindEnv("sync.batch_size")
	viper.BindEnv("sync.process_delay")
	viper.BindEnv("api.listen_addr")
	viper.BindEnv("log_level")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("broker.url", "amqp://localhost")
	viper.SetDefault("broker.exchange", "settings")
	viper.SetDefault("broker.input_queue", "user.settings.input")
	viper.SetDefault("broker.input_routing_key", "user.settings.update")
	viper.SetDefault("broker.output_routing_key", "user.settings.updated")
	viper.SetDefault("broker.max_retries", 3)
	viper.SetDefault("broker.retry_delay", time.Second)
	viper.SetDefault("sync.batch_size", 50)
	viper.SetDefault("sync.process_delay", 250*time.Millisecond)
	viper.SetDefault("api.listen_addr", ":8080")
	viper.SetDefault("log_level", "info")
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

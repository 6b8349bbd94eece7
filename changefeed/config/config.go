package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/piukhq/angelia-sub001/changefeed/rabbitmq"
)

var (
	ErrInvalidEntity  = errors.New("invalid watched entity")
	ErrInvalidSetting = errors.New("invalid configuration")
)

// DefaultEnvFiles are read by Load when no files are given. Missing files
// are skipped.
var DefaultEnvFiles = []string{".env", ".env.local"}

type TelemetryOptions struct {
	LibraryName      string `env:"OTEL_LIBRARY_NAME" envDefault:"github.com/piukhq/angelia-sub001/changefeed"`
	ServiceName      string `env:"OTEL_SERVICE_NAME" envDefault:"changefeed"`
	ExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Enabled          bool   `env:"ENABLE_TELEMETRY" envDefault:"false"`
}

type RabbitOptions struct {
	User          string `env:"RABBIT_USER" envDefault:"guest"`
	Password      string `env:"RABBIT_PASSWORD" envDefault:"guest"`
	Host          string `env:"RABBIT_HOST" envDefault:"localhost"`
	Port          string `env:"RABBIT_PORT" envDefault:"5672"`
	VHost         string `env:"RABBIT_VHOST"`
	Protocol      string `env:"RABBIT_PROTOCOL" envDefault:"amqp"`
	ManagementURL string `env:"RABBIT_MANAGEMENT_URL"`
	Queue         string `env:"TO_HERMES_QUEUE" envDefault:"angelia-hermes-bridge"`
}

// URI is the AMQP connection string built from the options.
func (o RabbitOptions) URI() string {
	return rabbitmq.BuildConnectionString(o.Protocol, o.User, o.Password, o.Host, o.Port, o.VHost)
}

type PublishOptions struct {
	MaxRetries     int           `env:"PUBLISH_MAX_RETRIES" envDefault:"3"`
	BackoffFactor  time.Duration `env:"PUBLISH_RETRY_BACKOFF_FACTOR" envDefault:"250ms"`
	MaxInterval    time.Duration `env:"PUBLISH_RETRY_MAX_INTERVAL" envDefault:"1s"`
	ConfirmTimeout time.Duration `env:"PUBLISH_CONFIRM_TIMEOUT" envDefault:"5s"`
	SweepInterval  time.Duration `env:"OUTBOX_SWEEP_INTERVAL" envDefault:"30s"`
}

type DatabaseOptions struct {
	PrimaryDSN string `env:"DB_PRIMARY_DSN"`
	ReplicaDSN string `env:"DB_REPLICA_DSN"`
}

type Config struct {
	EnvName         string        `env:"ENV_NAME" envDefault:"local"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ServerAddress   string        `env:"SERVER_ADDRESS" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// WatchedEntities lists "name" or "name=table:key,col1,col2" items.
	WatchedEntities []string `env:"WATCHED_ENTITIES" envSeparator:";"`

	Telemetry TelemetryOptions
	Rabbit    RabbitOptions
	Publish   PublishOptions
	Database  DatabaseOptions
}

// Load reads the given .env files (DefaultEnvFiles when none are given) and
// then parses the environment. Variables already set win over the files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}

	existing := make([]string, 0, len(files))

	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}

	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Publish.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: PUBLISH_MAX_RETRIES must not be negative", ErrInvalidSetting))
	}

	if c.Publish.BackoffFactor < 0 || c.Publish.MaxInterval < 0 {
		errs = append(errs, fmt.Errorf("%w: publish retry intervals must not be negative", ErrInvalidSetting))
	}

	if c.Publish.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: PUBLISH_CONFIRM_TIMEOUT must be positive", ErrInvalidSetting))
	}

	if strings.TrimSpace(c.Rabbit.Queue) == "" {
		errs = append(errs, fmt.Errorf("%w: TO_HERMES_QUEUE is required", ErrInvalidSetting))
	}

	if c.Telemetry.Enabled && c.Telemetry.ExporterEndpoint == "" {
		errs = append(errs, fmt.Errorf("%w: OTEL_EXPORTER_OTLP_ENDPOINT is required when telemetry is enabled", ErrInvalidSetting))
	}

	if c.Database.ReplicaDSN != "" && c.Database.PrimaryDSN == "" {
		errs = append(errs, fmt.Errorf("%w: DB_REPLICA_DSN set without DB_PRIMARY_DSN", ErrInvalidSetting))
	}

	if _, err := c.Entities(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Entity is one parsed WATCHED_ENTITIES item. Table, Key and Columns are
// empty for capture-only entries.
type Entity struct {
	Name    string
	Table   string
	Key     string
	Columns []string
}

// HasTable reports whether the entry carries a table definition.
func (e Entity) HasTable() bool {
	return e.Table != "" && e.Key != ""
}

// Entities parses WatchedEntities. A definition is "name", or
// "name=table:key,col1,col2" where the first column after the table is the
// primary key.
func (c *Config) Entities() ([]Entity, error) {
	entities := make([]Entity, 0, len(c.WatchedEntities))
	seen := make(map[string]bool, len(c.WatchedEntities))

	for _, raw := range c.WatchedEntities {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		entity, err := parseEntity(raw)
		if err != nil {
			return nil, err
		}

		if seen[entity.Name] {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidEntity, entity.Name)
		}

		seen[entity.Name] = true
		entities = append(entities, entity)
	}

	return entities, nil
}

func parseEntity(raw string) (Entity, error) {
	name, definition, hasDefinition := strings.Cut(raw, "=")

	entity := Entity{Name: strings.TrimSpace(name)}
	if entity.Name == "" {
		return Entity{}, fmt.Errorf("%w: %q has no name", ErrInvalidEntity, raw)
	}

	if !hasDefinition {
		return entity, nil
	}

	table, columns, ok := strings.Cut(definition, ":")
	if !ok || strings.TrimSpace(table) == "" {
		return Entity{}, fmt.Errorf("%w: %q must look like name=table:key,col", ErrInvalidEntity, raw)
	}

	entity.Table = strings.TrimSpace(table)

	for _, column := range strings.Split(columns, ",") {
		if column = strings.TrimSpace(column); column != "" {
			entity.Columns = append(entity.Columns, column)
		}
	}

	if len(entity.Columns) == 0 {
		return Entity{}, fmt.Errorf("%w: %q has no key column", ErrInvalidEntity, raw)
	}

	entity.Key, entity.Columns = entity.Columns[0], entity.Columns[1:]

	return entity, nil
}

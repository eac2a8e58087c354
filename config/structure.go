package config

import (
	"time"

	"github.com/knadh/koanf/v2"
)

// Config is the root configuration for the transaction coordinator library.
type Config struct {
	Database    DatabaseConfig    `koanf:"database"`
	Transaction TransactionConfig `koanf:"transaction"`
	Log         LogConfig         `koanf:"log"`

	// k holds the underlying Koanf instance for flexible access to custom configurations
	k *koanf.Koanf `json:"-" yaml:"-" toml:"-" mapstructure:"-"`
}

// DatabaseConfig describes the single connection the coordinator manages.
type DatabaseConfig struct {
	Host             string        `koanf:"host" validate:"required_without=ConnectionString"`
	Port             int           `koanf:"port" validate:"omitempty,min=1,max=65535"`
	Username         string        `koanf:"username"`
	Password         string        `koanf:"password"`
	Database         string        `koanf:"database"`
	SSLMode          string        `koanf:"ssl_mode"`
	ConnectionString string        `koanf:"connection_string"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout" validate:"omitempty,min=0"`
}

// TransactionConfig tunes the coordinator's behavior.
type TransactionConfig struct {
	// Lazy defers physical begins until the first write when the driver
	// supports it.
	Lazy bool `koanf:"lazy"`

	// SavepointPrefix is prepended to generated savepoint names.
	SavepointPrefix string `koanf:"savepoint_prefix" validate:"required"`

	// Isolation is the level requested for top-level transactions when set.
	Isolation string `koanf:"isolation" validate:"omitempty,oneof=read_uncommitted read_committed repeatable_read serializable"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"required,oneof=trace debug info warn error fatal panic disabled"`
	Pretty bool   `koanf:"pretty"`
}

// Koanf returns the underlying Koanf instance for access to custom keys.
func (c *Config) Koanf() *koanf.Koanf {
	return c.k
}

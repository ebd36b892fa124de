package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App            ApplicationConfig    `yaml:"app"`
	Data           DataConfig           `yaml:"data"`
	WAL            WALConfig            `yaml:"wal"`
	CommandChannel CommandChannelConfig `yaml:"command_channel"`
	Auth           AuthConfig           `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.WAL.Validate(); err != nil {
		return err
	}
	if err := c.CommandChannel.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the ingestion HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns the HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// DataConfig holds the root directory under which every graph's WAL,
// store snapshot, archive, and the shared registry/saga files live.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// Validate validates the data configuration.
func (c *DataConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
	)
}

// WALConfig tunes the graph store's snapshot triggers (spec section 4.4).
type WALConfig struct {
	SnapshotOpCount     int `yaml:"snapshot_op_count"`
	SnapshotIdleSeconds int `yaml:"snapshot_idle_seconds"`
}

// Validate validates the WAL configuration.
func (c *WALConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SnapshotOpCount, validation.Min(0)),
		validation.Field(&c.SnapshotIdleSeconds, validation.Min(0)),
	)
}

// IdleInterval returns the configured idle snapshot trigger as a
// time.Duration.
func (c *WALConfig) IdleInterval() time.Duration {
	return time.Duration(c.SnapshotIdleSeconds) * time.Second
}

// CommandChannelConfig holds the listener address for the bidirectional
// command channel the editor plugin connects to (spec section 4.7).
type CommandChannelConfig struct {
	Address string `yaml:"address"`
}

// Validate validates the command channel configuration.
func (c *CommandChannelConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Address, validation.Required),
	)
}

// AuthConfig holds authentication configuration for both the ingestion
// HTTP surface and the command channel's initial handshake.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer/handshake token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Data: DataConfig{
			Dir: "./data",
		},
		WAL: WALConfig{
			SnapshotOpCount:     500,
			SnapshotIdleSeconds: 30,
		},
		CommandChannel: CommandChannelConfig{
			Address: ":7420",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}

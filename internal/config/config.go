// Package config provides Viper-based configuration loading for the room bot.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cory-johannsen/roomlink/client"
	"github.com/cory-johannsen/roomlink/internal/transport"
	"github.com/cory-johannsen/roomlink/protocol"
)

// ClientConfig holds the room connection settings.
type ClientConfig struct {
	// Token is the 64 character bot API credential.
	Token string `mapstructure:"token"`
	// RoomID is the 24 character target room id.
	RoomID string `mapstructure:"room_id"`
	// Events lists the event classes requested in the handshake.
	Events []string `mapstructure:"events"`
	// Cache keeps a roster of room occupants.
	Cache    bool   `mapstructure:"cache"`
	Endpoint string `mapstructure:"endpoint"`

	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectStep     time.Duration `mapstructure:"reconnect_step"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
}

// EventClasses parses Events.
//
// Postcondition: Returns the parsed classes or the first parse error.
func (c ClientConfig) EventClasses() ([]protocol.EventClass, error) {
	out := make([]protocol.EventClass, 0, len(c.Events))
	for _, name := range c.Events {
		class, err := protocol.ParseEventClass(name)
		if err != nil {
			return nil, err
		}
		out = append(out, class)
	}
	return out, nil
}

// Options converts the section into client options.
//
// Precondition: c must have passed Validate.
func (c ClientConfig) Options() (client.Options, error) {
	classes, err := c.EventClasses()
	if err != nil {
		return client.Options{}, err
	}
	return client.Options{
		Events:            classes,
		Cache:             c.Cache,
		Endpoint:          c.Endpoint,
		RequestTimeout:    c.RequestTimeout,
		KeepaliveInterval: c.KeepaliveInterval,
		ReconnectDelay:    c.ReconnectDelay,
		ReconnectStep:     c.ReconnectStep,
		DialTimeout:       c.DialTimeout,
	}, nil
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateClient(c.Client); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	if err := transport.ValidateCredential(c.Token); err != nil {
		errs = append(errs, fmt.Sprintf("client.token: %v", err))
	}
	if err := transport.ValidateRoomID(c.RoomID); err != nil {
		errs = append(errs, fmt.Sprintf("client.room_id: %v", err))
	}
	if len(c.Events) == 0 {
		errs = append(errs, "client.events must not be empty")
	} else if _, err := c.EventClasses(); err != nil {
		errs = append(errs, fmt.Sprintf("client.events: %v", err))
	}
	if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("client.endpoint must be a ws or wss URL, got %q", c.Endpoint))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"request_timeout", c.RequestTimeout},
		{"keepalive_interval", c.KeepaliveInterval},
		{"reconnect_delay", c.ReconnectDelay},
		{"dial_timeout", c.DialTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Sprintf("client.%s must be positive, got %s", d.name, d.d))
		}
	}
	if c.ReconnectStep < 0 {
		errs = append(errs, "client.reconnect_step must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// ROOMLINK_CLIENT_TOKEN overrides client.token
	v.SetEnvPrefix("ROOMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	setDefaults(v)
}

func setDefaults(v *viper.Viper) {
	// token and room_id are bound so env overrides work without a file entry
	v.SetDefault("client.token", "")
	v.SetDefault("client.room_id", "")
	v.SetDefault("client.cache", false)
	v.SetDefault("client.endpoint", transport.DefaultEndpoint)
	v.SetDefault("client.request_timeout", client.DefaultRequestTimeout.String())
	v.SetDefault("client.keepalive_interval", "15s")
	v.SetDefault("client.reconnect_delay", "5s")
	v.SetDefault("client.reconnect_step", "5s")
	v.SetDefault("client.dial_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

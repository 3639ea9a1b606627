// Package config loads rfidinv settings from defaults, an optional YAML file,
// RFIDINV_* environment variables and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/srg/rfidinv/internal/device"
)

// EnvPrefix is prepended to every environment variable, e.g. RFIDINV_READER_ADDRESS.
const EnvPrefix = "RFIDINV"

// ReaderConfig describes the BLE reader link and inbound processing.
type ReaderConfig struct {
	Address              string        `mapstructure:"address" json:"address"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" json:"connect_timeout" default:"15s"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout" json:"write_timeout" default:"3s"`
	ServiceUUID          string        `mapstructure:"service_uuid" json:"service_uuid" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	CharacteristicUUID   string        `mapstructure:"characteristic_uuid" json:"characteristic_uuid" default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
	ThrottleInterval     time.Duration `mapstructure:"throttle_interval" json:"throttle_interval" default:"50ms"`
	WholeMessageDelivery bool          `mapstructure:"whole_message_delivery" json:"whole_message_delivery" default:"true"`
	ReassemblyBufferSize int           `mapstructure:"reassembly_buffer_size" json:"reassembly_buffer_size" default:"16384"`
	ResponseTimeout      time.Duration `mapstructure:"response_timeout" json:"response_timeout" default:"3s"`
}

// SessionConfig tunes start/stop behaviour.
type SessionConfig struct {
	StopAttempts      int           `mapstructure:"stop_attempts" json:"stop_attempts" default:"2"`
	StopInterval      time.Duration `mapstructure:"stop_interval" json:"stop_interval" default:"500ms"`
	ResetDelay        time.Duration `mapstructure:"reset_delay" json:"reset_delay" default:"1s"`
	ForceStopAttempts int           `mapstructure:"force_stop_attempts" json:"force_stop_attempts" default:"3"`

	// StopObserveTimeout is how long tags may keep arriving after a stop before
	// the CLI escalates to a force stop.
	StopObserveTimeout time.Duration `mapstructure:"stop_observe_timeout" json:"stop_observe_timeout" default:"3s"`
}

type InventoryConfig struct {
	RoomID    string `mapstructure:"room_id" json:"room_id"`
	UnitID    string `mapstructure:"unit_id" json:"unit_id"`
	AssetBook string `mapstructure:"asset_book" json:"asset_book"`
}

type ClassifyConfig struct {
	URL     string        `mapstructure:"url" json:"url"`
	Token   string        `mapstructure:"token" json:"-"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" default:"10s"`
}

type JournalConfig struct {
	Path string `mapstructure:"path" json:"path" default:"rfidinv.db"`
}

type MetricsConfig struct {
	// Addr of the /metrics listener; empty disables it.
	Addr string `mapstructure:"addr" json:"addr"`
}

// Config holds application configuration
type Config struct {
	LogLevel  logrus.Level    `mapstructure:"log_level" json:"log_level"`
	Reader    ReaderConfig    `mapstructure:"reader" json:"reader"`
	Session   SessionConfig   `mapstructure:"session" json:"session"`
	Inventory InventoryConfig `mapstructure:"inventory" json:"inventory"`
	Classify  ClassifyConfig  `mapstructure:"classify" json:"classify"`
	Journal   JournalConfig   `mapstructure:"journal" json:"journal"`
	Metrics   MetricsConfig   `mapstructure:"metrics" json:"metrics"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load merges defaults, the YAML file at path (optional), environment and the
// flags given in bindings (config key → flag). Flags that were not set on the
// command line do not override lower layers.
func Load(path string, bindings map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	registerDefaults(v, "", reflect.ValueOf(DefaultConfig()).Elem())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for key, flag := range bindings {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerDefaults makes every leaf key known to viper, which is what lets
// AutomaticEnv resolve it during Unmarshal.
func registerDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fv := val.Field(i)
		if fv.Kind() == reflect.Struct {
			registerDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// Validate checks values that would make the engine misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.Reader.ThrottleInterval <= 0 {
		errs = append(errs, fmt.Errorf("reader.throttle_interval must be positive, got %s", c.Reader.ThrottleInterval))
	}
	if c.Reader.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("reader.write_timeout must be positive, got %s", c.Reader.WriteTimeout))
	}
	if !c.Reader.WholeMessageDelivery && c.Reader.ReassemblyBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("reader.reassembly_buffer_size must be positive when whole_message_delivery is off"))
	}
	if _, err := device.ValidateUUID(c.Reader.ServiceUUID, c.Reader.CharacteristicUUID); err != nil {
		errs = append(errs, fmt.Errorf("reader uuids: %w", err))
	}
	if c.Session.StopAttempts < 1 {
		errs = append(errs, fmt.Errorf("session.stop_attempts must be at least 1, got %d", c.Session.StopAttempts))
	}
	if c.Session.ForceStopAttempts < 1 {
		errs = append(errs, fmt.Errorf("session.force_stop_attempts must be at least 1, got %d", c.Session.ForceStopAttempts))
	}
	if c.Session.StopInterval < 0 || c.Session.ResetDelay < 0 {
		errs = append(errs, fmt.Errorf("session delays must not be negative"))
	}
	return errors.Join(errs...)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

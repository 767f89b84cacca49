package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "ECM"

	devJWTSecret = "dev-secret-change-in-production-min-32-chars"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Fieldbus FieldbusConfig `mapstructure:"fieldbus"`
	Sim      SimConfig      `mapstructure:"sim"`
	Motion   MotionConfig   `mapstructure:"motion"`
	Devices  DevicesConfig  `mapstructure:"device_profiles"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// SamplePeriod is the idle position broadcast cadence; zero disables it.
	SamplePeriod time.Duration `mapstructure:"sample_period"`
}

// FieldbusConfig selects the master and the bring-up timing.
type FieldbusConfig struct {
	Transport        string        `mapstructure:"transport"` // sim | gateway
	Interface        string        `mapstructure:"interface"`
	GatewayAddress   string        `mapstructure:"gateway_address"`
	Unit             int           `mapstructure:"unit"`
	MailboxTimeout   time.Duration `mapstructure:"mailbox_timeout"`
	StateTimeout     time.Duration `mapstructure:"state_timeout"`
	ReturnTimeout    time.Duration `mapstructure:"return_timeout"`
	SafeOpMultiplier int           `mapstructure:"safeop_multiplier"`
	NetworkTimeout   time.Duration `mapstructure:"network_timeout"`
}

const (
	TransportSim     = "sim"
	TransportGateway = "gateway"
)

type SimConfig struct {
	Listen        string      `mapstructure:"listen"`
	Units         int         `mapstructure:"units"`
	StuckUnits    []StuckUnit `mapstructure:"stuck_units"`
	PulsesPerPoll uint32      `mapstructure:"pulses_per_poll"`
}

// StuckUnit is a simulated unit that refuses Operational.
type StuckUnit struct {
	Unit       int    `mapstructure:"unit"`
	StatusCode uint16 `mapstructure:"status_code"`
}

type MotionConfig struct {
	Profile       string        `mapstructure:"profile"`
	StopOnError   bool          `mapstructure:"stop_on_error"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxReadErrors int           `mapstructure:"max_read_errors"`
	Sequence      []int         `mapstructure:"sequence"`
}

type DevicesConfig struct {
	SearchPaths []string `mapstructure:"search_paths"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	JWTSecretEnv string        `mapstructure:"jwt_secret_env"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load reads path (YAML) on top of the defaults. A missing file is not an
// error; environment variables ECM_<SECTION>_<KEY> override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.sample_period", "0s")

	v.SetDefault("fieldbus.transport", TransportSim)
	v.SetDefault("fieldbus.interface", "wiznet")
	v.SetDefault("fieldbus.gateway_address", "127.0.0.1:5020")
	v.SetDefault("fieldbus.unit", 1)
	v.SetDefault("fieldbus.mailbox_timeout", "700ms")
	v.SetDefault("fieldbus.state_timeout", "2s")
	v.SetDefault("fieldbus.return_timeout", "2ms")
	v.SetDefault("fieldbus.safeop_multiplier", 4)
	v.SetDefault("fieldbus.network_timeout", "500ms")

	v.SetDefault("sim.listen", "127.0.0.1:5020")
	v.SetDefault("sim.units", 1)
	v.SetDefault("sim.stuck_units", []StuckUnit{})
	v.SetDefault("sim.pulses_per_poll", 0x6500000/40)

	v.SetDefault("motion.profile", "cia402-default")
	v.SetDefault("motion.stop_on_error", false)
	v.SetDefault("motion.poll_interval", "0s")
	v.SetDefault("motion.timeout", "60s")
	v.SetDefault("motion.max_read_errors", 0)
	v.SetDefault("motion.sequence", []int{0, 360, 0})

	v.SetDefault("device_profiles.search_paths", []string{"./configs/profiles"})

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "ecatmotor")
	v.SetDefault("database.user", "ecatmotor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Fieldbus.Transport {
	case TransportSim, TransportGateway:
	default:
		return fmt.Errorf("invalid fieldbus.transport %q (want %s or %s)",
			c.Fieldbus.Transport, TransportSim, TransportGateway)
	}
	if c.Fieldbus.Unit < 1 {
		return fmt.Errorf("invalid fieldbus.unit %d: units are numbered from 1", c.Fieldbus.Unit)
	}
	if c.Motion.Profile == "" {
		return fmt.Errorf("motion.profile must not be empty")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment
// variable, falling back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}

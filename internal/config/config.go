package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerName     string `mapstructure:"SERVER_NAME"`
	ListenAddr     string `mapstructure:"LISTEN_ADDR"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	LogFormat      string `mapstructure:"LOG_FORMAT"`
	InterfaceName  string `mapstructure:"WG_INTERFACE"`
	Port           int    `mapstructure:"WG_PORT"`
	Address        string `mapstructure:"WG_ADDRESS"`
	PrivateKey     string `mapstructure:"WG_PRIVATE_KEY"`
	ServerEndpoint string `mapstructure:"SERVER_ENDPOINT"`

	Pool      string `mapstructure:"WG_POOL"`
	PoolStart int    `mapstructure:"WG_POOL_START"`

	// Backend selects the interface controller: "wgctrl" talks netlink
	// directly, "cli" shells out to the wg tool.
	Backend        string        `mapstructure:"WG_BACKEND"`
	CommandTimeout time.Duration `mapstructure:"WG_COMMAND_TIMEOUT"`

	DefaultAllowedRoutes string `mapstructure:"DEFAULT_ALLOWED_ROUTES"`
	DefaultDNS           string `mapstructure:"DEFAULT_DNS"`
	DefaultKeepalive     int    `mapstructure:"DEFAULT_KEEPALIVE"`

	DatabaseDriver string `mapstructure:"DB_DRIVER"`
	DatabaseDSN    string `mapstructure:"DB_DSN"`

	StatsInterval     time.Duration `mapstructure:"STATS_INTERVAL"`
	PruneUnknownPeers bool          `mapstructure:"PRUNE_UNKNOWN_PEERS"`

	SetupInterface bool `mapstructure:"SETUP_INTERFACE"`
	SetupFirewall  bool `mapstructure:"SETUP_FIREWALL"`

	// EnvFile is where a generated server private key gets persisted.
	EnvFile string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_NAME", "wgkeeper")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("WG_INTERFACE", "wg0")
	v.SetDefault("WG_PORT", 51820)
	v.SetDefault("WG_ADDRESS", "10.0.0.1/24")
	v.SetDefault("WG_PRIVATE_KEY", "")
	v.SetDefault("SERVER_ENDPOINT", "127.0.0.1")
	v.SetDefault("WG_POOL", "10.0.0.0/24")
	v.SetDefault("WG_POOL_START", 6)
	v.SetDefault("WG_BACKEND", "wgctrl")
	v.SetDefault("WG_COMMAND_TIMEOUT", "5s")
	v.SetDefault("DEFAULT_ALLOWED_ROUTES", "0.0.0.0/0")
	v.SetDefault("DEFAULT_DNS", "1.1.1.1")
	v.SetDefault("DEFAULT_KEEPALIVE", 25)
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "wgkeeper.db")
	v.SetDefault("STATS_INTERVAL", "30s")
	v.SetDefault("PRUNE_UNKNOWN_PEERS", false)
	v.SetDefault("SETUP_INTERFACE", false)
	v.SetDefault("SETUP_FIREWALL", false)
}

// LoadConfig reads WGKEEPER_* environment variables, falling back to an
// optional .env file in the working directory.
func LoadConfig() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WGKEEPER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		// Ignore err if the file doesn't exist
		_ = v.ReadInConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.EnvFile = envFile
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	cfg.DatabaseDriver = strings.ToLower(strings.TrimSpace(cfg.DatabaseDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.InterfaceName) == "" {
		return fmt.Errorf("WG_INTERFACE must not be empty")
	}
	if _, _, err := net.ParseCIDR(c.Address); err != nil {
		return fmt.Errorf("invalid WG_ADDRESS %q: %w", c.Address, err)
	}
	ip, pool, err := net.ParseCIDR(c.Pool)
	if err != nil {
		return fmt.Errorf("invalid WG_POOL %q: %w", c.Pool, err)
	}
	if ip.To4() == nil {
		return fmt.Errorf("WG_POOL %q: only IPv4 pools are supported", c.Pool)
	}
	ones, bits := pool.Mask.Size()
	if hosts := 1 << (bits - ones); c.PoolStart < 1 || c.PoolStart > hosts-2 {
		return fmt.Errorf("WG_POOL_START %d is outside %s", c.PoolStart, c.Pool)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid WG_PORT %d", c.Port)
	}
	switch c.Backend {
	case "wgctrl", "cli":
	default:
		return fmt.Errorf("unsupported WG_BACKEND %q", c.Backend)
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DatabaseDriver)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("WG_COMMAND_TIMEOUT must be positive")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("STATS_INTERVAL must be positive")
	}
	if c.DefaultKeepalive < 0 || c.DefaultKeepalive > 65535 {
		return fmt.Errorf("invalid DEFAULT_KEEPALIVE %d", c.DefaultKeepalive)
	}
	return nil
}

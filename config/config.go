package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Registry RegistryConfig `mapstructure:"registry"`
	Staking  StakingConfig  `mapstructure:"staking"`
	Tokens   []TokenConfig  `mapstructure:"tokens"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"`
	Level      string `mapstructure:"level"`
}

type StorageConfig struct {
	Engine string `mapstructure:"engine"` // leveldb | pebble
	Path   string `mapstructure:"path"`
}

// MaxStartBlock bounds chain.start_block, leaving the counter room to advance.
const MaxStartBlock = 1 << 62

type ChainConfig struct {
	AutoMine   bool   `mapstructure:"auto_mine"` // advance one block per mutating request
	StartBlock uint64 `mapstructure:"start_block"`
}

type RegistryConfig struct {
	MaxSources int `mapstructure:"max_sources"`
}

type StakingConfig struct {
	Sources   []StakingSource `mapstructure:"sources"`
	CacheSize int             `mapstructure:"cache_size"`
	Timeout   time.Duration   `mapstructure:"timeout"`
}

// StakingSource is a staking daemon reachable at URL, known on chain as Address.
type StakingSource struct {
	Address string `mapstructure:"address"`
	URL     string `mapstructure:"url"`
}

// TokenConfig declares a wrapped token ledger hosted by this service.
type TokenConfig struct {
	Address string `mapstructure:"address"`
	Name    string `mapstructure:"name"`
	Symbol  string `mapstructure:"symbol"`
}

type DispatchConfig struct {
	URL     string        `mapstructure:"url"` // empty disables forwarding
	Rate    float64       `mapstructure:"rate"`
	Burst   int           `mapstructure:"burst"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.engine", "leveldb")
	v.SetDefault("storage.path", "data/voting")
	v.SetDefault("chain.auto_mine", true)
	v.SetDefault("registry.max_sources", 20)
	v.SetDefault("staking.cache_size", 10000)
	v.SetDefault("staking.timeout", 10*time.Second)
	v.SetDefault("dispatch.burst", 1)
	v.SetDefault("dispatch.timeout", 10*time.Second)
}

// Load reads the YAML file at path, when given, with VA_ environment
// overrides on top, e.g. VA_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "leveldb", "pebble":
	default:
		return fmt.Errorf("storage.engine: unknown engine %q", c.Storage.Engine)
	}
	if c.Chain.StartBlock > MaxStartBlock {
		return fmt.Errorf("chain.start_block must not exceed %d, got %d", uint64(MaxStartBlock), c.Chain.StartBlock)
	}
	if c.Registry.MaxSources <= 0 {
		return fmt.Errorf("registry.max_sources must be positive, got %d", c.Registry.MaxSources)
	}
	for i, s := range c.Staking.Sources {
		if s.Address == "" || s.URL == "" {
			return fmt.Errorf("staking.sources[%d]: address and url are required", i)
		}
	}
	for i, t := range c.Tokens {
		if t.Address == "" {
			return fmt.Errorf("tokens[%d]: address is required", i)
		}
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pivot-backtest/services/arrowpipeline"
	"pivot-backtest/services/clickhouse"
	"pivot-backtest/services/engine"
	"pivot-backtest/services/logging"
	"pivot-backtest/services/monitoring"
	"pivot-backtest/strategies"
)

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
	GRPCPort int `yaml:"grpc_port"`
	// JWTSecret enables bearer-token auth on /v1 routes when set.
	JWTSecret string `yaml:"jwt_secret"`
}

type EngineConfig struct {
	MaxWorkers   int     `yaml:"max_workers"`
	FillMode     string  `yaml:"fill_mode"`
	SlippageMode string  `yaml:"slippage_mode"`
	InitialCash  float64 `yaml:"initial_cash"`
	Notional     float64 `yaml:"notional"`
	TickSize     float64 `yaml:"tick_size"`
	LotSize      float64 `yaml:"lot_size"`
	MinNotional  float64 `yaml:"min_notional"`
	MakerFee     float64 `yaml:"maker_fee"`
	TakerFee     float64 `yaml:"taker_fee"`
}

// DataConfig selects where bars come from: "csv" reads <dir>/<SYMBOL>-<timeframe>.csv,
// "clickhouse" queries the bar table.
type DataConfig struct {
	Source    string `yaml:"source"`
	Dir       string `yaml:"dir"`
	Timeframe string `yaml:"timeframe"`
	GapPolicy string `yaml:"gap_policy"`
}

type Config struct {
	Environment string                     `yaml:"environment"`
	Server      ServerConfig               `yaml:"server"`
	Engine      EngineConfig               `yaml:"engine"`
	Data        DataConfig                 `yaml:"data"`
	ClickHouse  clickhouse.Config          `yaml:"clickhouse"`
	Arrow       arrowpipeline.Config       `yaml:"arrow"`
	Monitoring  monitoring.Config          `yaml:"monitoring"`
	Logging     logging.Config             `yaml:"logging"`
	Strategy    strategies.HigherLowConfig `yaml:"strategy"`
}

func Default() *Config {
	return &Config{
		Environment: "dev",
		Server:      ServerConfig{HTTPPort: 8080, GRPCPort: 9091},
		Engine: EngineConfig{
			FillMode:     "signal-close",
			SlippageMode: string(engine.SlippageNone),
			InitialCash:  10000,
		},
		Data: DataConfig{Source: "csv", Dir: "data", Timeframe: "1m", GapPolicy: "flag"},
		ClickHouse: clickhouse.Config{
			Addr:        []string{"localhost:9000"},
			HTTPURL:     "http://localhost:8123",
			Database:    "backtest",
			Table:       "data",
			Username:    "backtest",
			DialTimeout: 10 * time.Second,
			Compress:    true,
		},
		Arrow:      arrowpipeline.Config{BatchSize: 8192},
		Monitoring: monitoring.Config{Namespace: "backtest", GoCollectors: true},
		Logging:    logging.DefaultConfig(),
		Strategy:   strategies.DefaultHigherLowConfig(),
	}
}

// Load reads defaults, then the YAML file at path (if any), then environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("BACKTEST_ENV", &c.Environment)
	num("HTTP_PORT", &c.Server.HTTPPort)
	num("GRPC_PORT", &c.Server.GRPCPort)
	str("JWT_SECRET", &c.Server.JWTSecret)
	num("MAX_WORKERS", &c.Engine.MaxWorkers)
	str("FILL_MODE", &c.Engine.FillMode)
	str("DATA_SOURCE", &c.Data.Source)
	str("DATA_DIR", &c.Data.Dir)
	str("CH_DATABASE", &c.ClickHouse.Database)
	str("CH_TABLE", &c.ClickHouse.Table)
	str("CH_USER", &c.ClickHouse.Username)
	str("CH_PASSWORD", &c.ClickHouse.Password)
	str("CH_HTTP_URL", &c.ClickHouse.HTTPURL)
	if v, ok := lookup("CH_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.ClickHouse.Addr = strings.Split(strings.TrimSpace(v), ",")
	}
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FILE", &c.Logging.File)
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.GRPCPort <= 0 {
		return errors.New("server ports must be positive")
	}
	if _, err := engine.ParseFillMode(c.Engine.FillMode); err != nil {
		return err
	}
	if _, err := engine.ParseSlippageMode(c.Engine.SlippageMode); err != nil {
		return err
	}
	if _, err := engine.ParseGapPolicy(c.Data.GapPolicy); err != nil {
		return err
	}
	switch c.Data.Source {
	case "csv", "clickhouse":
	default:
		return fmt.Errorf("unknown data source %q", c.Data.Source)
	}
	if c.Engine.InitialCash < 0 || c.Engine.Notional < 0 {
		return errors.New("engine cash and notional must not be negative")
	}
	return c.Strategy.Validate()
}

// JobDefaults converts the engine section into the defaults jobs start from.
func (c *Config) JobDefaults() engine.JobDefaults {
	fill, _ := engine.ParseFillMode(c.Engine.FillMode)
	slip, _ := engine.ParseSlippageMode(c.Engine.SlippageMode)
	return engine.JobDefaults{
		Strategy:    c.Strategy,
		Timeframe:   c.Data.Timeframe,
		FillMode:    fill,
		Slippage:    slip,
		Rules:       engine.NewExchangeRules(c.Engine.TickSize, c.Engine.LotSize, c.Engine.MinNotional, c.Engine.MakerFee, c.Engine.TakerFee),
		InitialCash: c.Engine.InitialCash,
		Notional:    c.Engine.Notional,
	}
}

func (c *Config) LoaderConfig() engine.LoaderConfig {
	policy, _ := engine.ParseGapPolicy(c.Data.GapPolicy)
	return engine.LoaderConfig{GapPolicy: policy}
}

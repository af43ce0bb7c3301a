package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/iggydv12/treecast/internal/metadata"
	"github.com/iggydv12/treecast/internal/ranking"
	"github.com/iggydv12/treecast/internal/refresh"
)

// Config is the root configuration struct
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Search   SearchConfig   `mapstructure:"search"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Loop     LoopConfig     `mapstructure:"loop"`
}

// NodeConfig holds the node's identity and endpoints
type NodeConfig struct {
	// ID is the address other nodes reach this node's gRPC server on. Empty
	// means the bound gRPC address.
	ID         string           `mapstructure:"id"`
	// Token is the node's overlay token. Zero derives it from the node ID.
	Token      uint32           `mapstructure:"token"`
	GRPCListen string           `mapstructure:"grpcListen"`
	RESTListen string           `mapstructure:"restListen"`
	DataDir    string           `mapstructure:"dataDir"`
	Coordinate CoordinateConfig `mapstructure:"coordinate"`
}

// CoordinateConfig is the node's initial network coordinate
type CoordinateConfig struct {
	Values []float64 `mapstructure:"values"`
	Stable bool      `mapstructure:"stable"`
}

// SearchConfig holds anycast tunables
type SearchConfig struct {
	Policy          string `mapstructure:"policy"`
	MaxHops         int    `mapstructure:"maxHops"`
	MaxFanout       int    `mapstructure:"maxFanout"`
	LossThreshold   int    `mapstructure:"lossThreshold"`
	FastConvergence bool   `mapstructure:"fastConvergence"`
	Shuffle         bool   `mapstructure:"shuffle"`
	Centralized     bool   `mapstructure:"centralized"`
}

// RefreshConfig holds metadata propagation tunables
type RefreshConfig struct {
	Strategy  string        `mapstructure:"strategy"`
	BatchSize int           `mapstructure:"batchSize"`
	Burst     int           `mapstructure:"burst"`
	Period    time.Duration `mapstructure:"period"`
	Staleness string        `mapstructure:"staleness"`
	Ack       bool          `mapstructure:"ack"`
	Immediate bool          `mapstructure:"immediate"`
}

// ScheduleConfig holds scheduler interval settings
type ScheduleConfig struct {
	RefreshTick  time.Duration `mapstructure:"refreshTick"`
	CacheRebuild time.Duration `mapstructure:"cacheRebuild"`
}

// LoopConfig sizes the control loop
type LoopConfig struct {
	QueueSize int `mapstructure:"queueSize"`
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("node.id", "")
	v.SetDefault("node.token", 0)
	v.SetDefault("node.grpcListen", "0.0.0.0:7400")
	v.SetDefault("node.restListen", "0.0.0.0:8400")
	v.SetDefault("node.dataDir", "/tmp/treecast")
	v.SetDefault("node.coordinate.values", []float64{})
	v.SetDefault("node.coordinate.stable", false)
	v.SetDefault("search.policy", "time")
	v.SetDefault("search.maxHops", 20)
	v.SetDefault("search.maxFanout", 5)
	v.SetDefault("search.lossThreshold", 50)
	v.SetDefault("search.fastConvergence", false)
	v.SetDefault("search.shuffle", true)
	v.SetDefault("search.centralized", false)
	v.SetDefault("refresh.strategy", "piggyback")
	v.SetDefault("refresh.batchSize", 25)
	v.SetDefault("refresh.burst", 25)
	v.SetDefault("refresh.period", time.Second)
	v.SetDefault("refresh.staleness", "always")
	v.SetDefault("refresh.ack", false)
	v.SetDefault("refresh.immediate", false)
	v.SetDefault("schedule.refreshTick", 100*time.Millisecond)
	v.SetDefault("schedule.cacheRebuild", 5*time.Second)
	v.SetDefault("loop.queueSize", 1024)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("treecast")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks names and ranges that viper cannot.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ranking.ParsePolicy(c.Search.Policy); err != nil {
		errs = append(errs, err)
	}
	if _, err := refresh.ParseStrategy(c.Refresh.Strategy); err != nil {
		errs = append(errs, err)
	}
	if _, err := metadata.ParseStalenessPolicy(c.Refresh.Staleness); err != nil {
		errs = append(errs, err)
	}
	if c.Search.LossThreshold < 1 || c.Search.LossThreshold > 100 {
		errs = append(errs, fmt.Errorf("search.lossThreshold %d out of range", c.Search.LossThreshold))
	}
	if c.Search.MaxHops < 1 {
		errs = append(errs, fmt.Errorf("search.maxHops must be positive, got %d", c.Search.MaxHops))
	}
	if c.Schedule.RefreshTick <= 0 || c.Schedule.CacheRebuild <= 0 {
		errs = append(errs, errors.New("schedule intervals must be positive"))
	}
	if c.Node.GRPCListen == "" {
		errs = append(errs, errors.New("node.grpcListen is required"))
	}
	return errors.Join(errs...)
}

// Coordinate returns the configured coordinate, nil when none is set.
func (c *Config) Coordinate() *metadata.Coordinate {
	if len(c.Node.Coordinate.Values) == 0 {
		return nil
	}
	return &metadata.Coordinate{
		Values: append([]float64(nil), c.Node.Coordinate.Values...),
		Stable: c.Node.Coordinate.Stable,
	}
}

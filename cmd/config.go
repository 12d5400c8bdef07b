package cmd

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neutree-ai/serve-router/pool"
	"github.com/neutree-ai/serve-router/router"
)

// RoutingConfig mirrors router.Config's YAML surface, following the teacher's
// strict-decode pattern in cmd/default_config.go (Design Notes §9, "Global
// mutable state": an explicit struct threaded through constructors, never a
// package-level global).
type RoutingConfig struct {
	Policy                  string  `yaml:"policy"`
	VirtualNodesPerReplica  int     `yaml:"virtual_nodes_per_replica"`
	LoadFactor              float64 `yaml:"load_factor"`
	MaxUserMessagesForCache int     `yaml:"max_user_messages_for_cache"`
	QueueLenStalenessSecs   float64 `yaml:"queue_len_staleness_secs"`
}

// PoolConfig mirrors pool.Config's YAML surface.
type PoolConfig struct {
	TotalSlots        int     `yaml:"total_slots"`
	CooldownDelaySecs float64 `yaml:"cooldown_delay_secs"`
	RecycleDelaySecs  float64 `yaml:"recycle_delay_secs"`
	TickIntervalSecs  float64 `yaml:"tick_interval_secs"`
}

// ModelConfig names one model this process can serve.
type ModelConfig struct {
	ID      string `yaml:"id"`
	OwnedBy string `yaml:"owned_by"`
}

// Config is the full YAML configuration for the serve-router process. All
// top-level sections must be listed to satisfy KnownFields(true) strict
// parsing, as the teacher requires of its own defaults.yaml.
type Config struct {
	Routing RoutingConfig `yaml:"routing"`
	Pool    PoolConfig    `yaml:"pool"`
	Models  []ModelConfig `yaml:"models"`
}

// LoadConfig parses path into a Config using strict field checking.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cmd: read config %s: %w", path, err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("cmd: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// RouterConfig converts the YAML routing section into router.Config, letting
// zero values fall through to router.DefaultConfig() via normalized().
func (c Config) RouterConfig() router.Config {
	return router.Config{
		VirtualNodesPerReplica:  c.Routing.VirtualNodesPerReplica,
		LoadFactor:              c.Routing.LoadFactor,
		MaxUserMessagesForCache: c.Routing.MaxUserMessagesForCache,
		QueueLenStalenessSecs:   c.Routing.QueueLenStalenessSecs,
	}
}

// PoolManagerConfig converts the YAML pool section into pool.Config.
func (c Config) PoolManagerConfig() pool.Config {
	return pool.Config{
		TotalSlots:    c.Pool.TotalSlots,
		CooldownDelay: secondsToDuration(c.Pool.CooldownDelaySecs),
		RecycleDelay:  secondsToDuration(c.Pool.RecycleDelaySecs),
		TickInterval:  secondsToDuration(c.Pool.TickIntervalSecs),
	}
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// Package gasconfig loads quarry's protocol parameters: the gas cost
// schedule and structural limits. These are consensus constants, so every
// node in a network must load an identical configuration and parsing is
// strict: unknown keys and operation names are rejected rather than ignored.
package gasconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/quarryvm/quarry/vm"
)

// Cost is one schedule entry.
type Cost struct {
	Base    uint64 `toml:"base"`
	PerByte uint64 `toml:"per_byte"`
}

// Config is the parsed quarry.toml protocol configuration.
type Config struct {
	MaxCallDepth int             `toml:"max_call_depth"`
	MaxTypeDepth int             `toml:"max_type_depth"`
	MaxValueSize uint64          `toml:"max_value_size"`
	Gas          map[string]Cost `toml:"gas"`
}

// Default returns a configuration mirroring the built-in defaults.
func Default() *Config {
	limits := vm.DefaultLimits()
	sched := vm.DefaultSchedule()
	cfg := &Config{
		MaxCallDepth: limits.MaxCallDepth,
		MaxTypeDepth: limits.MaxTypeDepth,
		MaxValueSize: limits.MaxValueSize,
		Gas:          make(map[string]Cost),
	}
	for _, k := range vm.AllOpKinds() {
		c := sched.Cost(k)
		cfg.Gas[k.String()] = Cost{Base: c.Base, PerByte: c.PerByte}
	}
	return cfg
}

// Load parses a quarry.toml file. Limits left unset fall back to defaults;
// gas entries left unset fall back to the default schedule.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(string(data))
}

// Parse parses TOML configuration text.
func Parse(text string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for _, key := range meta.Undecoded() {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	for name := range cfg.Gas {
		if _, ok := vm.OpKindByName(name); !ok {
			return nil, fmt.Errorf("unknown gas operation %q", name)
		}
	}
	def := vm.DefaultLimits()
	if cfg.MaxCallDepth == 0 {
		cfg.MaxCallDepth = def.MaxCallDepth
	}
	if cfg.MaxTypeDepth == 0 {
		cfg.MaxTypeDepth = def.MaxTypeDepth
	}
	if cfg.MaxValueSize == 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	return cfg, nil
}

// Limits converts the structural bounds.
func (c *Config) Limits() vm.Limits {
	return vm.Limits{
		MaxCallDepth: c.MaxCallDepth,
		MaxTypeDepth: c.MaxTypeDepth,
		MaxValueSize: c.MaxValueSize,
	}
}

// Schedule builds the cost table: configured entries override the default
// schedule entry for the same operation.
func (c *Config) Schedule() *vm.Schedule {
	costs := make(map[vm.OpKind]vm.GasCost)
	def := vm.DefaultSchedule()
	for _, k := range vm.AllOpKinds() {
		costs[k] = def.Cost(k)
	}
	for name, cost := range c.Gas {
		k, _ := vm.OpKindByName(name) // validated by Parse
		costs[k] = vm.GasCost{Base: cost.Base, PerByte: cost.PerByte}
	}
	return vm.NewSchedule(costs)
}

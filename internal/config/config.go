package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the service. All values are pure data; port
// and slot changes only affect containers created afterwards.
type Config struct {
	// Addr is the API listen address.
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// MaxInstances is the fixed slot count. Slots are 0..MaxInstances-1.
	MaxInstances int `json:"max_instances" yaml:"max_instances" toml:"max_instances"`

	// Image is the simulator image reference.
	Image string `json:"image" yaml:"image" toml:"image"`

	// ContainerPrefix is the stem of the deterministic container name:
	// "<prefix>-<instance_id>".
	ContainerPrefix string `json:"container_prefix" yaml:"container_prefix" toml:"container_prefix"`

	// Per-slot ports are base + instance_id.
	HTTPPortBase   int `json:"http_port_base" yaml:"http_port_base" toml:"http_port_base"`
	SignalPortBase int `json:"signal_port_base" yaml:"signal_port_base" toml:"signal_port_base"`
	NativePortBase int `json:"native_port_base" yaml:"native_port_base" toml:"native_port_base"`

	// Resource limits per container, docker size syntax ("8g", "512m").
	MemoryLimit string `json:"memory_limit" yaml:"memory_limit" toml:"memory_limit"`
	ShmSize     string `json:"shm_size" yaml:"shm_size" toml:"shm_size"`

	// DataRoot is where per-instance cache directories are bind-mounted from.
	DataRoot string `json:"data_root" yaml:"data_root" toml:"data_root"`

	GPUEnabled       bool `json:"gpu_enabled" yaml:"gpu_enabled" toml:"gpu_enabled"`
	StreamingEnabled bool `json:"streaming_enabled" yaml:"streaming_enabled" toml:"streaming_enabled"`

	// StopGraceSeconds bounds a graceful stop before the engine force-kills.
	StopGraceSeconds int `json:"stop_grace_seconds" yaml:"stop_grace_seconds" toml:"stop_grace_seconds"`

	// ReadyGraceSeconds is how long after engine-reported start a slot is
	// still reported "starting". The simulator loads shaders for a while
	// after its process is up; the stream endpoint is presumed reachable
	// only once this much uptime has passed.
	ReadyGraceSeconds int `json:"ready_grace_seconds" yaml:"ready_grace_seconds" toml:"ready_grace_seconds"`
}

// EnvPrefix is the prefix of environment overrides, e.g. SIMBAY_MAX_INSTANCES.
const EnvPrefix = "SIMBAY_"

// Default returns the configuration used when no file or env says otherwise.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Addr:              ":8080",
		MaxInstances:      4,
		Image:             "nvcr.io/nvidia/isaac-sim:5.1.0",
		ContainerPrefix:   "simbay-instance",
		HTTPPortBase:      8211,
		SignalPortBase:    8011,
		NativePortBase:    8899,
		MemoryLimit:       "8g",
		ShmSize:           "2g",
		DataRoot:          filepath.Join(home, "simbay"),
		GPUEnabled:        true,
		StreamingEnabled:  true,
		StopGraceSeconds:  10,
		ReadyGraceSeconds: 30,
	}
}

// Load reads a configuration file based on its extension (.toml, .yaml/.yml,
// .json), layered over Default, then applies SIMBAY_* env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".toml":
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".json":
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			return cfg, fmt.Errorf("unsupported config extension: %s", ext)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr("ADDR", &c.Addr)
	setInt("MAX_INSTANCES", &c.MaxInstances)
	setStr("IMAGE", &c.Image)
	setStr("CONTAINER_PREFIX", &c.ContainerPrefix)
	setInt("HTTP_PORT_BASE", &c.HTTPPortBase)
	setInt("SIGNAL_PORT_BASE", &c.SignalPortBase)
	setInt("NATIVE_PORT_BASE", &c.NativePortBase)
	setStr("MEMORY_LIMIT", &c.MemoryLimit)
	setStr("SHM_SIZE", &c.ShmSize)
	setStr("DATA_ROOT", &c.DataRoot)
	setBool("GPU_ENABLED", &c.GPUEnabled)
	setBool("STREAMING_ENABLED", &c.StreamingEnabled)
	setInt("STOP_GRACE_SECONDS", &c.StopGraceSeconds)
	setInt("READY_GRACE_SECONDS", &c.ReadyGraceSeconds)
}

// Validate rejects configurations the manager cannot operate under.
func (c Config) Validate() error {
	if c.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be positive, got %d", c.MaxInstances)
	}
	if c.Image == "" {
		return fmt.Errorf("image must not be empty")
	}
	if c.ContainerPrefix == "" {
		return fmt.Errorf("container_prefix must not be empty")
	}
	for _, p := range []int{c.HTTPPortBase, c.SignalPortBase, c.NativePortBase} {
		if p <= 0 || p+c.MaxInstances-1 > 65535 {
			return fmt.Errorf("port base %d leaves no room for %d instances", p, c.MaxInstances)
		}
	}
	// The three ranges [base, base+max) must not collide, or two slots
	// would share a host port.
	ranges := [][2]int{
		{c.HTTPPortBase, c.HTTPPortBase + c.MaxInstances},
		{c.SignalPortBase, c.SignalPortBase + c.MaxInstances},
		{c.NativePortBase, c.NativePortBase + c.MaxInstances},
	}
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			if ranges[i][0] < ranges[j][1] && ranges[j][0] < ranges[i][1] {
				return fmt.Errorf("port ranges overlap: [%d,%d) and [%d,%d)",
					ranges[i][0], ranges[i][1], ranges[j][0], ranges[j][1])
			}
		}
	}
	if c.StopGraceSeconds < 0 || c.ReadyGraceSeconds < 0 {
		return fmt.Errorf("grace periods must not be negative")
	}
	return nil
}

// StopGrace returns the graceful-stop bound as a duration.
func (c Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// ReadyGrace returns the readiness grace period as a duration.
func (c Config) ReadyGrace() time.Duration {
	return time.Duration(c.ReadyGraceSeconds) * time.Second
}

// ContainerName returns the deterministic name for a slot. Stable across
// process restarts, which is what lets the manager rediscover containers
// without persisting anything.
func (c Config) ContainerName(instanceID int) string {
	return fmt.Sprintf("%s-%d", c.ContainerPrefix, instanceID)
}

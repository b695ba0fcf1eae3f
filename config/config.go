// Package config loads pillbox settings from a YAML file layered over
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// "development" attaches diagnostic detail to internal error responses.
	Environment string `yaml:"environment"`

	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Inventory  InventoryConfig  `yaml:"inventory"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	DebugListen    string   `yaml:"debug_listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	// "firestore" or "badger".
	Backend string `yaml:"backend"`

	DataProject       string `yaml:"data_project"`
	InventoryDocument string `yaml:"inventory_document"`

	BadgerDir string `yaml:"badger_dir"`
}

type ScheduleConfig struct {
	ReferenceTimezone string        `yaml:"reference_timezone"`
	AdherencePolicy   string        `yaml:"adherence_policy"`
	PollPeriod        time.Duration `yaml:"poll_period"`
	FireConcurrency   int64         `yaml:"fire_concurrency"`
}

type InventoryConfig struct {
	MaxCapacity int64    `yaml:"max_capacity"`
	Medicines   []string `yaml:"medicines"`
}

// RedisConfig enables the trigger fire lock when Address is set.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type MonitoringConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Project    string  `yaml:"project"`
	TraceRatio float64 `yaml:"trace_ratio"`
}

func Defaults() *Config {
	return &Config{
		Environment: "production",
		Server: ServerConfig{
			Listen:      "127.0.0.1:5000",
			DebugListen: "127.0.0.1:8001",
			AllowedOrigins: []string{
				"https://smart-medicine-monitoring.netlify.app",
				"http://localhost:3000",
			},
		},
		Store: StoreConfig{
			Backend:           "badger",
			InventoryDocument: "settings",
			BadgerDir:         "pillbox-data",
		},
		Schedule: ScheduleConfig{
			ReferenceTimezone: "Asia/Manila",
			AdherencePolicy:   "standard",
			PollPeriod:        1 * time.Minute,
			FireConcurrency:   16,
		},
		Inventory: InventoryConfig{
			MaxCapacity: 10,
			Medicines:   []string{"medicine_1", "medicine_2", "medicine_3"},
		},
		Redis: RedisConfig{
			LockTTL: 2 * time.Minute,
		},
		Monitoring: MonitoringConfig{
			TraceRatio: 0.0001,
		},
	}
}

// Load reads path over the defaults.  A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("while reading config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("while parsing config file %q: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the settings that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "firestore":
		if c.Store.DataProject == "" {
			return fmt.Errorf("store.data_project is required for the firestore backend")
		}
	case "badger":
		if c.Store.BadgerDir == "" {
			return fmt.Errorf("store.badger_dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Store.InventoryDocument == "" {
		return fmt.Errorf("store.inventory_document must not be empty")
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.Schedule.PollPeriod <= 0 {
		return fmt.Errorf("schedule.poll_period must be positive, got %v", c.Schedule.PollPeriod)
	}

	if c.Schedule.FireConcurrency <= 0 {
		return fmt.Errorf("schedule.fire_concurrency must be positive, got %d", c.Schedule.FireConcurrency)
	}

	if c.Inventory.MaxCapacity <= 0 {
		return fmt.Errorf("inventory.max_capacity must be positive, got %d", c.Inventory.MaxCapacity)
	}

	if len(c.Inventory.Medicines) == 0 {
		return fmt.Errorf("inventory.medicines must not be empty")
	}

	return nil
}

// Location loads the reference timezone every schedule comparison uses.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Schedule.ReferenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("while loading reference timezone %q: %w", c.Schedule.ReferenceTimezone, err)
	}
	return loc, nil
}

// Development reports whether diagnostic error detail may be exposed.
func (c *Config) Development() bool {
	return c.Environment == "development"
}

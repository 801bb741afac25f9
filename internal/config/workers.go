package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/dws/internal/app/domain/worker"
)

// WorkerSettings configures one entry of the worker catalogue.
type WorkerSettings struct {
	Enabled     bool   `yaml:"enabled"`
	Port        int    `yaml:"port"`
	Capability  string `yaml:"capability"`
	Description string `yaml:"description"`
}

// WorkersConfig is the stateless worker catalogue keyed by worker type.
type WorkersConfig struct {
	Workers map[string]*WorkerSettings `yaml:"workers"`
}

// LoadWorkersConfigFromPath loads a catalogue override file.
func LoadWorkersConfigFromPath(path string) (*WorkersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workers config: %w", err)
	}

	var cfg WorkersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse workers config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every enabled worker has a port and capability.
func (c *WorkersConfig) Validate() error {
	for id, settings := range c.Workers {
		if settings == nil || !settings.Enabled {
			continue
		}
		if settings.Port <= 0 || settings.Port > 65535 {
			return fmt.Errorf("worker %s: port is required", id)
		}
		if strings.TrimSpace(settings.Capability) == "" {
			return fmt.Errorf("worker %s: capability is required", id)
		}
	}
	return nil
}

// Merge overlays other on top of c. Entries in other replace whole entries in c.
func (c *WorkersConfig) Merge(other *WorkersConfig) {
	if other == nil {
		return
	}
	if c.Workers == nil {
		c.Workers = make(map[string]*WorkerSettings, len(other.Workers))
	}
	for id, settings := range other.Workers {
		c.Workers[GetWorkerType(id)] = settings
	}
}

// Catalogue returns the enabled worker specs sorted by type.
func (c *WorkersConfig) Catalogue() []worker.Spec {
	specs := make([]worker.Spec, 0, len(c.Workers))
	for id, settings := range c.Workers {
		if settings == nil || !settings.Enabled {
			continue
		}
		specs = append(specs, worker.Spec{
			Type:        worker.Type(id),
			Capability:  settings.Capability,
			Port:        settings.Port,
			Description: settings.Description,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Type < specs[j].Type })
	return specs
}

// DefaultWorkersConfig returns the built-in worker catalogue.
func DefaultWorkersConfig() *WorkersConfig {
	return &WorkersConfig{
		Workers: map[string]*WorkerSettings{
			"rand": {
				Enabled:     true,
				Port:        8081,
				Capability:  "compute",
				Description: "Verifiable random number generation",
			},
			"oracle": {
				Enabled:     true,
				Port:        8082,
				Capability:  "compute",
				Description: "External data delivery with proofs",
			},
			"feeds": {
				Enabled:     true,
				Port:        8083,
				Capability:  "compute",
				Description: "Market data aggregation",
			},
			"accounts": {
				Enabled:     true,
				Port:        8084,
				Capability:  "compute",
				Description: "Account pool management",
			},
			"vault": {
				Enabled:     true,
				Port:        8085,
				Capability:  "tee",
				Description: "Confidential key operations",
			},
			"compute": {
				Enabled:     true,
				Port:        8086,
				Capability:  "compute",
				Description: "Sandboxed function execution",
			},
			"flow": {
				Enabled:     true,
				Port:        8087,
				Capability:  "compute",
				Description: "Scheduled workflow execution",
			},
			"store": {
				Enabled:     true,
				Port:        8088,
				Capability:  "storage",
				Description: "Encrypted object storage gateway",
			},
		},
	}
}

// WorkerTypeAliases maps legacy worker names to catalogue types.
var WorkerTypeAliases = map[string]string{
	"vrf":         "rand",
	"neorand":     "rand",
	"neooracle":   "oracle",
	"neofeeds":    "feeds",
	"neoaccounts": "accounts",
	"neovault":    "vault",
	"neocompute":  "compute",
	"neoflow":     "flow",
	"neostore":    "store",
	"secrets":     "store",
}

// GetWorkerType resolves an alias to its catalogue type.
func GetWorkerType(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if t, ok := WorkerTypeAliases[name]; ok {
		return t
	}
	return name
}

package syncengine

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
)

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 100
)

// configFile is the on-disk shape of a sync configuration set.
type configFile struct {
	Configurations []configEntry `yaml:"configurations"`
}

// configEntry mirrors SyncConfiguration with YAML-friendly field types.
type configEntry struct {
	ID                   string         `yaml:"id"`
	SourceSystem         string         `yaml:"source_system"`
	TargetSystem         string         `yaml:"target_system"`
	Direction            string         `yaml:"direction"`
	EntityTypes          []string       `yaml:"entity_types"`
	Interval             string         `yaml:"interval"`
	BatchSize            int            `yaml:"batch_size"`
	Strategy             string         `yaml:"strategy"`
	FieldMappings        []FieldMapping `yaml:"field_mappings"`
	EqualVersionConflict bool           `yaml:"equal_version_conflict"`
	TenantID             string         `yaml:"tenant_id"`
}

// LoadConfigFile reads and validates sync configurations from a YAML
// file.
func LoadConfigFile(path string) ([]SyncConfiguration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindSystem, err)
	}
	defer f.Close()
	return LoadConfig(f)
}

// LoadConfig reads and validates sync configurations from YAML.
func LoadConfig(r io.Reader) ([]SyncConfiguration, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindSystem, err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
			fmt.Errorf("invalid sync configuration yaml: %w", err))
	}
	if len(file.Configurations) == 0 {
		return nil, coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
			fmt.Errorf("no configurations defined"))
	}

	seen := make(map[string]struct{}, len(file.Configurations))
	out := make([]SyncConfiguration, 0, len(file.Configurations))
	for i, entry := range file.Configurations {
		cfg, err := entry.toConfiguration()
		if err != nil {
			return nil, coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
				fmt.Errorf("configuration %d: %w", i, err))
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, coreErrors.E(coreErrors.OpSync, engineComponent, coreErrors.KindValidation,
				fmt.Errorf("duplicate configuration id %q", cfg.ID))
		}
		seen[cfg.ID] = struct{}{}
		out = append(out, cfg)
	}
	return out, nil
}

func (e configEntry) toConfiguration() (SyncConfiguration, error) {
	cfg := SyncConfiguration{
		ID:                   e.ID,
		SourceSystem:         e.SourceSystem,
		TargetSystem:         e.TargetSystem,
		Direction:            SyncDirection(e.Direction),
		EntityTypes:          e.EntityTypes,
		BatchSize:            e.BatchSize,
		Strategy:             ConflictStrategy(e.Strategy),
		FieldMappings:        e.FieldMappings,
		EqualVersionConflict: e.EqualVersionConflict,
		TenantID:             e.TenantID,
	}
	if e.Interval != "" {
		d, err := time.ParseDuration(e.Interval)
		if err != nil {
			return cfg, fmt.Errorf("invalid interval %q: %w", e.Interval, err)
		}
		cfg.Interval = d
	}
	return cfg, cfg.Validate()
}

// Validate fills defaults and rejects configurations the engine could
// not run.
func (c *SyncConfiguration) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.SourceSystem == "" || c.TargetSystem == "" {
		return fmt.Errorf("source_system and target_system are required")
	}
	if c.SourceSystem == c.TargetSystem {
		return fmt.Errorf("source_system and target_system must differ")
	}
	switch c.Direction {
	case DirectionPush, DirectionPull, DirectionBidirectional:
	case "":
		c.Direction = DirectionPush
	default:
		return fmt.Errorf("unknown direction %q", c.Direction)
	}
	if len(c.EntityTypes) == 0 {
		return fmt.Errorf("at least one entity type is required")
	}
	if _, err := resolverFor(c.Strategy); err != nil {
		return err
	}
	if c.Strategy == "" {
		c.Strategy = StrategyLastWriteWins
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	for _, m := range c.FieldMappings {
		if m.From == "" || m.To == "" {
			return fmt.Errorf("field mappings need both from and to")
		}
	}
	return nil
}

// policy.go defines the per-entity-type ComparisonPolicy and the TOML
// pipeline configuration that is the only surface required to onboard a
// new entity type onto the delta engine.

package tg

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ComparisonPolicy declares which fields of an entity type participate in
// change detection and with which equality semantics.
//
//   - CompareFields: the curated set of field names the engine diffs.
//     Fields outside this set never trigger a Modified classification
//     (server-assigned bookkeeping fields stay out of the ledger).
//   - ArrayFields: subset of CompareFields compared as unordered
//     collections — membership and count matter, enumeration order does
//     not.
//   - EmbeddedObjectFields: subset of CompareFields compared by
//     structural equality of the nested object.
//   - TrackDeletes: whether ids present in the store but absent from the
//     fresh snapshot are classified Deleted.
//   - SoftDelete: whether a Deleted classification also queues a
//     soft-delete marker against the store.
type ComparisonPolicy struct {
	EntityType           string   `toml:"entity_type"`
	CompareFields        []string `toml:"compare_fields"`
	ArrayFields          []string `toml:"array_fields"`
	EmbeddedObjectFields []string `toml:"embedded_object_fields"`
	TrackDeletes         bool     `toml:"track_deletes"`
	SoftDelete           bool     `toml:"soft_delete"`
}

// Validate checks the policy's internal consistency: a non-empty entity
// type, at least one compare field, and Array/EmbeddedObject fields that
// are each also compare fields.
func (p ComparisonPolicy) Validate() error {
	if strings.TrimSpace(p.EntityType) == "" {
		return fmt.Errorf("%w: entity type is required", ErrPolicyInvalid)
	}
	if len(p.CompareFields) == 0 {
		return fmt.Errorf("%w: %s: at least one compare field is required", ErrPolicyInvalid, p.EntityType)
	}

	compare := make(map[string]struct{}, len(p.CompareFields))
	for _, f := range p.CompareFields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: %s: empty compare field name", ErrPolicyInvalid, p.EntityType)
		}
		compare[f] = struct{}{}
	}
	for _, f := range p.ArrayFields {
		if _, ok := compare[f]; !ok {
			return fmt.Errorf("%w: %s: array field %q is not a compare field", ErrPolicyInvalid, p.EntityType, f)
		}
	}
	for _, f := range p.EmbeddedObjectFields {
		if _, ok := compare[f]; !ok {
			return fmt.Errorf("%w: %s: embedded object field %q is not a compare field", ErrPolicyInvalid, p.EntityType, f)
		}
	}
	return nil
}

func (p ComparisonPolicy) isArrayField(name string) bool {
	for _, f := range p.ArrayFields {
		if f == name {
			return true
		}
	}
	return false
}

func (p ComparisonPolicy) isEmbeddedObjectField(name string) bool {
	for _, f := range p.EmbeddedObjectFields {
		if f == name {
			return true
		}
	}
	return false
}

// PipelineConfig is the declarative description of one collector pipeline:
// its comparison policy plus its orchestration criticality.
type PipelineConfig struct {
	Critical bool             `toml:"critical"`
	Policy   ComparisonPolicy `toml:"policy"`
}

// SyncConfig is the TOML configuration table for a full run: global
// append-log and retry tuning plus one PipelineConfig per logical
// pipeline name.
type SyncConfig struct {
	FlushThresholdBytes int                       `toml:"flush_threshold_bytes"`
	SyncRetries         int                       `toml:"sync_retries"`
	SyncRetryDelayMS    int                       `toml:"sync_retry_delay_ms"`
	Pipelines           map[string]PipelineConfig `toml:"pipelines"`
}

// DefaultSyncConfig returns a SyncConfig with production defaults and no
// pipelines.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		FlushThresholdBytes: 1 << 20,
		SyncRetries:         2,
		SyncRetryDelayMS:    5000,
		Pipelines:           map[string]PipelineConfig{},
	}
}

// LoadSyncConfig reads a SyncConfig from a TOML file and validates every
// pipeline's comparison policy.
func LoadSyncConfig(path string) (*SyncConfig, error) {
	cfg := DefaultSyncConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("load sync config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the global tuning values and each pipeline policy.
func (c *SyncConfig) Validate() error {
	if c.FlushThresholdBytes <= 0 {
		return fmt.Errorf("%w: flush_threshold_bytes must be positive", ErrPolicyInvalid)
	}
	if c.SyncRetries < 0 {
		return fmt.Errorf("%w: sync_retries cannot be negative", ErrPolicyInvalid)
	}
	for name, pipe := range c.Pipelines {
		if err := pipe.Policy.Validate(); err != nil {
			return fmt.Errorf("pipeline %s: %w", name, err)
		}
	}
	return nil
}

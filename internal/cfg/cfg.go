// Package cfg decodes the core's single configuration snapshot. It
// does not watch the file, does not hot-reload, and does not persist
// anything back — the decision layer owns that.
package cfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/soloxyq/pyahk/internal/key"
)

// SendMode selects the OS mechanism used to deliver a key.
type SendMode string

const (
	SendDirect  SendMode = "direct"
	SendControl SendMode = "control"
)

// StationaryVariant mirrors executor.StationaryVariant at the config
// boundary, decoded from the snapshot's string form.
type StationaryVariant string

const (
	StationaryOff           StationaryVariant = "off"
	StationaryShiftModifier StationaryVariant = "shift_modifier"
)

// ManagedKey is one entry of the managed_keys mapping: a Priority-mode
// registration's rewrite target and delay.
type ManagedKey struct {
	Target  string `yaml:"target_key"`
	DelayMs uint64 `yaml:"delay_ms"`
}

// TriggerMode selects how a skill decides it is time to fire; the
// core only consumes the Press/Sequence a skill emits, never the
// detection parameters themselves.
type TriggerMode string

const (
	TriggerTimer    TriggerMode = "timer"
	TriggerCooldown TriggerMode = "cooldown"
	TriggerHold     TriggerMode = "hold"
)

// Skill is one periodic scheduler entry as authored by the decision
// layer; CooldownParams and ExecuteCondition are opaque to the core
// and simply threaded through to the caller that wires callbacks.
type Skill struct {
	ID               string         `yaml:"id"`
	KeyOrSequence    []string       `yaml:"key_or_sequence"`
	Trigger          TriggerMode    `yaml:"trigger_mode"`
	IntervalMs       uint64         `yaml:"interval_ms,omitempty"`
	CooldownParams   map[string]any `yaml:"cooldown_detection_params,omitempty"`
	ExecuteCondition string         `yaml:"execute_condition,omitempty"`
	Priority         int            `yaml:"priority"`
}

// StationaryMode is the stationary_mode snapshot field.
type StationaryMode struct {
	Active  bool              `yaml:"active"`
	Variant StationaryVariant `yaml:"variant"`
}

// Snapshot is the whole configuration surface the core consumes. It is
// immutable once decoded: the macro controller swaps to a new
// Snapshot with a single pointer publish rather than mutating fields
// in place.
type Snapshot struct {
	EmergencyHPKey          string                `yaml:"emergency_hp_key"`
	EmergencyMPKey          string                `yaml:"emergency_mp_key"`
	SpecialKeys             []string              `yaml:"special_keys"`
	ManagedKeys             map[string]ManagedKey `yaml:"managed_keys"`
	ForceMoveKey            string                `yaml:"force_move_key"`
	ForceMoveReplacementKey string                `yaml:"force_move_replacement_key"`
	Stationary              StationaryMode        `yaml:"stationary_mode"`
	SendMode                SendMode              `yaml:"send_mode"`
	Skills                  []Skill               `yaml:"skills"`

	// ActionCountFile, when non-empty, points at a file the executor's
	// running processed-action total is persisted to across restarts.
	// Empty disables the counter entirely.
	ActionCountFile string `yaml:"action_count_file,omitempty"`
}

func (s *Snapshot) emergencyHP() key.Key { return key.Canon(s.EmergencyHPKey) }
func (s *Snapshot) emergencyMP() key.Key { return key.Canon(s.EmergencyMPKey) }

// EmergencyKeys returns the canonicalized HP/MP pair.
func (s *Snapshot) EmergencyKeys() (hp, mp key.Key) {
	return s.emergencyHP(), s.emergencyMP()
}

// Load reads and decodes a Snapshot from a YAML file at path. It does
// not watch path for changes; callers that want to apply an updated
// file must call Load again and push the result through the macro
// controller themselves.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cfg: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a Snapshot from raw YAML bytes.
func Parse(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("cfg: decode: %w", err)
	}
	return &s, nil
}

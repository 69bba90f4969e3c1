package cfg

import "testing"

const sample = `
emergency_hp_key: "1"
emergency_mp_key: "2"
special_keys: ["z", "x"]
managed_keys:
  e:
    target_key: shift
    delay_ms: 50
force_move_key: ctrl
force_move_replacement_key: w
stationary_mode:
  active: true
  variant: shift_modifier
send_mode: direct
skills:
  - id: heal
    key_or_sequence: ["3"]
    trigger_mode: cooldown
    priority: 1
`

func TestParseSnapshot(t *testing.T) {
	s, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.EmergencyHPKey != "1" || s.EmergencyMPKey != "2" {
		t.Fatalf("emergency keys = %q/%q", s.EmergencyHPKey, s.EmergencyMPKey)
	}
	if len(s.SpecialKeys) != 2 {
		t.Fatalf("special_keys = %v", s.SpecialKeys)
	}
	mk, ok := s.ManagedKeys["e"]
	if !ok || mk.Target != "shift" || mk.DelayMs != 50 {
		t.Fatalf("managed_keys[e] = %+v, ok=%v", mk, ok)
	}
	if s.ForceMoveKey != "ctrl" || s.ForceMoveReplacementKey != "w" {
		t.Fatalf("force move fields = %q/%q", s.ForceMoveKey, s.ForceMoveReplacementKey)
	}
	if !s.Stationary.Active || s.Stationary.Variant != StationaryShiftModifier {
		t.Fatalf("stationary_mode = %+v", s.Stationary)
	}
	if s.SendMode != SendDirect {
		t.Fatalf("send_mode = %q", s.SendMode)
	}
	if len(s.Skills) != 1 || s.Skills[0].ID != "heal" || s.Skills[0].Trigger != TriggerCooldown {
		t.Fatalf("skills = %+v", s.Skills)
	}
	hp, mp := s.EmergencyKeys()
	if hp != "1" || mp != "2" {
		t.Fatalf("EmergencyKeys() = %q/%q", hp, mp)
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("not: [valid")); err == nil {
		t.Fatal("expected an error decoding malformed YAML")
	}
}

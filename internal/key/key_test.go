package key

import "testing"

func TestCanonAliases(t *testing.T) {
	cases := map[string]Key{
		"Right_Mouse": RButton,
		"RMB":         RButton,
		"LMB":         LButton,
		"Return":      Enter,
		"ESC":         Escape,
		" Control ":   Ctrl,
		"w":           Key("w"),
	}
	for in, want := range cases {
		if got := Canon(in); got != want {
			t.Errorf("Canon(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKnown(t *testing.T) {
	for _, k := range []Key{"a", "f", "9", "f1", "f12", Space, LButton} {
		if !Known(k) {
			t.Errorf("Known(%q) = false, want true", k)
		}
	}
	for _, k := range []Key{"", "f0x", "ab", "!"} {
		if Known(k) {
			t.Errorf("Known(%q) = true, want false", k)
		}
	}
}

func TestIsMouse(t *testing.T) {
	if !IsMouse(LButton) || !IsMouse(RButton) || !IsMouse(MButton) {
		t.Error("expected all pseudo-mouse buttons to report IsMouse")
	}
	if IsMouse("a") {
		t.Error("IsMouse(\"a\") = true, want false")
	}
}

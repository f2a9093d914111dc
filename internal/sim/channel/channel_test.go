package channel

import "testing"

func TestRegisterLastWriteWins(t *testing.T) {
	c := New("Sound")
	c.Register("A", "X", 1)
	c.Register("A", "X", 2)
	c.Register("B", "X", 5)
	if v, ok := c.Value("X", "A"); !ok || v != 2 {
		t.Fatalf("A/X=%v,%v want 2", v, ok)
	}
	if c.Count("X") != 2 || c.Len() != 2 {
		t.Fatalf("count=%d len=%d", c.Count("X"), c.Len())
	}
	if c.Sum("X") != 7 {
		t.Fatalf("sum=%v", c.Sum("X"))
	}
	c.NewFrame()
	if _, ok := c.Value("X", "A"); ok || c.Len() != 0 {
		t.Fatalf("NewFrame kept registrations")
	}
}

func TestDispatchMatchesPrefix(t *testing.T) {
	s := NewSet()
	if n := s.Dispatch("A", "Soundvolume", 3); n != 1 {
		t.Fatalf("matched %d channels", n)
	}
	if n := s.Dispatch("A", "speed", 3); n != 0 {
		t.Fatalf("unprefixed tag matched %d channels", n)
	}
	sound, _ := s.Get("Sound")
	if v, ok := sound.Value("volume", "A"); !ok || v != 3 {
		t.Fatalf("Sound/volume=%v,%v", v, ok)
	}
	if got := sound.Agents("volume"); len(got) != 1 || got[0] != "A" {
		t.Fatalf("agents %v", got)
	}
	s.Dispatch("A", "Noise", 1)
	noise, _ := s.Get("Noise")
	if noise.Count("") != 1 {
		t.Fatalf("bare channel tag not registered under empty suffix")
	}
	s.NewFrame()
	if sound.Len() != 0 || noise.Len() != 0 {
		t.Fatalf("set NewFrame left registrations")
	}
}

func TestNewSetCustomNames(t *testing.T) {
	s := NewSet("A", "A", "B")
	if len(s.All()) != 2 {
		t.Fatalf("channels %d", len(s.All()))
	}
	if _, ok := s.Get("Sound"); ok {
		t.Fatalf("default channel present in custom set")
	}
}

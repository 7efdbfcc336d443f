package model

import "testing"

func TestParseSubChannels_Basic(t *testing.T) {
	m := ParseSubChannels([]string{"https://discord.com/channels/111/222"})

	if len(m) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(m))
	}
	if m["222"] != "111" {
		t.Errorf("expected 222 -> 111, got %v", m)
	}
}

func TestParseSubChannels_CommaJoinedWithJunk(t *testing.T) {
	m := ParseSubChannels([]string{
		"main channel, https://discord.com/channels/10/20, not-a-url",
		"https://discord.com/channels/30/40?ref=x,https://example.com/channels/50/60",
	})

	if len(m) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(m), m)
	}
	if m["20"] != "10" {
		t.Errorf("expected 20 -> 10, got %q", m["20"])
	}
	if m["40"] != "30" {
		t.Errorf("expected 40 -> 30, got %q", m["40"])
	}
	if _, ok := m["60"]; ok {
		t.Error("non-discord host must not produce an entry")
	}
}

func TestParseSubChannels_Malformed(t *testing.T) {
	m := ParseSubChannels([]string{
		"https://discord.com/channels/abc/def",
		"https://discord.com/channels/123",
		"",
	})

	if len(m) != 0 {
		t.Errorf("expected no entries, got %v", m)
	}
}

package model

import "testing"

func TestMessageHash_Attachment(t *testing.T) {
	url := "https://cdn.discordapp.com/attachments/1/2/user_a_cat_4f0e63b6-29a5-4d9c-ba53-02dce0b3a44c.png"
	if got := MessageHash(url); got != "4f0e63b6-29a5-4d9c-ba53-02dce0b3a44c" {
		t.Errorf("unexpected hash: %q", got)
	}
}

func TestMessageHash_Grid(t *testing.T) {
	url := "https://cdn.discordapp.com/ephemeral-attachments/1/2/4f0e63b6-29a5-4d9c-ba53-02dce0b3a44c_grid_0.webp"
	if got := MessageHash(url); got != "4f0e63b6-29a5-4d9c-ba53-02dce0b3a44c" {
		t.Errorf("unexpected hash: %q", got)
	}
}

func TestMessageHash_QueryString(t *testing.T) {
	url := "https://cdn.discordapp.com/attachments/1/2/user_cat_abc123.png?ex=1&is=2"
	if got := MessageHash(url); got != "abc123" {
		t.Errorf("unexpected hash: %q", got)
	}
}

func TestMessageHash_Empty(t *testing.T) {
	if got := MessageHash(""); got != "" {
		t.Errorf("expected empty hash, got %q", got)
	}
	if got := MessageHash("https://cdn.discordapp.com/x/noextension"); got != "" {
		t.Errorf("expected empty hash, got %q", got)
	}
}

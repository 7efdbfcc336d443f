package model

import "testing"

func TestAccount_ClampBounds(t *testing.T) {
	a := DiscordAccount{
		CoreSize:         0,
		QueueSize:        20,
		MaxQueueSize:     10,
		TimeoutMinutes:   120,
		Interval:         999,
		AfterIntervalMin: -5,
		AfterIntervalMax: 500,
	}
	a.Clamp()

	if a.CoreSize != 1 {
		t.Errorf("core_size must clamp to 1, got %d", a.CoreSize)
	}
	if a.QueueSize > a.MaxQueueSize {
		t.Errorf("queue_size %d exceeds max_queue_size %d", a.QueueSize, a.MaxQueueSize)
	}
	if a.TimeoutMinutes != 30 {
		t.Errorf("timeout_minutes must clamp to 30, got %d", a.TimeoutMinutes)
	}
	if a.Interval != 180 {
		t.Errorf("interval must clamp to 180, got %v", a.Interval)
	}
	if a.AfterIntervalMin != 0 || a.AfterIntervalMax != 180 {
		t.Errorf("after intervals must clamp, got %v/%v", a.AfterIntervalMin, a.AfterIntervalMax)
	}
}

func TestAccount_ClampLowTimeout(t *testing.T) {
	a := DiscordAccount{CoreSize: 3, TimeoutMinutes: 1}
	a.Clamp()
	if a.TimeoutMinutes != 5 {
		t.Errorf("timeout_minutes must clamp to 5, got %d", a.TimeoutMinutes)
	}
}

func TestAccount_FishingTimeRejects(t *testing.T) {
	a := DiscordAccount{
		Enable:       true,
		WorkTime:     "",
		FishingTime:  "22:00-06:00",
		DayDrawLimit: -1,
	}

	if a.IsAcceptNewTask(at(23, 15)) {
		t.Error("23:15 inside fishing window must not accept new tasks")
	}
	if !a.IsAcceptNewTask(at(12, 0)) {
		t.Error("noon outside fishing window must accept new tasks")
	}
}

func TestAccount_DayLimit(t *testing.T) {
	a := DiscordAccount{Enable: true, DayDrawLimit: 10, DayDrawCount: 10}
	if a.IsAcceptNewTask(at(12, 0)) {
		t.Error("exhausted day limit must not accept new tasks")
	}

	a.DayDrawLimit = -1
	if !a.IsAcceptNewTask(at(12, 0)) {
		t.Error("day_draw_limit -1 means unlimited")
	}
}

func TestAccount_AllowsBotAndMode(t *testing.T) {
	a := DiscordAccount{EnableMj: true, EnableNiji: false, AllowModes: []string{ModeRelax, ModeFast}}

	if !a.AllowsBot(BotMidJourney) {
		t.Error("mj must be allowed")
	}
	if a.AllowsBot(BotNiji) {
		t.Error("niji must be rejected")
	}
	if !a.AllowsMode(ModeFast) {
		t.Error("fast must be allowed")
	}
	if a.AllowsMode(ModeTurbo) {
		t.Error("turbo must be rejected")
	}
	if !a.AllowsMode("") {
		t.Error("unpinned mode must always pass")
	}
}

func TestAccount_RemixToggle(t *testing.T) {
	a := DiscordAccount{
		Components: []Component{
			{Type: 1, Components: []Component{
				{Type: 2, Label: "Remix mode", Style: 3},
				{Type: 2, Label: "Fast mode", Style: 2},
			}},
		},
	}

	if !a.RemixOn(BotMidJourney) {
		t.Error("green Remix mode button means remix on")
	}
	if a.FastModeOn() {
		t.Error("grey Fast mode button means fast off")
	}
	if a.RemixOn(BotNiji) {
		t.Error("niji components empty, remix must read off")
	}
}

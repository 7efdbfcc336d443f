package model

import "time"

const (
	ModeRelax = "relax"
	ModeFast  = "fast"
	ModeTurbo = "turbo"
)

// DiscordAccount is one configured Discord identity driving Midjourney
// in a single channel. The channel id doubles as the instance id tasks
// are pinned to.
type DiscordAccount struct {
	ID        string `json:"id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`

	// private channels used for seed retrieval
	PrivateChannelID     string `json:"private_channel_id,omitempty"`
	NijiPrivateChannelID string `json:"niji_private_channel_id,omitempty"`

	UserToken string `json:"user_token"`
	BotToken  string `json:"bot_token,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Enable         bool   `json:"enable"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	Locked         bool   `json:"locked,omitempty"` // human verification pending

	EnableMj   bool `json:"enable_mj"`
	EnableNiji bool `json:"enable_niji"`
	IsBlend    bool `json:"is_blend"`
	IsDescribe bool `json:"is_describe"`
	IsShorten  bool `json:"is_shorten"`

	CoreSize       int `json:"core_size"`
	QueueSize      int `json:"queue_size"`
	MaxQueueSize   int `json:"max_queue_size"`
	TimeoutMinutes int `json:"timeout_minutes"`

	// pacing, seconds
	Interval         float64 `json:"interval"`
	AfterIntervalMin float64 `json:"after_interval_min"`
	AfterIntervalMax float64 `json:"after_interval_max"`

	// -1 means unlimited
	DayDrawLimit int `json:"day_draw_limit"`
	DayDrawCount int `json:"day_draw_count"`

	Weight int `json:"weight"`
	Sort   int `json:"sort"`

	WorkTime    string `json:"work_time,omitempty"`
	FishingTime string `json:"fishing_time,omitempty"`

	Mode              string   `json:"mode,omitempty"`
	AllowModes        []string `json:"allow_modes,omitempty"`
	FastExhausted     bool     `json:"fast_exhausted"`
	EnableFastToRelax bool     `json:"enable_fast_to_relax"`
	EnableRelaxToFast bool     `json:"enable_relax_to_fast"`
	RemixAutoSubmit   bool     `json:"remix_auto_submit"`

	SubChannels []string `json:"sub_channels,omitempty"`
	// parsed from SubChannels: {sub_channel_id -> guild_id}
	SubChannelValues map[string]string `json:"sub_channel_values,omitempty"`

	// cached UI state from the latest settings sync
	Components     []Component `json:"components,omitempty"`
	NijiComponents []Component `json:"niji_components,omitempty"`
	SubscribePlan  string      `json:"subscribe_plan,omitempty"`

	CreatedAt int64 `json:"created_at,omitempty"`
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

const (
	minTimeoutMinutes = 5
	maxTimeoutMinutes = 30
	maxPacingSeconds  = 180
)

// Clamp normalizes the tunable fields into their documented ranges.
// Applied once when the account is loaded or saved.
func (a *DiscordAccount) Clamp() {
	if a.CoreSize < 1 {
		a.CoreSize = 1
	}
	if a.MaxQueueSize <= 0 {
		a.MaxQueueSize = a.QueueSize
	}
	if a.MaxQueueSize < a.QueueSize {
		a.QueueSize = a.MaxQueueSize
	}
	if a.TimeoutMinutes < minTimeoutMinutes {
		a.TimeoutMinutes = minTimeoutMinutes
	}
	if a.TimeoutMinutes > maxTimeoutMinutes {
		a.TimeoutMinutes = maxTimeoutMinutes
	}
	if a.Interval < 0 {
		a.Interval = 0
	}
	if a.Interval > maxPacingSeconds {
		a.Interval = maxPacingSeconds
	}
	if a.AfterIntervalMin < 0 {
		a.AfterIntervalMin = 0
	}
	if a.AfterIntervalMin > maxPacingSeconds {
		a.AfterIntervalMin = maxPacingSeconds
	}
	if a.AfterIntervalMax < a.AfterIntervalMin {
		a.AfterIntervalMax = a.AfterIntervalMin
	}
	if a.AfterIntervalMax > maxPacingSeconds {
		a.AfterIntervalMax = maxPacingSeconds
	}
	if a.DayDrawLimit < -1 {
		a.DayDrawLimit = -1
	}
	a.SubChannelValues = ParseSubChannels(a.SubChannels)
}

// InWorkTime reports whether now falls into the configured work hours.
// An empty work_time means always working.
func (a *DiscordAccount) InWorkTime(now time.Time) bool {
	windows, err := ParseTimeWindows(a.WorkTime)
	if err != nil || len(windows) == 0 {
		return true
	}
	return InWindows(windows, now)
}

// InFishingTime reports whether now falls into the fishing window, during
// which the account drains in-flight work but refuses new tasks. An
// empty fishing_time means never fishing.
func (a *DiscordAccount) InFishingTime(now time.Time) bool {
	windows, err := ParseTimeWindows(a.FishingTime)
	if err != nil || len(windows) == 0 {
		return false
	}
	return InWindows(windows, now)
}

// DayLimitReached reports whether today's draw quota is used up.
func (a *DiscordAccount) DayLimitReached() bool {
	return a.DayDrawLimit >= 0 && a.DayDrawCount >= a.DayDrawLimit
}

// IsAcceptNewTask is the account-level accept predicate; queue capacity
// is checked by the runtime on top of this.
func (a *DiscordAccount) IsAcceptNewTask(now time.Time) bool {
	if !a.Enable || a.Locked {
		return false
	}
	if a.DayLimitReached() {
		return false
	}
	if !a.InWorkTime(now) {
		return false
	}
	if a.InFishingTime(now) {
		return false
	}
	return true
}

// AllowsBot reports whether tasks for the given bot may run here.
func (a *DiscordAccount) AllowsBot(bot BotType) bool {
	switch bot {
	case BotMidJourney:
		return a.EnableMj
	case BotNiji:
		return a.EnableNiji
	case BotInsightFace:
		return true
	}
	return false
}

// AllowsMode reports whether the account may run in the given mode. An
// empty allow list permits everything.
func (a *DiscordAccount) AllowsMode(mode string) bool {
	if mode == "" || len(a.AllowModes) == 0 {
		return true
	}
	for _, m := range a.AllowModes {
		if m == mode {
			return true
		}
	}
	return false
}

// RemixOn reports the remix toggle state for the given bot from the
// cached settings components.
func (a *DiscordAccount) RemixOn(bot BotType) bool {
	if bot == BotNiji {
		return RemixOn(a.NijiComponents)
	}
	return RemixOn(a.Components)
}

// FastModeOn reports whether the cached settings show fast mode active.
func (a *DiscordAccount) FastModeOn() bool {
	return FastModeOn(a.Components)
}

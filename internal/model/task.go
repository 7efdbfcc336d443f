package model

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusNotStart   TaskStatus = "NOT_START"
	StatusSubmitted  TaskStatus = "SUBMITTED"
	StatusModal      TaskStatus = "MODAL"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusSuccess    TaskStatus = "SUCCESS"
	StatusFailure    TaskStatus = "FAILURE"
	StatusCancel     TaskStatus = "CANCEL"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancel
}

// rank orders the non-terminal states so late or duplicated gateway
// events cannot move a task backwards.
func (s TaskStatus) rank() int {
	switch s {
	case StatusNotStart:
		return 0
	case StatusSubmitted:
		return 1
	case StatusModal:
		return 2
	case StatusInProgress:
		return 3
	case StatusSuccess, StatusFailure, StatusCancel:
		return 4
	}
	return -1
}

type TaskAction string

const (
	ActionImagine       TaskAction = "IMAGINE"
	ActionUpscale       TaskAction = "UPSCALE"
	ActionVariation     TaskAction = "VARIATION"
	ActionReroll        TaskAction = "REROLL"
	ActionDescribe      TaskAction = "DESCRIBE"
	ActionBlend         TaskAction = "BLEND"
	ActionAction        TaskAction = "ACTION"
	ActionPan           TaskAction = "PAN"
	ActionOutpaint      TaskAction = "OUTPAINT"
	ActionInpaint       TaskAction = "INPAINT"
	ActionZoom          TaskAction = "ZOOM"
	ActionShow          TaskAction = "SHOW"
	ActionShorten       TaskAction = "SHORTEN"
	ActionSwapFace      TaskAction = "SWAP_FACE"
	ActionSwapVideoFace TaskAction = "SWAP_VIDEO_FACE"
)

type BotType string

const (
	BotMidJourney  BotType = "mj"
	BotNiji        BotType = "niji"
	BotInsightFace BotType = "insight-face"
)

// TaskButton is a Discord component discovered on a finished message,
// kept so clients can issue follow-up actions by custom id.
type TaskButton struct {
	CustomID string `json:"custom_id"`
	Emoji    string `json:"emoji,omitempty"`
	Label    string `json:"label,omitempty"`
	Style    int    `json:"style,omitempty"`
	Type     int    `json:"type,omitempty"`
}

// Task is one generation job tracked from submit to a terminal state.
type Task struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`

	BotType     BotType `json:"bot_type"`
	RealBotType BotType `json:"real_bot_type,omitempty"`

	UserID   string `json:"user_id,omitempty"`
	ClientIP string `json:"client_ip,omitempty"`
	IsWhite  bool   `json:"is_white,omitempty"`

	// discord correlation
	Nonce                 string   `json:"nonce,omitempty"`
	InteractionMetadataID string   `json:"interaction_metadata_id,omitempty"`
	MessageID             string   `json:"message_id,omitempty"`
	MessageIDs            []string `json:"message_ids,omitempty"`

	Action TaskAction `json:"action"`
	Status TaskStatus `json:"status"`

	Prompt     string `json:"prompt,omitempty"`
	PromptEn   string `json:"prompt_en,omitempty"`
	PromptFull string `json:"prompt_full,omitempty"`

	SubmitTime int64 `json:"submit_time"`
	StartTime  int64 `json:"start_time,omitempty"`
	FinishTime int64 `json:"finish_time,omitempty"`

	ImageURL     string `json:"image_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Progress     string `json:"progress,omitempty"`
	FailReason   string `json:"fail_reason,omitempty"`

	Buttons []TaskButton `json:"buttons,omitempty"`
	Seed    string       `json:"seed,omitempty"`
	Mode    string       `json:"mode,omitempty"`

	// channel of the owning account, and the sub channel when fanned out
	InstanceID    string `json:"instance_id,omitempty"`
	SubInstanceID string `json:"sub_instance_id,omitempty"`

	NotifyHook string `json:"notify_hook,omitempty"`
	State      string `json:"state,omitempty"`

	// free-form extension map, preserved verbatim, never used for
	// control flow
	Properties map[string]any `json:"properties,omitempty"`
}

func NewTask(action TaskAction, bot BotType) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Action:     action,
		BotType:    bot,
		Status:     StatusNotStart,
		SubmitTime: time.Now().UnixMilli(),
		Properties: map[string]any{},
	}
}

// Transition moves the task to a new state if the move is forward along
// one of the allowed paths. Duplicate and out-of-order updates return
// false and leave the task untouched.
func (t *Task) Transition(to TaskStatus) bool {
	if t.Status.Terminal() {
		return false
	}
	if to.Terminal() {
		t.Status = to
		if t.FinishTime == 0 {
			t.FinishTime = time.Now().UnixMilli()
		}
		return true
	}
	if to.rank() <= t.Status.rank() {
		return false
	}
	t.Status = to
	return true
}

// Fail is the terminal failure transition.
func (t *Task) Fail(reason string) bool {
	if !t.Transition(StatusFailure) {
		return false
	}
	t.FailReason = reason
	t.Progress = ""
	return true
}

// Succeed is the terminal success transition.
func (t *Task) Succeed() bool {
	if !t.Transition(StatusSuccess) {
		return false
	}
	t.Progress = "100%"
	return true
}

func (t *Task) SetProperty(key string, value any) {
	if t.Properties == nil {
		t.Properties = map[string]any{}
	}
	t.Properties[key] = value
}

func (t *Task) GetProperty(key string) (any, bool) {
	v, ok := t.Properties[key]
	return v, ok
}

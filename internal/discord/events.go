package discord

import "encoding/json"

// Gateway opcodes (receive side).
const (
	OpDispatch     = 0
	OpHeartbeat    = 1
	OpIdentify     = 2
	OpResume       = 6
	OpReconnect    = 7
	OpInvalidSess  = 9
	OpHello        = 10
	OpHeartbeatAck = 11
)

// Close codes. 2001 is our internal reconnect marker, 1011 marks an
// internal exception; anything >= 4000 means the session cannot resume.
const (
	CloseReconnect    = 2001
	CloseException    = 1011
	CloseResumeHint   = 4000 // sent on our side so the server keeps the session
	CloseSessionFloor = 4000
)

// GatewayMessage is one frame of the gateway protocol after
// decompression.
type GatewayMessage struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
}

type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type ReadyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// Event is a decoded dispatch event handed to the owning account
// runtime through the registry queue.
type Event struct {
	AccountID string
	ChannelID string
	Type      string
	Raw       json.RawMessage
}

// Dispatch event types the runtime correlates on.
const (
	EventReady              = "READY"
	EventResumed            = "RESUMED"
	EventInteractionCreate  = "INTERACTION_CREATE"
	EventInteractionSuccess = "INTERACTION_SUCCESS"
	EventInteractionFailure = "INTERACTION_FAILURE"
	EventInteractionModal   = "INTERACTION_MODAL_CREATE"
	EventMessageCreate      = "MESSAGE_CREATE"
	EventMessageUpdate      = "MESSAGE_UPDATE"
	EventMessageDelete      = "MESSAGE_DELETE"
)

// MessageData is the slice of a channel message the runtime needs for
// correlation and progress tracking.
type MessageData struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Content   string `json:"content"`
	Nonce     string `json:"nonce,omitempty"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
	Interaction *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"interaction,omitempty"`
	InteractionMetadata *struct {
		ID string `json:"id"`
	} `json:"interaction_metadata,omitempty"`
	Attachments []struct {
		URL      string `json:"url"`
		ProxyURL string `json:"proxy_url"`
		Filename string `json:"filename"`
	} `json:"attachments,omitempty"`
	Embeds []struct {
		Title       string `json:"title,omitempty"`
		Description string `json:"description,omitempty"`
		Image       *struct {
			URL string `json:"url,omitempty"`
		} `json:"image,omitempty"`
		Footer *struct {
			Text string `json:"text,omitempty"`
		} `json:"footer,omitempty"`
	} `json:"embeds,omitempty"`
	Components []json.RawMessage `json:"components,omitempty"`
}

// InteractionData is the acknowledgement slice of INTERACTION_CREATE /
// INTERACTION_SUCCESS payloads.
type InteractionData struct {
	ID    string `json:"id"`
	Nonce string `json:"nonce,omitempty"`
}

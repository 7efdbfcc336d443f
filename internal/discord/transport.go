package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"
)

// Midjourney application ids on Discord.
const (
	mjApplicationID   = "936929561302675456"
	nijiApplicationID = "1022952195194359889"

	imagineCommandID      = "938956540159881230"
	imagineCommandVersion = "1237876415471554623"
)

// Interaction types.
const (
	interactionApplicationCommand = 2
	interactionMessageComponent   = 3
	interactionModalSubmit        = 5
)

// Target identifies where and as whom a command is sent.
type Target struct {
	GuildID   string
	ChannelID string
	Token     string
	UserAgent string
	Niji      bool
}

// CommandTransport sends Midjourney commands as Discord interactions.
// The gateway only listens; everything outbound goes through here and is
// correlated back by nonce.
type CommandTransport interface {
	Imagine(ctx context.Context, t Target, prompt, nonce string) error
	// Action presses a message component by custom id (upscale,
	// variation, pan, zoom, reroll and friends).
	Action(ctx context.Context, t Target, messageID, customID, nonce string) error
	// Modal submits a remix / inpaint / zoom modal with the edited prompt.
	Modal(ctx context.Context, t Target, interactionID, customID, componentID, prompt, nonce string) error
	Describe(ctx context.Context, t Target, attachmentURL, nonce string) error
	Blend(ctx context.Context, t Target, attachmentURLs []string, nonce string) error
	Show(ctx context.Context, t Target, jobID, nonce string) error
	Shorten(ctx context.Context, t Target, prompt, nonce string) error
}

// InteractionTransport is the HTTP implementation posting to the
// Discord interactions endpoint, via a retrying heimdall client.
type InteractionTransport struct {
	serverURL string
	client    *httpclient.Client
	log       *slog.Logger
}

func NewInteractionTransport(log *slog.Logger, serverURL string) *InteractionTransport {
	base := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	backoff := heimdall.NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2, 100*time.Millisecond)
	client := httpclient.NewClient(
		httpclient.WithHTTPClient(base),
		httpclient.WithHTTPTimeout(30*time.Second),
		httpclient.WithRetrier(heimdall.NewRetrier(backoff)),
		httpclient.WithRetryCount(2),
	)

	return &InteractionTransport{
		serverURL: serverURL,
		client:    client,
		log:       log,
	}
}

func applicationID(t Target) string {
	if t.Niji {
		return nijiApplicationID
	}
	return mjApplicationID
}

func (it *InteractionTransport) post(ctx context.Context, t Target, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.serverURL+"/api/v9/interactions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", t.Token)
	ua := t.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := it.client.Do(req)
	if err != nil {
		return fmt.Errorf("interaction post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("interaction rejected: status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}

func (it *InteractionTransport) Imagine(ctx context.Context, t Target, prompt, nonce string) error {
	return it.post(ctx, t, map[string]any{
		"type":           interactionApplicationCommand,
		"application_id": applicationID(t),
		"guild_id":       t.GuildID,
		"channel_id":     t.ChannelID,
		"session_id":     nonce,
		"nonce":          nonce,
		"data": map[string]any{
			"version": imagineCommandVersion,
			"id":      imagineCommandID,
			"name":    "imagine",
			"type":    1,
			"options": []map[string]any{
				{"type": 3, "name": "prompt", "value": prompt},
			},
		},
	})
}

func (it *InteractionTransport) Action(ctx context.Context, t Target, messageID, customID, nonce string) error {
	return it.post(ctx, t, map[string]any{
		"type":           interactionMessageComponent,
		"application_id": applicationID(t),
		"guild_id":       t.GuildID,
		"channel_id":     t.ChannelID,
		"message_id":     messageID,
		"session_id":     nonce,
		"nonce":          nonce,
		"message_flags":  0,
		"data": map[string]any{
			"component_type": 2,
			"custom_id":      customID,
		},
	})
}

func (it *InteractionTransport) Modal(ctx context.Context, t Target, interactionID, customID, componentID, prompt, nonce string) error {
	return it.post(ctx, t, map[string]any{
		"type":           interactionModalSubmit,
		"application_id": applicationID(t),
		"guild_id":       t.GuildID,
		"channel_id":     t.ChannelID,
		"id":             interactionID,
		"session_id":     nonce,
		"nonce":          nonce,
		"data": map[string]any{
			"custom_id": customID,
			"components": []map[string]any{
				{
					"type": 1,
					"components": []map[string]any{
						{"type": 4, "custom_id": componentID, "value": prompt},
					},
				},
			},
		},
	})
}

func (it *InteractionTransport) Describe(ctx context.Context, t Target, attachmentURL, nonce string) error {
	return it.slashWithAttachment(ctx, t, "describe", []string{attachmentURL}, nonce)
}

func (it *InteractionTransport) Blend(ctx context.Context, t Target, attachmentURLs []string, nonce string) error {
	return it.slashWithAttachment(ctx, t, "blend", attachmentURLs, nonce)
}

func (it *InteractionTransport) slashWithAttachment(ctx context.Context, t Target, name string, urls []string, nonce string) error {
	options := make([]map[string]any, 0, len(urls))
	attachments := make([]map[string]any, 0, len(urls))
	for i, u := range urls {
		optName := "image"
		if name == "blend" {
			optName = fmt.Sprintf("image%d", i+1)
		}
		options = append(options, map[string]any{"type": 11, "name": optName, "value": i})
		attachments = append(attachments, map[string]any{
			"id":                fmt.Sprintf("%d", i),
			"uploaded_filename": u,
		})
	}
	return it.post(ctx, t, map[string]any{
		"type":           interactionApplicationCommand,
		"application_id": applicationID(t),
		"guild_id":       t.GuildID,
		"channel_id":     t.ChannelID,
		"session_id":     nonce,
		"nonce":          nonce,
		"data": map[string]any{
			"name":        name,
			"type":        1,
			"options":     options,
			"attachments": attachments,
		},
	})
}

func (it *InteractionTransport) Show(ctx context.Context, t Target, jobID, nonce string) error {
	return it.post(ctx, t, map[string]any{
		"type":           interactionApplicationCommand,
		"application_id": applicationID(t),
		"guild_id":       t.GuildID,
		"channel_id":     t.ChannelID,
		"session_id":     nonce,
		"nonce":          nonce,
		"data": map[string]any{
			"name": "show",
			"type": 1,
			"options": []map[string]any{
				{"type": 3, "name": "job_id", "value": jobID},
			},
		},
	})
}

func (it *InteractionTransport) Shorten(ctx context.Context, t Target, prompt, nonce string) error {
	return it.post(ctx, t, map[string]any{
		"type":           interactionApplicationCommand,
		"application_id": applicationID(t),
		"guild_id":       t.GuildID,
		"channel_id":     t.ChannelID,
		"session_id":     nonce,
		"nonce":          nonce,
		"data": map[string]any{
			"name": "shorten",
			"type": 1,
			"options": []map[string]any{
				{"type": 3, "name": "prompt", "value": prompt},
			},
		},
	})
}

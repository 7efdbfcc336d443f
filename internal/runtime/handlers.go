package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/discord"
	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
)

var progressRe = regexp.MustCompile(`\((\d{1,3})%\)`)

// content markers emitted by the Midjourney bot
const (
	markerWaiting     = "(Waiting to start)"
	markerStopped     = "(Stopped)"
	markerBanned      = "Banned prompt"
	markerDenied      = "Request cancelled due to image filters"
	markerQueueFull   = "Queue full"
	markerJobQueued   = "Job queued"
	markerNoFastHours = "run out of hours"
	markerVerify      = "verify you're human"
)

// HandleEvent applies one gateway dispatch event to this account's
// tasks. Called from the registry's dispatch loop, one event at a time
// per account.
func (r *AccountRuntime) HandleEvent(ev *discord.Event) {
	switch ev.Type {
	case discord.EventInteractionCreate:
		r.onInteractionCreate(ev.Raw)
	case discord.EventInteractionModal:
		r.onInteractionModal(ev.Raw)
	case discord.EventInteractionSuccess:
		r.onInteractionSuccess(ev.Raw)
	case discord.EventInteractionFailure:
		r.onInteractionFailure(ev.Raw)
	case discord.EventMessageCreate:
		r.onMessage(ev.Raw, false)
	case discord.EventMessageUpdate:
		r.onMessage(ev.Raw, true)
	case discord.EventMessageDelete:
		r.onMessageDelete(ev.Raw)
	}
}

// matchNonce pops nothing; it resolves the pending task for a nonce.
func (r *AccountRuntime) matchNonce(nonce string) *model.Task {
	if nonce == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byNonce[nonce]; ok {
		return p.task
	}
	return nil
}

func (r *AccountRuntime) onInteractionCreate(raw json.RawMessage) {
	var data discord.InteractionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	task := r.matchNonce(data.Nonce)
	if task == nil {
		return
	}

	task.InteractionMetadataID = data.ID
	r.mu.Lock()
	r.byInteraction[data.ID] = task
	r.mu.Unlock()
	r.persistAsync(task)
}

// onInteractionModal handles the remix confirmation dialog. With
// remix_auto_submit the stored prompt is pushed straight through,
// otherwise the task parks in MODAL for the client to confirm.
func (r *AccountRuntime) onInteractionModal(raw json.RawMessage) {
	var data struct {
		discord.InteractionData
		CustomID   string `json:"custom_id"`
		Components []struct {
			Components []struct {
				CustomID string `json:"custom_id"`
			} `json:"components"`
		} `json:"components"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	task := r.matchNonce(data.Nonce)
	if task == nil {
		return
	}

	componentID := ""
	for _, row := range data.Components {
		for _, c := range row.Components {
			if c.CustomID != "" {
				componentID = c.CustomID
			}
		}
	}
	task.SetProperty("modalInteractionId", data.ID)
	task.SetProperty("modalCustomId", data.CustomID)
	task.SetProperty("modalComponentId", componentID)

	r.mu.Lock()
	auto := r.account.RemixAutoSubmit
	acc := *r.account
	r.mu.Unlock()

	if !auto {
		task.Transition(model.StatusModal)
		r.persistAsync(task)
		return
	}

	prompt := task.PromptFull
	if prompt == "" {
		prompt = task.PromptEn
	}
	nonce := newNonce()
	task.Nonce = nonce
	r.mu.Lock()
	r.byNonce[nonce] = &pending{task: task, deadline: time.Now().Add(time.Duration(acc.TimeoutMinutes) * time.Minute)}
	r.mu.Unlock()

	target := discord.Target{
		GuildID:   acc.GuildID,
		ChannelID: acc.ChannelID,
		Token:     acc.UserToken,
		UserAgent: acc.UserAgent,
		Niji:      effectiveBot(task) == model.BotNiji,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := r.transport.Modal(ctx, target, data.ID, data.CustomID, componentID, prompt, nonce)
	cancel()
	if err != nil {
		r.failTask(task, "modal submit failed: "+err.Error())
		return
	}
	r.log.Debug("modal_auto_submitted", "account_id", acc.ID, "task_id", task.ID)
}

// ResumeModal confirms a task parked in MODAL with the client-provided
// prompt. Used by the submit-modal operation when remix auto-submit is
// off.
func (r *AccountRuntime) ResumeModal(taskID, prompt string) error {
	r.mu.Lock()
	task := r.running[taskID]
	acc := *r.account
	r.mu.Unlock()
	if task == nil {
		return errors.New("task is not in flight on this account")
	}
	if task.Status != model.StatusModal {
		return errors.New("task is not awaiting a modal")
	}

	if prompt != "" {
		task.PromptFull = prompt
	}
	interactionID, _ := task.GetProperty("modalInteractionId")
	customID, _ := task.GetProperty("modalCustomId")
	componentID, _ := task.GetProperty("modalComponentId")
	iid, _ := interactionID.(string)
	cid, _ := customID.(string)
	mid, _ := componentID.(string)
	if iid == "" || cid == "" {
		return errors.New("task has no modal context")
	}

	nonce := newNonce()
	task.Nonce = nonce
	r.mu.Lock()
	r.byNonce[nonce] = &pending{task: task, deadline: time.Now().Add(time.Duration(acc.TimeoutMinutes) * time.Minute)}
	r.mu.Unlock()

	target := discord.Target{
		GuildID:   acc.GuildID,
		ChannelID: acc.ChannelID,
		Token:     acc.UserToken,
		UserAgent: acc.UserAgent,
		Niji:      effectiveBot(task) == model.BotNiji,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.transport.Modal(ctx, target, iid, cid, mid, task.PromptFull, nonce); err != nil {
		return fmt.Errorf("submit modal: %w", err)
	}
	return nil
}

func (r *AccountRuntime) onInteractionSuccess(raw json.RawMessage) {
	var data discord.InteractionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	task := r.matchNonce(data.Nonce)
	if task == nil {
		r.mu.Lock()
		task = r.byInteraction[data.ID]
		r.mu.Unlock()
	}
	if task == nil {
		return
	}

	if task.Transition(model.StatusInProgress) {
		if task.Progress == "" {
			task.Progress = "0%"
		}
		r.bumpDayCounter()
		r.persistAsync(task)
	}
}

func (r *AccountRuntime) onInteractionFailure(raw json.RawMessage) {
	var data struct {
		discord.InteractionData
		Message string `json:"message,omitempty"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	if strings.Contains(data.Message, markerVerify) {
		r.markLocked(data.Message)
	}
	task := r.matchNonce(data.Nonce)
	if task == nil {
		return
	}
	reason := data.Message
	if reason == "" {
		reason = "interaction failed"
	}
	r.failTask(task, reason)
}

func (r *AccountRuntime) bumpDayCounter() {
	r.mu.Lock()
	r.account.DayDrawCount++
	count := r.account.DayDrawCount
	accID := r.account.ID
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.UpdateAccountFields(ctx, accID, map[string]any{"day_draw_count": count}); err != nil {
			r.log.Warn("day_counter_write_failed", "account_id", accID, "error", err)
		}
	}()
}

// onMessage correlates MESSAGE_CREATE and MESSAGE_UPDATE. A create
// event matched by interaction id links the message to the task; later
// updates carry progress and, finally, the completed button set.
func (r *AccountRuntime) onMessage(raw json.RawMessage, update bool) {
	var msg discord.MessageData
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	task := r.lookupTaskForMessage(&msg)
	if task == nil {
		r.inspectUnmatched(&msg)
		return
	}

	if !update && msg.ID != "" {
		if task.MessageID == "" {
			task.MessageID = msg.ID
		}
		if !containsString(task.MessageIDs, msg.ID) {
			task.MessageIDs = append(task.MessageIDs, msg.ID)
		}
		r.mu.Lock()
		r.byMessage[msg.ID] = task
		r.mu.Unlock()
	}

	if reason := moderationFailure(&msg); reason != "" {
		r.failTask(task, reason)
		return
	}

	r.applyPreview(task, &msg)

	if pct, ok := parseProgress(msg.Content); ok {
		// progress messages carry the job's cancel button; keep it for
		// best-effort cancellation
		for _, b := range decodeButtons(msg.Components) {
			if strings.HasPrefix(b.CustomID, "MJ::CancelJob") {
				task.SetProperty("cancelCustomId", b.CustomID)
				break
			}
		}
		if task.Transition(model.StatusInProgress) || task.Status == model.StatusInProgress {
			task.Progress = pct
			r.persistAsync(task)
		}
		return
	}
	if strings.Contains(msg.Content, markerWaiting) || strings.Contains(msg.Content, markerJobQueued) {
		return
	}

	// no progress marker and a completed button set means the job is done
	buttons := decodeButtons(msg.Components)
	if len(buttons) > 0 {
		r.finalizeSuccess(task, &msg, buttons)
	}
}

// lookupTaskForMessage resolves the owning task by interaction id,
// nonce, or a previously linked message id.
func (r *AccountRuntime) lookupTaskForMessage(msg *discord.MessageData) *model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.InteractionMetadata != nil {
		if t, ok := r.byInteraction[msg.InteractionMetadata.ID]; ok {
			return t
		}
	}
	if msg.Interaction != nil {
		if t, ok := r.byInteraction[msg.Interaction.ID]; ok {
			return t
		}
	}
	if msg.Nonce != "" {
		if p, ok := r.byNonce[msg.Nonce]; ok {
			return p.task
		}
	}
	if t, ok := r.byMessage[msg.ID]; ok {
		return t
	}
	return nil
}

func (r *AccountRuntime) applyPreview(task *model.Task, msg *discord.MessageData) {
	for _, att := range msg.Attachments {
		if att.URL != "" {
			task.ImageURL = att.URL
			task.ThumbnailURL = att.ProxyURL
			break
		}
	}
	if task.ImageURL == "" {
		for _, emb := range msg.Embeds {
			if emb.Image != nil && emb.Image.URL != "" {
				task.ImageURL = emb.Image.URL
				break
			}
		}
	}
}

func (r *AccountRuntime) finalizeSuccess(task *model.Task, msg *discord.MessageData, buttons []model.TaskButton) {
	task.Buttons = buttons
	if task.MessageID == "" {
		task.MessageID = msg.ID
	}
	task.SetProperty("finalPrompt", msg.Content)
	reclassifyShow(task)
	if !task.Succeed() {
		return
	}
	r.finish(task)
}

// reclassifyShow rewrites the action of a SHOW task from the buttons on
// the recovered message, so follow-up actions behave like the original
// job type.
func reclassifyShow(task *model.Task) {
	if task.Action != model.ActionShow {
		return
	}
	for _, b := range task.Buttons {
		switch {
		case strings.HasPrefix(b.CustomID, "MJ::JOB::upsample::1"):
			task.Action = model.ActionImagine
			return
		case strings.HasPrefix(b.CustomID, "MJ::Inpaint::"):
			task.Action = model.ActionUpscale
			return
		case strings.HasPrefix(b.CustomID, "MJ::Job::PicReader"):
			task.Action = model.ActionDescribe
			return
		}
	}
}

func (r *AccountRuntime) onMessageDelete(raw json.RawMessage) {
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}

	r.mu.Lock()
	task := r.byMessage[data.ID]
	r.mu.Unlock()
	if task == nil || task.Status.Terminal() {
		return
	}
	// progress messages are routinely replaced; only the latest message
	// disappearing means moderation pulled the job
	if len(task.MessageIDs) > 0 && task.MessageIDs[len(task.MessageIDs)-1] != data.ID {
		return
	}
	r.failTask(task, "deleted by moderation")
}

// inspectUnmatched watches bot traffic that carries account state even
// when no task owns it: settings syncs, fast-hours exhaustion, CF
// verification walls.
func (r *AccountRuntime) inspectUnmatched(msg *discord.MessageData) {
	if !msg.Author.Bot {
		return
	}
	if strings.Contains(msg.Content, markerVerify) {
		r.markLocked(msg.Content)
		return
	}
	if strings.Contains(msg.Content, markerNoFastHours) {
		r.onFastExhausted()
		return
	}
	if comps := decodeComponents(msg.Components); settingsMessage(comps) {
		r.syncSettings(comps)
	}
}

// settingsMessage detects the ephemeral /settings response by its
// toggle buttons.
func settingsMessage(components []model.Component) bool {
	for _, c := range model.FlattenComponents(components) {
		if strings.EqualFold(c.Label, "Remix mode") {
			return true
		}
	}
	return false
}

func (r *AccountRuntime) syncSettings(components []model.Component) {
	r.mu.Lock()
	r.account.Components = components
	fast := model.FastModeOn(components)
	accID := r.account.ID
	relaxToFast := r.account.EnableRelaxToFast
	exhausted := r.account.FastExhausted
	r.mu.Unlock()

	r.log.Debug("settings_synced", "account_id", accID, "fast_mode", fast)

	// a fast-mode settings sync after exhaustion means hours came back
	if fast && exhausted && relaxToFast {
		r.mu.Lock()
		r.account.FastExhausted = false
		r.account.Mode = model.ModeFast
		r.mu.Unlock()
		r.persistAccountFields(map[string]any{"fast_exhausted": false, "mode": model.ModeFast})
	}
}

// onFastExhausted flips the account into relax mode when configured to
// degrade instead of failing submissions.
func (r *AccountRuntime) onFastExhausted() {
	r.mu.Lock()
	if r.account.FastExhausted {
		r.mu.Unlock()
		return
	}
	r.account.FastExhausted = true
	toRelax := r.account.EnableFastToRelax
	if toRelax {
		r.account.Mode = model.ModeRelax
	}
	accID := r.account.ID
	r.mu.Unlock()

	fields := map[string]any{"fast_exhausted": true}
	if toRelax {
		fields["mode"] = model.ModeRelax
		r.log.Info("account_degraded_to_relax", "account_id", accID)
	} else {
		r.log.Warn("fast_hours_exhausted", "account_id", accID)
	}
	r.persistAccountFields(fields)
}

// markLocked parks the account behind the human verification wall until
// an operator (or the captcha collaborator) clears it.
func (r *AccountRuntime) markLocked(detail string) {
	r.mu.Lock()
	if r.account.Locked {
		r.mu.Unlock()
		return
	}
	r.account.Locked = true
	accID := r.account.ID
	r.mu.Unlock()

	r.log.Warn("account_locked_verification", "account_id", accID, "detail", detail)
	r.persistAccountFields(map[string]any{"locked": true})
	if r.lockHook != nil {
		go r.lockHook(accID, detail)
	}
}

func (r *AccountRuntime) persistAccountFields(fields map[string]any) {
	r.mu.Lock()
	accID := r.account.ID
	r.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.UpdateAccountFields(ctx, accID, fields); err != nil {
			r.log.Warn("account_field_write_failed", "account_id", accID, "error", err)
		}
	}()
}

// bumpBanCountersIfNeeded increments the per-user and per-ip daily ban
// counters when a task failed on content policy.
func (r *AccountRuntime) bumpBanCountersIfNeeded(task *model.Task, reason string) {
	if !strings.Contains(reason, markerBanned) && !strings.Contains(reason, markerDenied) {
		return
	}
	if r.redis == nil {
		return
	}
	day := time.Now().Format("20060102")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range []string{task.UserID, task.ClientIP} {
		if key == "" {
			continue
		}
		if _, err := r.redis.Increment(ctx, "banned:"+day+":"+key, 24*time.Hour); err != nil {
			r.log.Warn("ban_counter_increment_failed", "key", key, "error", err)
		}
	}
}

func moderationFailure(msg *discord.MessageData) string {
	for _, emb := range msg.Embeds {
		if strings.Contains(emb.Title, markerBanned) || strings.Contains(emb.Description, markerBanned) {
			return "Banned prompt detected: " + emb.Description
		}
		if strings.Contains(emb.Title, markerDenied) || strings.Contains(emb.Description, markerDenied) {
			return "Request cancelled due to image filters"
		}
		if strings.Contains(emb.Title, markerQueueFull) {
			return "Midjourney queue full"
		}
	}
	if strings.Contains(msg.Content, markerStopped) {
		return "job stopped"
	}
	return ""
}

func decodeComponents(raw []json.RawMessage) []model.Component {
	out := make([]model.Component, 0, len(raw))
	for _, rc := range raw {
		var c model.Component
		if err := json.Unmarshal(rc, &c); err == nil {
			out = append(out, c)
		}
	}
	return out
}

func decodeButtons(raw []json.RawMessage) []model.TaskButton {
	var buttons []model.TaskButton
	for _, c := range model.FlattenComponents(decodeComponents(raw)) {
		if c.Type != 2 || c.CustomID == "" {
			continue
		}
		buttons = append(buttons, model.TaskButton{
			CustomID: c.CustomID,
			Emoji:    c.Emoji.Name,
			Label:    c.Label,
			Style:    c.Style,
			Type:     c.Type,
		})
	}
	return buttons
}

func parseProgress(content string) (string, bool) {
	m := progressRe.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return m[1] + "%", true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var modeKeywords = []string{"--relax", "--fast", "--turbo"}

func hasModeKeyword(prompt string) bool {
	for _, kw := range modeKeywords {
		if strings.Contains(prompt, kw) {
			return true
		}
	}
	return false
}

// stripDisallowedModes removes mode flags the account may not run in.
func stripDisallowedModes(prompt string, allowed []string) string {
	for _, kw := range modeKeywords {
		mode := strings.TrimPrefix(kw, "--")
		if modeAllowed(mode, allowed) {
			continue
		}
		prompt = strings.ReplaceAll(prompt, kw+" ", "")
		prompt = strings.TrimSuffix(prompt, kw)
		prompt = strings.TrimSpace(prompt)
	}
	return prompt
}

func modeAllowed(mode string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == mode {
			return true
		}
	}
	return false
}

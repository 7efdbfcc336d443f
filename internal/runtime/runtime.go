// Package runtime owns the per-account execution state: the bounded
// in-flight set, the FIFO waiting queue, pacing, quotas and the
// correlation of gateway events back to tasks. All task mutation happens
// on the account's own loops; readers get snapshots.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dg-devloper/mjopen-api-sub001/internal/discord"
	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
	"github.com/dg-devloper/mjopen-api-sub001/internal/redis"
)

// TaskStore is the slice of the persistence layer the runtime writes
// through; satisfied by *store.Store.
type TaskStore interface {
	SaveTask(ctx context.Context, t *model.Task) error
	SaveTaskFinal(ctx context.Context, t *model.Task) error
	UpdateAccountFields(ctx context.Context, id string, fields map[string]any) error
}

type SubmitCode int

const (
	SubmitAccepted SubmitCode = iota
	SubmitRejectedQueueFull
	SubmitRejectedNotAccepting
	SubmitRejectedBotDisabled
)

type SubmitResult struct {
	Code   SubmitCode
	Reason string
}

// Notifier receives terminal task snapshots; implemented by the
// callback dispatcher.
type Notifier interface {
	Enqueue(task *model.Task)
}

// ImageMirror persists a finished image out of the Discord CDN;
// optional.
type ImageMirror interface {
	Mirror(ctx context.Context, task *model.Task)
}

// FaceSwapper runs insight-face swap tasks against an external
// provider. Swap tasks never touch the Discord transport; without a
// configured swapper they are rejected at submission.
type FaceSwapper interface {
	SwapFace(ctx context.Context, task *model.Task) error
}

// pending tracks one dispatched command awaiting gateway correlation.
type pending struct {
	task     *model.Task
	deadline time.Time
}

type AccountRuntime struct {
	log       *slog.Logger
	store     TaskStore
	redis     *redis.Client
	transport discord.CommandTransport
	notifier  Notifier
	mirror    ImageMirror

	mu      sync.Mutex
	account *model.DiscordAccount
	waiting []*model.Task
	running map[string]*model.Task // task id -> task

	// correlation indexes, owned by the event loop
	byNonce       map[string]*pending
	byInteraction map[string]*model.Task
	byMessage     map[string]*model.Task

	doneSignals map[string]chan struct{}

	lockHook func(accountID, detail string)
	swapper  FaceSwapper

	limiter  *rate.Limiter
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	counterDay string // local day the draw counter belongs to
}

func New(log *slog.Logger, st TaskStore, redisClient *redis.Client, transport discord.CommandTransport, notifier Notifier, mirror ImageMirror, account *model.DiscordAccount) *AccountRuntime {
	account.Clamp()
	interval := time.Duration(account.Interval * float64(time.Second))
	if interval <= 0 {
		interval = time.Millisecond
	}
	r := &AccountRuntime{
		log:           log,
		store:         st,
		redis:         redisClient,
		transport:     transport,
		notifier:      notifier,
		mirror:        mirror,
		account:       account,
		running:       make(map[string]*model.Task),
		byNonce:       make(map[string]*pending),
		byInteraction: make(map[string]*model.Task),
		byMessage:     make(map[string]*model.Task),
		doneSignals:   make(map[string]chan struct{}),
		limiter:       rate.NewLimiter(rate.Every(interval), 1),
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		counterDay:    time.Now().Format("20060102"),
	}
	return r
}

// SetLockHook registers a callback fired once when the account hits a
// human verification wall. Must be called before Start.
func (r *AccountRuntime) SetLockHook(hook func(accountID, detail string)) {
	r.lockHook = hook
}

// SetFaceSwapper wires the insight-face provider. Must be called before
// Start.
func (r *AccountRuntime) SetFaceSwapper(swapper FaceSwapper) {
	r.swapper = swapper
}

func (r *AccountRuntime) Start() {
	r.wg.Add(2)
	go r.runner()
	go r.sweeper()
}

func (r *AccountRuntime) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Disable flips the live account off so every later submission and
// selector pass sees it as unavailable. Persistence is the caller's
// concern.
func (r *AccountRuntime) Disable(reason string) {
	r.mu.Lock()
	r.account.Enable = false
	r.account.DisabledReason = reason
	r.mu.Unlock()
}

// Account returns a snapshot copy of the account record.
func (r *AccountRuntime) Account() model.DiscordAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.account
}

func (r *AccountRuntime) InstanceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.account.ChannelID
}

func (r *AccountRuntime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// QueueLen counts waiting plus in-flight work.
func (r *AccountRuntime) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting) + len(r.running)
}

// IsAcceptNewTask combines the account predicate with queue headroom.
func (r *AccountRuntime) IsAcceptNewTask(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.account.IsAcceptNewTask(now) {
		return false
	}
	return len(r.waiting)+len(r.running) < r.account.MaxQueueSize
}

// Submit validates the task against the account's gates and enqueues it.
func (r *AccountRuntime) Submit(task *model.Task) SubmitResult {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	acc := r.account
	if !acc.Enable || acc.Locked {
		return SubmitResult{Code: SubmitRejectedBotDisabled, Reason: "account disabled"}
	}
	if !acc.AllowsBot(effectiveBot(task)) {
		return SubmitResult{Code: SubmitRejectedBotDisabled, Reason: "bot type not enabled on this account"}
	}
	if reason := actionGate(acc, task.Action); reason != "" {
		return SubmitResult{Code: SubmitRejectedBotDisabled, Reason: reason}
	}
	if isSwapAction(task.Action) && r.swapper == nil {
		return SubmitResult{Code: SubmitRejectedBotDisabled, Reason: "face swap provider not configured"}
	}
	if acc.DayLimitReached() {
		return SubmitResult{Code: SubmitRejectedNotAccepting, Reason: "daily draw limit reached"}
	}
	if !acc.InWorkTime(now) {
		return SubmitResult{Code: SubmitRejectedNotAccepting, Reason: "outside work hours"}
	}
	if acc.InFishingTime(now) {
		return SubmitResult{Code: SubmitRejectedNotAccepting, Reason: "fishing time"}
	}
	if len(r.waiting)+len(r.running) >= acc.MaxQueueSize {
		return SubmitResult{Code: SubmitRejectedQueueFull, Reason: "queue full"}
	}

	task.InstanceID = acc.ChannelID
	task.PromptFull = r.applyModeLocked(task)
	r.waiting = append(r.waiting, task)
	r.doneSignals[task.ID] = make(chan struct{})
	r.wakeRunner()

	r.log.Debug("task_enqueued",
		"account_id", acc.ID,
		"task_id", task.ID,
		"action", task.Action,
		"queue_len", len(r.waiting)+len(r.running),
	)
	return SubmitResult{Code: SubmitAccepted}
}

// applyModeLocked strips mode keywords the account does not allow and
// appends the effective one. Caller holds r.mu.
func (r *AccountRuntime) applyModeLocked(task *model.Task) string {
	prompt := task.PromptFull
	if prompt == "" {
		prompt = task.PromptEn
	}
	if prompt == "" {
		prompt = task.Prompt
	}
	prompt = stripDisallowedModes(prompt, r.account.AllowModes)

	mode := task.Mode
	if mode == "" {
		mode = r.account.Mode
	}
	if mode != "" && r.account.AllowsMode(mode) && !hasModeKeyword(prompt) {
		prompt = prompt + " --" + mode
	}
	return prompt
}

// Cancel removes a waiting task or marks an in-flight one cancelled,
// pressing the job's cancel button first when one has been seen.
func (r *AccountRuntime) Cancel(taskID string) bool {
	r.mu.Lock()
	var task *model.Task
	inFlight := false
	for i, t := range r.waiting {
		if t.ID == taskID {
			task = t
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			break
		}
	}
	if task == nil {
		task = r.running[taskID]
		inFlight = task != nil
	}
	acc := *r.account
	r.mu.Unlock()

	if task == nil {
		return false
	}
	if inFlight {
		r.cancelUpstream(acc, task)
	}
	if !task.Transition(model.StatusCancel) {
		return false
	}
	r.finish(task)
	return true
}

// cancelUpstream presses the job's cancel button. Pure best effort: the
// task is marked cancelled whether or not the press lands.
func (r *AccountRuntime) cancelUpstream(acc model.DiscordAccount, task *model.Task) {
	customID, _ := task.GetProperty("cancelCustomId")
	cid, _ := customID.(string)
	if cid == "" || task.MessageID == "" {
		return
	}
	target := discord.Target{
		GuildID:   acc.GuildID,
		ChannelID: acc.ChannelID,
		Token:     acc.UserToken,
		UserAgent: acc.UserAgent,
		Niji:      effectiveBot(task) == model.BotNiji,
	}
	if task.SubInstanceID != "" {
		if guild, ok := acc.SubChannelValues[task.SubInstanceID]; ok {
			target.ChannelID = task.SubInstanceID
			target.GuildID = guild
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.transport.Action(ctx, target, task.MessageID, cid, newNonce()); err != nil {
		r.log.Debug("upstream_cancel_failed", "task_id", task.ID, "error", err)
	}
}

// AwaitDone blocks until the task reaches a terminal state or the
// timeout passes.
func (r *AccountRuntime) AwaitDone(taskID string, timeout time.Duration) bool {
	r.mu.Lock()
	ch, ok := r.doneSignals[taskID]
	r.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *AccountRuntime) wakeRunner() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// runner is the single dispatch loop: FIFO order, bounded by core_size,
// paced by interval and the post-dispatch sleep.
func (r *AccountRuntime) runner() {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic_in_runner", "account_id", r.accountID(), "panic", rec)
		}
	}()

	for {
		select {
		case <-r.stop:
			return
		case <-r.wake:
		}

		for {
			task, ok := r.nextTask()
			if !ok {
				break
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := r.limiter.Wait(ctx)
			cancel()
			if err != nil {
				r.log.Warn("pacing_wait_aborted", "account_id", r.accountID(), "error", err)
			}

			r.dispatch(task)

			r.mu.Lock()
			minS, maxS := r.account.AfterIntervalMin, r.account.AfterIntervalMax
			r.mu.Unlock()
			if pause := afterInterval(minS, maxS); pause > 0 {
				select {
				case <-r.stop:
					return
				case <-time.After(pause):
				}
			}
		}
	}
}

// nextTask dequeues the head of the waiting queue when there is
// in-flight headroom.
func (r *AccountRuntime) nextTask() (*model.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.waiting) == 0 || len(r.running) >= r.account.CoreSize {
		return nil, false
	}
	task := r.waiting[0]
	r.waiting = r.waiting[1:]
	r.running[task.ID] = task
	return task, true
}

// dispatch sends the command for one task and registers its nonce.
// Swap-face tasks bypass the Discord transport and run on the external
// provider.
func (r *AccountRuntime) dispatch(task *model.Task) {
	task.Transition(model.StatusSubmitted)
	task.StartTime = time.Now().UnixMilli()
	task.Progress = "0%"

	if isSwapAction(task.Action) {
		r.runFaceSwap(task)
		return
	}

	nonce := newNonce()
	task.Nonce = nonce

	r.mu.Lock()
	acc := *r.account
	timeout := time.Duration(acc.TimeoutMinutes) * time.Minute
	r.byNonce[nonce] = &pending{task: task, deadline: time.Now().Add(timeout)}
	r.mu.Unlock()

	r.persistAsync(task)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := r.sendCommand(ctx, acc, task, nonce)
	cancel()
	if err != nil {
		r.log.Warn("command_dispatch_failed",
			"account_id", acc.ID,
			"task_id", task.ID,
			"action", task.Action,
			"error", err,
		)
		r.failTask(task, "dispatch failed: "+err.Error())
		return
	}

	r.log.Info("task_dispatched",
		"account_id", acc.ID,
		"task_id", task.ID,
		"action", task.Action,
		"nonce", nonce,
	)
}

// runFaceSwap runs one swap task synchronously on the provider; there
// is no gateway correlation for these.
func (r *AccountRuntime) runFaceSwap(task *model.Task) {
	r.persistAsync(task)

	r.mu.Lock()
	timeout := time.Duration(r.account.TimeoutMinutes) * time.Minute
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := r.swapper.SwapFace(ctx, task)
	cancel()
	if err != nil {
		r.failTask(task, "face swap failed: "+err.Error())
		return
	}
	if !task.Succeed() {
		return
	}
	r.finish(task)
}

// sendCommand routes one task through the command transport, honoring
// sub-channel fanout when the task pins a sub instance.
func (r *AccountRuntime) sendCommand(ctx context.Context, acc model.DiscordAccount, task *model.Task, nonce string) error {
	target := discord.Target{
		GuildID:   acc.GuildID,
		ChannelID: acc.ChannelID,
		Token:     acc.UserToken,
		UserAgent: acc.UserAgent,
		Niji:      effectiveBot(task) == model.BotNiji,
	}
	if task.SubInstanceID != "" {
		if guild, ok := acc.SubChannelValues[task.SubInstanceID]; ok {
			target.ChannelID = task.SubInstanceID
			target.GuildID = guild
		}
	}

	switch task.Action {
	case model.ActionImagine:
		return r.transport.Imagine(ctx, target, task.PromptFull, nonce)
	case model.ActionDescribe:
		url, _ := task.GetProperty("imageUrl")
		s, _ := url.(string)
		return r.transport.Describe(ctx, target, s, nonce)
	case model.ActionBlend:
		urls, _ := task.GetProperty("imageUrls")
		var list []string
		if vs, ok := urls.([]string); ok {
			list = vs
		} else if vs, ok := urls.([]any); ok {
			for _, v := range vs {
				if s, ok := v.(string); ok {
					list = append(list, s)
				}
			}
		}
		return r.transport.Blend(ctx, target, list, nonce)
	case model.ActionShow:
		return r.transport.Show(ctx, target, task.PromptFull, nonce)
	case model.ActionShorten:
		return r.transport.Shorten(ctx, target, task.PromptFull, nonce)
	default:
		// every button-driven action correlates back to the parent message
		customID, _ := task.GetProperty("customId")
		cid, _ := customID.(string)
		if cid == "" {
			return fmt.Errorf("action %s missing custom id", task.Action)
		}
		messageID, _ := task.GetProperty("messageId")
		mid, _ := messageID.(string)
		return r.transport.Action(ctx, target, mid, cid, nonce)
	}
}

// sweeper times out stuck in-flight tasks and resets the daily counter.
func (r *AccountRuntime) sweeper() {
	defer r.wg.Done()

	timeoutTicker := time.NewTicker(30 * time.Second)
	counterTicker := time.NewTicker(5 * time.Minute)
	defer timeoutTicker.Stop()
	defer counterTicker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-timeoutTicker.C:
			r.sweepTimeouts()
		case <-counterTicker.C:
			r.resetDayCounterIfRolled()
		}
	}
}

func (r *AccountRuntime) sweepTimeouts() {
	now := time.Now()

	r.mu.Lock()
	var expired []*model.Task
	for nonce, p := range r.byNonce {
		if now.After(p.deadline) {
			delete(r.byNonce, nonce)
			expired = append(expired, p.task)
		}
	}
	timeout := time.Duration(r.account.TimeoutMinutes) * time.Minute
	for _, task := range r.running {
		if task.StartTime > 0 && now.After(time.UnixMilli(task.StartTime).Add(timeout)) {
			expired = append(expired, task)
		}
	}
	r.mu.Unlock()

	seen := map[string]bool{}
	for _, task := range expired {
		if seen[task.ID] {
			continue
		}
		seen[task.ID] = true
		r.failTask(task, "timeout")
	}
}

// resetDayCounterIfRolled zeroes the draw counter when the local day
// changed. Safe to call repeatedly.
func (r *AccountRuntime) resetDayCounterIfRolled() {
	today := time.Now().Format("20060102")

	r.mu.Lock()
	rolled := today != r.counterDay
	if rolled {
		r.counterDay = today
		r.account.DayDrawCount = 0
	}
	accID := r.account.ID
	r.mu.Unlock()

	if rolled {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.store.UpdateAccountFields(ctx, accID, map[string]any{"day_draw_count": 0}); err != nil {
				r.log.Warn("day_counter_reset_failed", "account_id", accID, "error", err)
			}
		}()
	}
}

func (r *AccountRuntime) accountID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.account.ID
}

func (r *AccountRuntime) persistAsync(task *model.Task) {
	snapshot := *task
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.SaveTask(ctx, &snapshot); err != nil {
			r.log.Warn("task_write_failed", "task_id", snapshot.ID, "error", err)
		}
	}()
}

// finish runs the terminal side effects: durable write, callback,
// optional image mirror, completion signal, index cleanup.
func (r *AccountRuntime) finish(task *model.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := r.store.SaveTaskFinal(ctx, task); err != nil {
		r.log.Error("task_final_write_failed", "task_id", task.ID, "error", err)
	}
	cancel()

	if r.notifier != nil {
		r.notifier.Enqueue(task)
	}
	if r.mirror != nil && task.Status == model.StatusSuccess && task.ImageURL != "" {
		snapshot := *task
		go func() {
			mctx, mcancel := context.WithTimeout(context.Background(), time.Minute)
			defer mcancel()
			r.mirror.Mirror(mctx, &snapshot)
		}()
	}

	r.mu.Lock()
	delete(r.running, task.ID)
	if task.Nonce != "" {
		delete(r.byNonce, task.Nonce)
	}
	if task.InteractionMetadataID != "" {
		delete(r.byInteraction, task.InteractionMetadataID)
	}
	for _, id := range task.MessageIDs {
		delete(r.byMessage, id)
	}
	if ch, ok := r.doneSignals[task.ID]; ok {
		close(ch)
		delete(r.doneSignals, task.ID)
	}
	r.mu.Unlock()

	r.wakeRunner()
	r.log.Info("task_finished",
		"account_id", r.accountID(),
		"task_id", task.ID,
		"status", task.Status,
		"fail_reason", task.FailReason,
	)
}

func (r *AccountRuntime) failTask(task *model.Task, reason string) {
	if !task.Fail(reason) {
		return
	}
	r.bumpBanCountersIfNeeded(task, reason)
	r.finish(task)
}

// discordEpoch is the Discord snowflake epoch (2015-01-01).
const discordEpoch = 1420070400000

// newNonce builds a snowflake-shaped correlation id the way the web
// client does.
func newNonce() string {
	ms := time.Now().UnixMilli() - discordEpoch
	return strconv.FormatInt(ms<<22|rand.Int63n(1<<22), 10)
}

func afterInterval(minS, maxS float64) time.Duration {
	if maxS <= 0 || maxS < minS {
		return 0
	}
	span := maxS - minS
	return time.Duration((minS + rand.Float64()*span) * float64(time.Second))
}

func effectiveBot(task *model.Task) model.BotType {
	if task.RealBotType != "" {
		return task.RealBotType
	}
	return task.BotType
}

func isSwapAction(action model.TaskAction) bool {
	return action == model.ActionSwapFace || action == model.ActionSwapVideoFace
}

func actionGate(acc *model.DiscordAccount, action model.TaskAction) string {
	switch action {
	case model.ActionBlend:
		if !acc.IsBlend {
			return "blend not allowed on this account"
		}
	case model.ActionDescribe:
		if !acc.IsDescribe {
			return "describe not allowed on this account"
		}
	case model.ActionShorten:
		if !acc.IsShorten {
			return "shorten not allowed on this account"
		}
	}
	return ""
}

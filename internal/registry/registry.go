// Package registry supervises one gateway client and one account
// runtime per configured Discord account and routes gateway events to
// the owning runtime in arrival order.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/callback"
	"github.com/dg-devloper/mjopen-api-sub001/internal/config"
	"github.com/dg-devloper/mjopen-api-sub001/internal/discord"
	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
	"github.com/dg-devloper/mjopen-api-sub001/internal/notify"
	"github.com/dg-devloper/mjopen-api-sub001/internal/redis"
	"github.com/dg-devloper/mjopen-api-sub001/internal/runtime"
	"github.com/dg-devloper/mjopen-api-sub001/internal/selector"
)

const eventQueueCapacity = 50000

// AccountStore is the slice of the persistence layer the registry and
// the runtimes it builds need.
type AccountStore interface {
	runtime.TaskStore
	ListAccounts(ctx context.Context) ([]*model.DiscordAccount, error)
}

// instance bundles the per-account pieces.
type instance struct {
	account *model.DiscordAccount
	runtime *runtime.AccountRuntime
	gateway *discord.GatewayClient
}

// Registry is the process-wide account table. It implements
// discord.LifecycleHooks so gateway clients report back through it.
type Registry struct {
	log      *slog.Logger
	cfg      *config.Config
	store    AccountStore
	redis    *redis.Client
	notifier *callback.Dispatcher
	mailer   *notify.Mailer
	mirror   runtime.ImageMirror
	selector selector.Selector

	mu        sync.RWMutex
	instances map[string]*instance // account id -> instance
	byChannel map[string]*instance // channel id (instance id) -> instance

	events   chan *discord.Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(log *slog.Logger, cfg *config.Config, st AccountStore, redisClient *redis.Client, notifier *callback.Dispatcher, mailer *notify.Mailer, mirror runtime.ImageMirror) *Registry {
	return &Registry{
		log:       log,
		cfg:       cfg,
		store:     st,
		redis:     redisClient,
		notifier:  notifier,
		mailer:    mailer,
		mirror:    mirror,
		selector:  selector.New(cfg.AccountChooseRule),
		instances: make(map[string]*instance),
		byChannel: make(map[string]*instance),
		events:    make(chan *discord.Event, eventQueueCapacity),
		stop:      make(chan struct{}),
	}
}

// Load reads every enabled account from the store and brings its
// runtime and gateway up. Gateway connect failures do not abort load;
// the client keeps retrying on its own.
func (r *Registry) Load(ctx context.Context) error {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	r.wg.Add(1)
	go r.dispatchLoop()

	started := 0
	for _, acc := range accounts {
		if !acc.Enable {
			continue
		}
		if err := r.StartAccount(ctx, acc); err != nil {
			r.log.Error("account_start_failed", "account_id", acc.ID, "error", err)
			continue
		}
		started++
	}
	r.log.Info("registry_loaded", "accounts", started, "total", len(accounts))
	return nil
}

// StartAccount builds and starts the runtime and gateway for one
// account. Replaces a previous instance of the same account.
func (r *Registry) StartAccount(ctx context.Context, acc *model.DiscordAccount) error {
	r.RemoveAccount(acc.ID)

	r.applyDefaults(acc)
	acc.Clamp()
	transport := discord.NewInteractionTransport(r.log, r.cfg.DiscordServerURL)
	rt := runtime.New(r.log, r.store, r.redis, transport, r.notifier, r.mirror, acc)
	if r.cfg.CaptchaServerURL != "" {
		rt.SetLockHook(r.notifyCaptcha)
	}
	rt.Start()

	gw := discord.NewGatewayClient(r.log, r.redis, discord.GatewayConfig{
		WSSURL:       r.cfg.DiscordWSSURL,
		ResumeWSSURL: r.cfg.DiscordResumeWSS,
	}, r, acc.ID, acc.ChannelID, acc.UserToken, acc.UserAgent)

	inst := &instance{account: acc, runtime: rt, gateway: gw}
	r.mu.Lock()
	r.instances[acc.ID] = inst
	r.byChannel[acc.ChannelID] = inst
	for sub := range acc.SubChannelValues {
		r.byChannel[sub] = inst
	}
	r.mu.Unlock()

	if err := gw.Start(ctx, false); err != nil {
		// the instance stays registered; reconnect logic owns recovery
		r.log.Warn("gateway_initial_connect_failed", "account_id", acc.ID, "error", err)
	}
	return nil
}

// applyDefaults fills unset tunables from the global settings before
// clamping.
func (r *Registry) applyDefaults(acc *model.DiscordAccount) {
	if acc.CoreSize == 0 {
		acc.CoreSize = r.cfg.DefaultCoreSize
	}
	if acc.QueueSize == 0 {
		acc.QueueSize = r.cfg.DefaultQueueSize
	}
	if acc.TimeoutMinutes == 0 {
		acc.TimeoutMinutes = r.cfg.DefaultTimeoutMinutes
	}
	if acc.Interval == 0 {
		acc.Interval = r.cfg.DefaultIntervalSec
	}
}

// notifyCaptcha posts a locked account to the verification solver so a
// human (or the solver service) can clear the challenge.
func (r *Registry) notifyCaptcha(accountID, detail string) {
	body, err := json.Marshal(map[string]string{
		"account_id": accountID,
		"detail":     detail,
		"secret":     r.cfg.CaptchaSecret,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.CaptchaServerURL, bytes.NewReader(body))
	if err != nil {
		r.log.Warn("captcha_notify_failed", "account_id", accountID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		r.log.Warn("captcha_notify_failed", "account_id", accountID, "error", err)
		return
	}
	resp.Body.Close()
	r.log.Info("captcha_notify_sent", "account_id", accountID, "status", resp.StatusCode)
}

// RemoveAccount tears one account down and forgets it.
func (r *Registry) RemoveAccount(accountID string) {
	r.mu.Lock()
	inst, ok := r.instances[accountID]
	if ok {
		delete(r.instances, accountID)
		delete(r.byChannel, inst.account.ChannelID)
		for sub := range inst.account.SubChannelValues {
			delete(r.byChannel, sub)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if inst.gateway != nil {
		inst.gateway.Close()
	}
	inst.runtime.Stop()
	r.log.Info("account_removed", "account_id", accountID)
}

// Runtime returns the runtime owning an account id.
func (r *Registry) Runtime(accountID string) (*runtime.AccountRuntime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[accountID]
	if !ok {
		return nil, false
	}
	return inst.runtime, true
}

// RuntimeByInstance resolves by channel id, the instance id tasks pin.
func (r *Registry) RuntimeByInstance(instanceID string) (*runtime.AccountRuntime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byChannel[instanceID]
	if !ok {
		return nil, false
	}
	return inst.runtime, true
}

// Runtimes snapshots all live runtimes for the selector.
func (r *Registry) Runtimes() []*runtime.AccountRuntime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*runtime.AccountRuntime, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.runtime)
	}
	return out
}

// Choose picks an account runtime for a new task.
func (r *Registry) Choose(filter selector.AccountFilter) (*runtime.AccountRuntime, error) {
	return r.selector.Choose(r.Runtimes(), filter)
}

// Connected reports gateway health per account id.
func (r *Registry) Connected(accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[accountID]
	return ok && inst.gateway != nil && inst.gateway.Connected()
}

// OnSocketSuccess implements discord.LifecycleHooks.
func (r *Registry) OnSocketSuccess(accountID string) {
	r.log.Info("gateway_ready", "account_id", accountID)
	if r.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.redis.Del(ctx, "mj:account:"+accountID); err != nil {
			r.log.Warn("account_cache_clear_failed", "account_id", accountID, "error", err)
		}
	}
}

// OnEvent implements discord.LifecycleHooks: events enter the dispatch
// queue and reach the owning runtime in arrival order.
func (r *Registry) OnEvent(ev *discord.Event) {
	select {
	case r.events <- ev:
	default:
		r.log.Warn("event_queue_full", "account_id", ev.AccountID, "type", ev.Type)
	}
}

// OnDisabled implements discord.LifecycleHooks: the reconnect budget is
// gone, so the live runtime stops accepting work, the account is
// persisted as disabled, and the operator is mailed.
func (r *Registry) OnDisabled(accountID, reason string) {
	r.log.Error("account_disabled", "account_id", accountID, "reason", reason)

	if rt, ok := r.Runtime(accountID); ok {
		rt.Disable(reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := r.store.UpdateAccountFields(ctx, accountID, map[string]any{
		"enable":          false,
		"disabled_reason": reason,
	}); err != nil {
		r.log.Error("account_disable_write_failed", "account_id", accountID, "error", err)
	}
	if r.redis != nil {
		if err := r.redis.Del(ctx, "mj:account:"+accountID); err != nil {
			r.log.Warn("account_cache_clear_failed", "account_id", accountID, "error", err)
		}
	}
	if r.mailer.Enabled() {
		r.mailer.AccountDisabled(ctx, accountID, reason)
	}
}

// dispatchLoop is the single consumer of the event queue. One event at
// a time per process keeps per-account ordering without extra locking.
func (r *Registry) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case ev := <-r.events:
			r.route(ev)
		}
	}
}

func (r *Registry) route(ev *discord.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic_in_event_route", "account_id", ev.AccountID, "type", ev.Type, "panic", rec)
		}
	}()

	r.mu.RLock()
	inst := r.instances[ev.AccountID]
	if inst == nil && ev.ChannelID != "" {
		inst = r.byChannel[ev.ChannelID]
	}
	r.mu.RUnlock()
	if inst == nil {
		return
	}
	inst.runtime.HandleEvent(ev)
}

// CloseAll stops the dispatch loop and tears every account down.
func (r *Registry) CloseAll() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.mu.Lock()
	instances := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*instance)
	r.byChannel = make(map[string]*instance)
	r.mu.Unlock()

	for _, inst := range instances {
		if inst.gateway != nil {
			inst.gateway.Close()
		}
		inst.runtime.Stop()
	}
	r.log.Info("registry_closed", "accounts", len(instances))
}

package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/discord"
	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
	"github.com/dg-devloper/mjopen-api-sub001/internal/runtime"
	"github.com/dg-devloper/mjopen-api-sub001/internal/selector"
)

type nullStore struct{}

func (nullStore) SaveTask(context.Context, *model.Task) error      { return nil }
func (nullStore) SaveTaskFinal(context.Context, *model.Task) error { return nil }
func (nullStore) UpdateAccountFields(context.Context, string, map[string]any) error {
	return nil
}
func (nullStore) ListAccounts(context.Context) ([]*model.DiscordAccount, error) { return nil, nil }

type nullTransport struct{}

func (nullTransport) Imagine(context.Context, discord.Target, string, string) error  { return nil }
func (nullTransport) Action(context.Context, discord.Target, string, string, string) error {
	return nil
}
func (nullTransport) Modal(context.Context, discord.Target, string, string, string, string, string) error {
	return nil
}
func (nullTransport) Describe(context.Context, discord.Target, string, string) error { return nil }
func (nullTransport) Blend(context.Context, discord.Target, []string, string) error  { return nil }
func (nullTransport) Show(context.Context, discord.Target, string, string) error     { return nil }
func (nullTransport) Shorten(context.Context, discord.Target, string, string) error  { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newBareRegistry builds a registry without store or gateway wiring for
// routing tests.
func newBareRegistry() *Registry {
	return &Registry{
		log:       testLogger(),
		store:     nullStore{},
		selector:  selector.New(selector.RuleBestWaitIdle),
		instances: make(map[string]*instance),
		byChannel: make(map[string]*instance),
		events:    make(chan *discord.Event, 100),
		stop:      make(chan struct{}),
	}
}

func addAccount(r *Registry, acc *model.DiscordAccount) *runtime.AccountRuntime {
	return addAccountWith(r, acc, nullStore{}, nullTransport{})
}

func addAccountWith(r *Registry, acc *model.DiscordAccount, st runtime.TaskStore, transport discord.CommandTransport) *runtime.AccountRuntime {
	acc.Clamp()
	rt := runtime.New(testLogger(), st, nil, transport, nil, nil, acc)
	inst := &instance{account: acc, runtime: rt}
	r.instances[acc.ID] = inst
	r.byChannel[acc.ChannelID] = inst
	for sub := range acc.SubChannelValues {
		r.byChannel[sub] = inst
	}
	return rt
}

// nonceTransport hands the dispatched nonce to the test.
type nonceTransport struct {
	nullTransport
	nonces chan string
}

func (t nonceTransport) Imagine(_ context.Context, _ discord.Target, _ string, nonce string) error {
	t.nonces <- nonce
	return nil
}

// snapshotStore forwards every task write so routing effects can be
// observed without touching live task fields.
type snapshotStore struct {
	nullStore
	saves chan model.Task
}

func (s snapshotStore) SaveTask(_ context.Context, t *model.Task) error {
	s.saves <- *t
	return nil
}

func testAccount(id, channel string) *model.DiscordAccount {
	return &model.DiscordAccount{
		ID:           id,
		ChannelID:    channel,
		GuildID:      "g",
		UserToken:    "t",
		Enable:       true,
		EnableMj:     true,
		CoreSize:     3,
		QueueSize:    10,
		MaxQueueSize: 10,
		DayDrawLimit: -1,
	}
}

func TestEventRouting(t *testing.T) {
	r := newBareRegistry()
	acc := testAccount("acc-1", "chan-1")
	acc.SubChannels = []string{"https://discord.com/channels/200/201"}
	st := snapshotStore{saves: make(chan model.Task, 10)}
	transport := nonceTransport{nonces: make(chan string, 1)}
	rt := addAccountWith(r, acc, st, transport)
	rt.Start()

	r.wg.Add(1)
	go r.dispatchLoop()
	defer r.CloseAll()

	// dispatch a task so a routed event can correlate on its nonce
	task := model.NewTask(model.ActionImagine, model.BotMidJourney)
	res := rt.Submit(task)
	if res.Code != runtime.SubmitAccepted {
		t.Fatalf("submit rejected: %v", res.Reason)
	}
	var nonce string
	select {
	case nonce = <-transport.nonces:
	case <-time.After(2 * time.Second):
		t.Fatal("task never dispatched")
	}

	// an event carrying only the sub channel id must reach the runtime
	raw, _ := json.Marshal(map[string]string{"id": "i-1", "nonce": nonce})
	r.OnEvent(&discord.Event{ChannelID: "201", Type: discord.EventInteractionCreate, Raw: raw})

	deadline := time.After(2 * time.Second)
	for {
		var got model.Task
		select {
		case got = <-st.saves:
		case <-deadline:
			t.Fatal("sub-channel event never routed")
		}
		if got.InteractionMetadataID == "i-1" {
			break
		}
	}

	// routing by account id
	r.OnEvent(&discord.Event{AccountID: "acc-1", Type: discord.EventReady, Raw: raw})

	// unknown target is dropped, not fatal
	r.OnEvent(&discord.Event{AccountID: "ghost", Type: discord.EventReady, Raw: raw})

	time.Sleep(50 * time.Millisecond)
}

func TestOnDisabledStopsAcceptingWork(t *testing.T) {
	r := newBareRegistry()
	rt := addAccount(r, testAccount("acc-1", "chan-1"))

	res := rt.Submit(model.NewTask(model.ActionImagine, model.BotMidJourney))
	if res.Code != runtime.SubmitAccepted {
		t.Fatalf("submit rejected before disable: %v", res.Reason)
	}

	r.OnDisabled("acc-1", "connection closed: repeated gateway failures")

	acc := rt.Account()
	if acc.Enable {
		t.Fatal("live account must be disabled")
	}
	if acc.DisabledReason == "" {
		t.Fatal("disable reason must be recorded on the live account")
	}
	res = rt.Submit(model.NewTask(model.ActionImagine, model.BotMidJourney))
	if res.Code != runtime.SubmitRejectedBotDisabled {
		t.Fatalf("submit after disable = %v, want rejection", res.Code)
	}
	if _, err := r.Choose(selector.AccountFilter{BotType: model.BotMidJourney}); err != selector.ErrNoAvailableAccount {
		t.Fatalf("selector err = %v, want ErrNoAvailableAccount", err)
	}
}

func TestRuntimeLookups(t *testing.T) {
	r := newBareRegistry()
	acc := testAccount("acc-1", "chan-1")
	want := addAccount(r, acc)

	if got, ok := r.Runtime("acc-1"); !ok || got != want {
		t.Fatal("Runtime lookup by account id failed")
	}
	if got, ok := r.RuntimeByInstance("chan-1"); !ok || got != want {
		t.Fatal("Runtime lookup by instance id failed")
	}
	if _, ok := r.Runtime("missing"); ok {
		t.Fatal("lookup of missing account succeeded")
	}
	if len(r.Runtimes()) != 1 {
		t.Fatal("Runtimes() length mismatch")
	}
}

func TestChooseUsesSelector(t *testing.T) {
	r := newBareRegistry()
	addAccount(r, testAccount("acc-1", "chan-1"))
	disabled := testAccount("acc-2", "chan-2")
	disabled.Enable = false
	addAccount(r, disabled)

	rt, err := r.Choose(selector.AccountFilter{BotType: model.BotMidJourney})
	if err != nil {
		t.Fatal(err)
	}
	if rt.Account().ID != "acc-1" {
		t.Fatalf("chose %s, want acc-1", rt.Account().ID)
	}

	_, err = r.Choose(selector.AccountFilter{BotType: model.BotNiji})
	if err != selector.ErrNoAvailableAccount {
		t.Fatalf("err = %v, want ErrNoAvailableAccount", err)
	}
}

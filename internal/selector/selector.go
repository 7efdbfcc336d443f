// Package selector picks the account a new task runs on. A selector
// works over live runtimes so its load view (in-flight, queue length)
// is current at choose time.
package selector

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/model"
	"github.com/dg-devloper/mjopen-api-sub001/internal/runtime"
)

// ErrNoAvailableAccount means every account was filtered out or busy
// beyond its queue cap.
var ErrNoAvailableAccount = errors.New("no available account")

// Rule names accepted in the account_choose_rule setting.
const (
	RuleBestWaitIdle = "best-wait-idle"
	RuleRandom       = "random"
	RuleWeight       = "weight"
	RulePolling      = "polling"
)

// AccountFilter narrows the candidate set for one task.
type AccountFilter struct {
	BotType    model.BotType
	Mode       string // pinned mode, empty means any
	InstanceID string // explicit account pin (channel id), empty means any
	Remix      bool   // require the remix toggle on
	Blend      bool
	Describe   bool
	Shorten    bool
}

// Selector chooses one runtime among the registered candidates.
type Selector interface {
	Choose(candidates []*runtime.AccountRuntime, filter AccountFilter) (*runtime.AccountRuntime, error)
}

// New returns the selector for a configured rule name; unknown rules
// fall back to best-wait-idle.
func New(rule string) Selector {
	switch rule {
	case RuleRandom:
		return &randomSelector{}
	case RuleWeight:
		return &weightSelector{}
	case RulePolling:
		return &pollingSelector{cursors: map[model.BotType]int{}}
	default:
		return &bestWaitIdleSelector{}
	}
}

// eligible applies the filter plus the account accept predicate.
func eligible(candidates []*runtime.AccountRuntime, f AccountFilter) []*runtime.AccountRuntime {
	now := time.Now()
	out := make([]*runtime.AccountRuntime, 0, len(candidates))
	for _, r := range candidates {
		acc := r.Account()
		if f.InstanceID != "" && acc.ChannelID != f.InstanceID {
			continue
		}
		if !r.IsAcceptNewTask(now) {
			continue
		}
		if !acc.AllowsBot(f.BotType) {
			continue
		}
		if f.Mode != "" && !acc.AllowsMode(f.Mode) {
			continue
		}
		if f.Remix && !acc.RemixOn(f.BotType) {
			continue
		}
		if f.Blend && !acc.IsBlend {
			continue
		}
		if f.Describe && !acc.IsDescribe {
			continue
		}
		if f.Shorten && !acc.IsShorten {
			continue
		}
		out = append(out, r)
	}
	return out
}

// bestWaitIdleSelector prefers accounts with spare concurrency, then
// falls back to the shortest queue.
type bestWaitIdleSelector struct{}

func (s *bestWaitIdleSelector) Choose(candidates []*runtime.AccountRuntime, f AccountFilter) (*runtime.AccountRuntime, error) {
	list := eligible(candidates, f)
	if len(list) == 0 {
		return nil, ErrNoAvailableAccount
	}

	var bestIdle, bestBusy *runtime.AccountRuntime
	var bestIdleInFlight, bestIdleQueue int
	var bestBusyQueue, bestBusyWeight int

	for _, r := range list {
		acc := r.Account()
		inFlight := r.InFlight()
		queue := r.QueueLen()
		if inFlight < acc.CoreSize {
			if bestIdle == nil ||
				inFlight < bestIdleInFlight ||
				(inFlight == bestIdleInFlight && queue < bestIdleQueue) {
				bestIdle, bestIdleInFlight, bestIdleQueue = r, inFlight, queue
			}
			continue
		}
		if bestBusy == nil ||
			queue < bestBusyQueue ||
			(queue == bestBusyQueue && acc.Weight > bestBusyWeight) {
			bestBusy, bestBusyQueue, bestBusyWeight = r, queue, acc.Weight
		}
	}
	if bestIdle != nil {
		return bestIdle, nil
	}
	return bestBusy, nil
}

type randomSelector struct{}

func (s *randomSelector) Choose(candidates []*runtime.AccountRuntime, f AccountFilter) (*runtime.AccountRuntime, error) {
	list := eligible(candidates, f)
	if len(list) == 0 {
		return nil, ErrNoAvailableAccount
	}
	return list[rand.Intn(len(list))], nil
}

// weightSelector is weighted random; a zero weight still participates
// with weight 1.
type weightSelector struct{}

func (s *weightSelector) Choose(candidates []*runtime.AccountRuntime, f AccountFilter) (*runtime.AccountRuntime, error) {
	list := eligible(candidates, f)
	if len(list) == 0 {
		return nil, ErrNoAvailableAccount
	}
	total := 0
	weights := make([]int, len(list))
	for i, r := range list {
		w := r.Account().Weight
		if w <= 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	n := rand.Intn(total)
	for i, w := range weights {
		if n < w {
			return list[i], nil
		}
		n -= w
	}
	return list[len(list)-1], nil
}

// pollingSelector cycles a cursor per bot type over the filtered list.
type pollingSelector struct {
	mu      sync.Mutex
	cursors map[model.BotType]int
}

func (s *pollingSelector) Choose(candidates []*runtime.AccountRuntime, f AccountFilter) (*runtime.AccountRuntime, error) {
	list := eligible(candidates, f)
	if len(list) == 0 {
		return nil, ErrNoAvailableAccount
	}
	s.mu.Lock()
	cursor := s.cursors[f.BotType]
	s.cursors[f.BotType] = cursor + 1
	s.mu.Unlock()
	return list[cursor%len(list)], nil
}

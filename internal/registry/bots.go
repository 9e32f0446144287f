package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"hyperhive/pkg/types"
)

// BotRegistry tracks heartbeats from this hive and any sibling bots that
// report in through the API. A bot with no heartbeat inside offlineAfter is
// served as offline; records are kept until deleted.
type BotRegistry struct {
	offlineAfter time.Duration
	persist      func(BotRun)
	now          func() time.Time

	mu   sync.RWMutex
	bots map[string]BotRun
}

// NewBotRegistry builds the tracker. persist may be nil; otherwise each
// accepted heartbeat is handed to it for write-behind storage.
func NewBotRegistry(offlineAfter time.Duration, persist func(BotRun)) *BotRegistry {
	if offlineAfter <= 0 {
		offlineAfter = 2 * time.Minute
	}
	return &BotRegistry{
		offlineAfter: offlineAfter,
		persist:      persist,
		now:          time.Now,
		bots:         make(map[string]BotRun),
	}
}

// Seed loads persisted runs, typically at boot. Seeded entries keep their
// stored last-seen time, so a restarted hive serves stale bots as offline
// rather than forgetting them.
func (b *BotRegistry) Seed(runs map[string]BotRun) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, run := range runs {
		if _, live := b.bots[id]; !live {
			b.bots[id] = run
		}
	}
}

// Heartbeat upserts a bot's latest report.
func (b *BotRegistry) Heartbeat(hb types.BotHeartbeat) (BotRun, error) {
	if hb.ID == "" {
		return BotRun{}, fmt.Errorf("bot id is required")
	}
	run := BotRun{Heartbeat: hb, LastSeen: b.now()}

	b.mu.Lock()
	b.bots[hb.ID] = run
	b.mu.Unlock()

	if b.persist != nil {
		b.persist(run)
	}
	return run, nil
}

// Get returns one bot with its status computed from last-seen age.
func (b *BotRegistry) Get(id string) (types.BotHeartbeat, error) {
	b.mu.RLock()
	run, ok := b.bots[id]
	b.mu.RUnlock()
	if !ok {
		return types.BotHeartbeat{}, fmt.Errorf("id %s: %w", id, types.ErrBotNotFound)
	}
	return b.render(run), nil
}

// List returns all known bots sorted by id, statuses computed.
func (b *BotRegistry) List() []types.BotHeartbeat {
	b.mu.RLock()
	out := make([]types.BotHeartbeat, 0, len(b.bots))
	for _, run := range b.bots {
		out = append(out, b.render(run))
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove forgets a bot. Offline bots are the usual target; removing an
// online bot just means it reappears on its next heartbeat.
func (b *BotRegistry) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bots[id]; !ok {
		return fmt.Errorf("id %s: %w", id, types.ErrBotNotFound)
	}
	delete(b.bots, id)
	return nil
}

func (b *BotRegistry) render(run BotRun) types.BotHeartbeat {
	hb := run.Heartbeat
	if b.now().Sub(run.LastSeen) >= b.offlineAfter {
		hb.Status = "offline"
	} else if hb.Status == "" {
		hb.Status = "online"
	}
	return hb
}

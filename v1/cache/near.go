package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

// InvalidationChannel carries near cache invalidations between instances.
const InvalidationChannel = "cache:invalidate"

type invalidation struct {
	Family string `json:"family"`
	Entry  string `json:"entry,omitempty"`
	All    bool   `json:"all,omitempty"`
}

type nearEntry struct {
	raw    []byte
	coarse uint64
}

// nearGen is a per-family snapshot. coarse moves on InvalidateAll and hides
// every older entry; seq moves on any invalidation and only gates writes.
type nearGen struct {
	coarse uint64
	seq    uint64
}

// nearCache is the process-local L1. Coarse invalidation bumps a per-family
// generation instead of walking ristretto, entries of an older generation
// are treated as absent.
type nearCache struct {
	c   *ristretto.Cache
	ttl time.Duration
	bus syncbus.Bus

	mu   sync.Mutex
	gens map[string]nearGen
}

func newNearCache(ttl time.Duration, bus syncbus.Bus) (*nearCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &nearCache{c: c, ttl: ttl, bus: bus, gens: make(map[string]nearGen)}, nil
}

func (n *nearCache) gen(family string) nearGen {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gens[family]
}

func (n *nearCache) get(family, entry string) ([]byte, bool) {
	v, ok := n.c.Get(entry)
	if !ok {
		return nil, false
	}
	e, ok := v.(nearEntry)
	if !ok || e.coarse != n.gen(family).coarse {
		return nil, false
	}
	return e.raw, true
}

// set stores raw if the family saw no invalidation at all since gen was
// observed. The check and the write happen under the same lock as drop, so
// bytes read before an invalidation never land after it.
func (n *nearCache) set(family, entry string, raw []byte, gen nearGen) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.gens[family] {
		return
	}
	n.c.SetWithTTL(entry, nearEntry{raw: raw, coarse: gen.coarse}, int64(len(raw))+1, n.ttl)
	n.c.Wait()
}

func (n *nearCache) drop(inv invalidation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g := n.gens[inv.Family]
	g.seq++
	if inv.All {
		g.coarse++
	} else {
		n.c.Del(inv.Entry)
	}
	n.gens[inv.Family] = g
}

// invalidate drops the entry locally and tells peers to do the same.
func (n *nearCache) invalidate(ctx context.Context, inv invalidation, log *zap.Logger) {
	n.drop(inv)
	if n.bus == nil {
		return
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return
	}
	if err := n.bus.Publish(ctx, InvalidationChannel, payload); err != nil {
		log.Warn("near cache invalidation not broadcast", logger.Family(inv.Family), zap.Error(err))
	}
}

func (n *nearCache) listen(ctx context.Context, log *zap.Logger) error {
	if n.bus == nil {
		return nil
	}
	ch, err := n.bus.Subscribe(ctx, InvalidationChannel)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			var inv invalidation
			if err := json.Unmarshal(msg.Payload, &inv); err != nil {
				log.Warn("malformed invalidation", zap.Error(err))
				continue
			}
			n.drop(inv)
		}
	}()
	return nil
}

func (n *nearCache) close() {
	n.c.Close()
}

package gateway

import (
	"sync"

	"github.com/soyeahso/voxgate/internal/bridge"
	"github.com/soyeahso/voxgate/internal/logging"
)

// streamRegistry tracks open media bridges so shutdown can close them.
type streamRegistry struct {
	mu      sync.RWMutex
	bridges map[string]*bridge.Bridge // bridge id → bridge
	log     *logging.Logger
}

func newStreamRegistry(log *logging.Logger) *streamRegistry {
	return &streamRegistry{
		bridges: make(map[string]*bridge.Bridge),
		log:     log,
	}
}

// Add registers an open bridge.
func (r *streamRegistry) Add(b *bridge.Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges[b.ID()] = b
	r.log.Debug().Str("bridge", b.ID()).Int("open", len(r.bridges)).Msg("media stream opened")
}

// Remove unregisters a bridge by id.
func (r *streamRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bridges, id)
	r.log.Debug().Str("bridge", id).Int("open", len(r.bridges)).Msg("media stream closed")
}

// Get returns a bridge by id.
func (r *streamRegistry) Get(id string) (*bridge.Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[id]
	return b, ok
}

// Count returns the number of open bridges.
func (r *streamRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// CloseAll asks every open bridge to drain and close. Bridges remove
// themselves once their run loop returns.
func (r *streamRegistry) CloseAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bridges {
		b.Close(reason)
	}
}

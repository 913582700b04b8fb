package assistant

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/zhouzirui/z-assistant/backend/internal/telemetry"
)

// pruneSpec is how often idle client states are swept.
const pruneSpec = "@every 10m"

// Registry 保存每个浏览器客户端的 State，按 client id 索引。
type Registry struct {
	mu      sync.RWMutex
	states  map[string]*State
	driver  *Driver
	ttl     time.Duration
	metrics *telemetry.Metrics
	cron    *cron.Cron
}

// NewRegistry creates an empty registry. ttl <= 0 disables pruning.
func NewRegistry(driver *Driver, ttl time.Duration, metrics *telemetry.Metrics) *Registry {
	return &Registry{
		states:  make(map[string]*State),
		driver:  driver,
		ttl:     ttl,
		metrics: metrics,
	}
}

// Get returns the state for id, creating it when missing. Ids that are not
// UUIDs are replaced with a fresh one; the returned id is the one to use.
func (r *Registry) Get(id string) (string, *State) {
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	now := r.driver.now()

	r.mu.RLock()
	st, ok := r.states[id]
	r.mu.RUnlock()
	if ok {
		st.touch(now)
		return id, st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[id]; ok {
		st.touch(now)
		return id, st
	}
	st = r.driver.NewState()
	r.states[id] = st
	r.metrics.SetClients(len(r.states))
	return id, st
}

// Len returns the number of held states.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Prune drops states idle for longer than the ttl and returns how many were removed.
func (r *Registry) Prune() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.driver.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, st := range r.states {
		if st.LastSeen().Before(cutoff) {
			delete(r.states, id)
			removed++
		}
	}
	r.metrics.SetClients(len(r.states))
	return removed
}

// Start schedules periodic pruning.
func (r *Registry) Start() error {
	if r.ttl <= 0 {
		return nil
	}

	r.cron = cron.New()
	_, err := r.cron.AddFunc(pruneSpec, func() {
		if n := r.Prune(); n > 0 {
			log.Printf("[assistant] pruned %d idle client states", n)
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	log.Printf("[assistant] client state pruning every 10m (ttl %s)", r.ttl)
	return nil
}

// Stop halts the pruning job and waits for a running sweep to finish.
func (r *Registry) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

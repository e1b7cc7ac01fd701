package activation

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomyedwab/orbd/metrics"
	"github.com/tomyedwab/orbd/tokens"
	"github.com/tomyedwab/orbd/types"
)

const (
	defaultLookupTimeout = 60 * time.Second
	// One spawn every five seconds per server after an initial burst.
	defaultActivationRate  = rate.Limit(0.2)
	defaultActivationBurst = 5
)

// RegistryConfig holds configuration options for the ServerRegistry.
type RegistryConfig struct {
	Repository      Repository
	Launcher        Launcher
	Issuer          *tokens.Issuer   // Optional, spawned servers get no token when nil
	Events          EventLog         // Optional
	Metrics         *metrics.Metrics // Optional
	Logger          *slog.Logger     // Optional, defaults to slog.Default()
	InitialHost     string           // Address spawned servers use to reach the daemon
	InitialPort     int
	LookupTimeout   time.Duration // Optional, defaults to 60s
	ActivationRate  rate.Limit    // Optional, defaults to 0.2/s; rate.Inf disables throttling
	ActivationBurst int           // Optional, defaults to 5
}

// ServerRegistry owns the entries of every server activated since startup.
// It is the only place entries are created, replaced or evicted.
type ServerRegistry struct {
	deps  *entryDeps
	limit rate.Limit
	burst int

	mu       sync.Mutex
	entries  map[types.ServerID]*ServerEntry
	limiters map[types.ServerID]*rate.Limiter // Survive entry replacement
}

// NewServerRegistry creates an empty registry.
func NewServerRegistry(config RegistryConfig) *ServerRegistry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := config.Events
	if events == nil {
		events = nopEventLog{}
	}
	lookupTimeout := config.LookupTimeout
	if lookupTimeout == 0 {
		lookupTimeout = defaultLookupTimeout
	}
	limit := config.ActivationRate
	if limit == 0 {
		limit = defaultActivationRate
	}
	burst := config.ActivationBurst
	if burst == 0 {
		burst = defaultActivationBurst
	}
	return &ServerRegistry{
		deps: &entryDeps{
			repo:          config.Repository,
			launcher:      config.Launcher,
			issuer:        config.Issuer,
			events:        events,
			metrics:       config.Metrics,
			logger:        logger.With("component", "ServerRegistry"),
			initialHost:   config.InitialHost,
			initialPort:   config.InitialPort,
			lookupTimeout: lookupTimeout,
		},
		limit:    limit,
		burst:    burst,
		entries:  make(map[types.ServerID]*ServerEntry),
		limiters: make(map[types.ServerID]*rate.Limiter),
	}
}

func (r *ServerRegistry) limiterLocked(serverID types.ServerID) *rate.Limiter {
	l, ok := r.limiters[serverID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[serverID] = l
	}
	return l
}

// GetOrCreate returns the valid entry for serverID, replacing an invalid one
// and activating a new one. A failed activation leaves the returned entry
// held down rather than returning an error; the only error is an unknown
// server. The spawn runs outside the registry lock; callers arriving while it
// is in flight get the same entry and wait on it.
func (r *ServerRegistry) GetOrCreate(ctx context.Context, serverID types.ServerID) (*ServerEntry, error) {
	entry, created, err := r.getOrInsert(ctx, serverID)
	if err != nil || !created {
		return entry, err
	}
	if err := entry.Activate(ctx); err != nil {
		r.deps.logger.Warn("Activation failed", "serverID", serverID, "error", err)
	}
	return entry, nil
}

func (r *ServerRegistry) getOrInsert(ctx context.Context, serverID types.ServerID) (*ServerEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entries[serverID]
	if entry != nil && !entry.IsValid() {
		r.deps.logger.Info("Replacing invalid entry", "serverID", serverID)
		delete(r.entries, serverID)
		entry = nil
	}
	if entry != nil {
		return entry, false, nil
	}

	def, err := r.deps.repo.GetServer(ctx, serverID)
	if err != nil {
		return nil, false, err
	}
	entry = newServerEntry(serverID, def, r.deps, r.limiterLocked(serverID))
	r.entries[serverID] = entry
	return entry, true, nil
}

// Get returns the entry for serverID without creating one.
func (r *ServerRegistry) Get(serverID types.ServerID) *ServerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[serverID]
}

// Remove deletes and returns the entry for serverID.
func (r *ServerRegistry) Remove(serverID types.ServerID) *ServerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[serverID]
	delete(r.entries, serverID)
	return entry
}

// RemoveAll empties the registry and returns what it held.
func (r *ServerRegistry) RemoveAll() []*ServerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]*ServerEntry, 0, len(r.entries))
	for id, entry := range r.entries {
		entries = append(entries, entry)
		delete(r.entries, id)
	}
	return entries
}

// ListActive returns the ids of valid registered servers in ascending order.
func (r *ServerRegistry) ListActive() []types.ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]types.ServerID, 0, len(r.entries))
	for id, entry := range r.entries {
		if entry.IsValid() && entry.IsActive() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Sweep invalidates every entry whose process has died and returns their ids
// in ascending order. Invalid entries stay in place until GetOrCreate
// replaces them.
func (r *ServerRegistry) Sweep() []types.ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []types.ServerID
	for id, entry := range r.entries {
		if entry.checkLiveness() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *ServerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

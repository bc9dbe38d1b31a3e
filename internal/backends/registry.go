package backends

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// degradedAfter is the number of consecutive failed attempts after which a
// backend is reported as degraded. One success resets the counter.
const degradedAfter = 3

// Handle is the gateway's view of one backend. Created once on first use and
// never recreated while the process runs; safe for unlimited concurrent use.
type Handle struct {
	Name         string
	Configured   bool
	Capabilities Capabilities

	impl Backend // nil when !Configured
}

// Backend returns the underlying adapter, or nil for unconfigured handles.
func (h *Handle) Backend() Backend { return h.impl }

// Registration declares one backend to the registry. Build is nil when the
// backend has no credential; it is invoked at most once, on first reference.
type Registration struct {
	Name         string
	Capabilities Capabilities
	Build        func() Backend
}

// Registry lazily constructs and holds one handle per configured backend.
//
// Construction is raced safely: when two requests reference the same backend
// concurrently, singleflight guarantees a single Build call and both callers
// share the result (first writer wins). A backend whose Build is nil or
// returns nil is marked unconfigured permanently — it is not retried.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	health  map[string]*healthState

	order    []string
	builders map[string]Registration
	group    singleflight.Group
	log      *slog.Logger
}

type healthState struct {
	mu           sync.Mutex
	consecFails  int
	everAttained bool
}

// NewRegistry creates a Registry from the given registrations. Order of regs
// is the registration order used by ListConfigured and failover.
func NewRegistry(log *slog.Logger, regs []Registration) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		handles:  make(map[string]*Handle),
		health:   make(map[string]*healthState),
		builders: make(map[string]Registration, len(regs)),
		log:      log,
	}
	for _, reg := range regs {
		if _, dup := r.builders[reg.Name]; dup {
			continue
		}
		r.builders[reg.Name] = reg
		r.order = append(r.order, reg.Name)
		r.health[reg.Name] = &healthState{}
	}
	return r
}

// Handle returns the handle for name, constructing it on first reference.
// Unknown or credential-less backends yield a handle with Configured=false;
// construction never fails with an error.
func (r *Registry) Handle(name string) *Handle {
	r.mu.RLock()
	h, ok := r.handles[name]
	r.mu.RUnlock()
	if ok {
		return h
	}

	v, _, _ := r.group.Do(name, func() (any, error) {
		// Re-check under the group: a racing caller may have stored it.
		r.mu.RLock()
		existing, ok := r.handles[name]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		h := r.construct(name)
		r.mu.Lock()
		r.handles[name] = h
		r.mu.Unlock()
		return h, nil
	})
	return v.(*Handle)
}

func (r *Registry) construct(name string) *Handle {
	reg, known := r.builders[name]
	if !known || reg.Build == nil {
		return &Handle{Name: name}
	}

	impl := reg.Build()
	if impl == nil {
		r.log.Warn("backend_construction_failed", slog.String("backend", name))
		return &Handle{Name: name}
	}

	r.log.Info("backend_initialized", slog.String("backend", name))
	return &Handle{
		Name:         name,
		Configured:   true,
		Capabilities: reg.Capabilities,
		impl:         impl,
	}
}

// ListConfigured returns all currently usable backend names in registration
// order, with degraded backends demoted to the tail. This ordering drives
// both model-availability responses and failover.
func (r *Registry) ListConfigured() []string {
	healthy := make([]string, 0, len(r.order))
	var degraded []string
	for _, name := range r.order {
		if !r.Handle(name).Configured {
			continue
		}
		if r.Healthy(name) {
			healthy = append(healthy, name)
		} else {
			degraded = append(degraded, name)
		}
	}
	return append(healthy, degraded...)
}

// ReportAttempt feeds the per-backend health signal. It is called for every
// dispatch attempt, success or failure. Health never gates attempts within a
// request; it only reorders ListConfigured for subsequent calls.
func (r *Registry) ReportAttempt(name string, ok bool) {
	hs := r.healthFor(name)
	if hs == nil {
		return
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if ok {
		hs.consecFails = 0
		hs.everAttained = true
		return
	}
	hs.consecFails++
}

// Healthy reports whether name is currently considered healthy. Backends that
// have never been attempted count as healthy.
func (r *Registry) Healthy(name string) bool {
	hs := r.healthFor(name)
	if hs == nil {
		return true
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.consecFails < degradedAfter
}

func (r *Registry) healthFor(name string) *healthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health[name]
}

package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shockclock/internal/runtime/supervisor"
	"shockclock/pkg/logx"
)

// UserLister enumerates registered users that are not logged out.
type UserLister interface {
	ListActiveUsers(ctx context.Context) ([]string, error)
}

type handle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

func (h *handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// LoopInfo is a read-only view of one registry entry.
type LoopInfo struct {
	User    string    `json:"user"`
	Started time.Time `json:"started"`
}

// Registry owns the user -> loop table. At most one live loop exists per
// user; every loop runs under sup.
//
// StopFor pauses a user: StartAllKnownUsers skips them until an explicit
// StartFor. This closes the window where a resync that listed the user just
// before a logout would start the loop again.
type Registry struct {
	sup   *supervisor.Supervisor
	deps  Deps
	users UserLister
	log   logx.Logger

	settings atomic.Pointer[Settings]

	mu     sync.Mutex
	loops  map[string]*handle
	paused map[string]struct{}
	closed bool
}

func NewRegistry(sup *supervisor.Supervisor, deps Deps, users UserLister, set Settings) *Registry {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	r := &Registry{
		sup:    sup,
		deps:   deps,
		users:  users,
		log:    deps.Log.With(logx.String("comp", "registry")),
		loops:  map[string]*handle{},
		paused: map[string]struct{}{},
	}
	r.Apply(set)
	return r
}

// Apply swaps the settings every loop reads at its next cycle.
func (r *Registry) Apply(set Settings) {
	set = set.withDefaults()
	r.settings.Store(&set)
}

func (r *Registry) Settings() Settings { return *r.settings.Load() }

// StartFor starts a loop for user unless a live one exists and clears any
// pause. It reports whether a new loop was started.
func (r *Registry) StartFor(user string) bool {
	return r.start(user, true)
}

func (r *Registry) start(user string, explicit bool) bool {
	user = strings.TrimSpace(user)
	if user == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, paused := r.paused[user]; paused {
		if !explicit {
			return false
		}
		delete(r.paused, user)
	}
	if r.closed || r.sup.Context().Err() != nil {
		return false
	}
	if h, ok := r.loops[user]; ok && h.alive() {
		return false
	}

	ctx, cancel := context.WithCancel(r.sup.Context())
	h := &handle{cancel: cancel, done: make(chan struct{}), started: time.Now()}
	r.loops[user] = h

	loop := NewLoop(user, r.deps, r.Settings)
	r.sup.GoCtx(ctx, "scheduler:"+user, func(ctx context.Context) error {
		defer close(h.done)
		defer cancel()
		return loop.Run(ctx)
	})
	r.log.Debug("loop started", logx.User(user))
	return true
}

// StopFor cancels and forgets the user's loop and pauses the user. It does
// not wait for the loop to return.
func (r *Registry) StopFor(user string) bool {
	user = strings.TrimSpace(user)
	if user == "" {
		return false
	}
	r.mu.Lock()
	h, ok := r.loops[user]
	delete(r.loops, user)
	r.paused[user] = struct{}{}
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	r.log.Debug("loop stopped", logx.User(user))
	return true
}

// StartAllKnownUsers starts a loop for every active user, skipping users
// paused by StopFor, and returns how many were newly started.
func (r *Registry) StartAllKnownUsers(ctx context.Context) (int, error) {
	users, err := r.users.ListActiveUsers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if r.start(u, false) {
			n++
		}
	}
	return n, nil
}

// IsRunning reports whether user has a live loop.
func (r *Registry) IsRunning(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.loops[strings.TrimSpace(user)]
	return ok && h.alive()
}

// Running lists users with a live loop, sorted.
func (r *Registry) Running() []string {
	infos := r.Snapshot()
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.User)
	}
	return out
}

func (r *Registry) Snapshot() []LoopInfo {
	r.mu.Lock()
	out := make([]LoopInfo, 0, len(r.loops))
	for u, h := range r.loops {
		if h.alive() {
			out = append(out, LoopInfo{User: u, Started: h.started})
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// Stop cancels every loop and waits for them to return or ctx to expire.
// The registry refuses new loops afterwards.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	hs := make([]*handle, 0, len(r.loops))
	for u, h := range r.loops {
		hs = append(hs, h)
		delete(r.loops, u)
	}
	r.mu.Unlock()

	for _, h := range hs {
		h.cancel()
	}
	for _, h := range hs {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

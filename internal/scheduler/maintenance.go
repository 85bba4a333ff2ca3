package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shockclock/pkg/logx"
)

// Compactor is implemented by storage.Store.
type Compactor interface {
	Compact(ctx context.Context) error
}

type MaintenanceConfig struct {
	// Resync and Compact are cron specs ("@every 5m", "0 3 * * *"); empty disables the job.
	Resync   string
	Compact  string
	Location *time.Location
	// JobTimeout bounds one job run. Default 1m.
	JobTimeout time.Duration
}

// Maintenance runs housekeeping on a cron: periodic registry resync (so users
// added by another writer get a loop) and store compaction.
type Maintenance struct {
	reg   *Registry
	store Compactor
	log   logx.Logger

	parser cron.Parser

	mu  sync.Mutex
	cfg MaintenanceConfig
	c   *cron.Cron
	ctx context.Context
}

func NewMaintenance(cfg MaintenanceConfig, reg *Registry, store Compactor, log logx.Logger) *Maintenance {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Maintenance{
		reg:    reg,
		store:  store,
		log:    log.With(logx.String("comp", "maintenance")),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    cfg,
	}
}

// ValidateSpec reports whether spec parses; empty is valid (disabled).
func ValidateSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(spec); err != nil {
		return fmt.Errorf("cron spec %q: %w", spec, err)
	}
	return nil
}

// Start begins triggering. Jobs run with contexts derived from ctx.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}
	m.ctx = ctx
	return m.startLocked()
}

func (m *Maintenance) startLocked() error {
	loc := m.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithParser(m.parser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if err := m.addLocked(c, "resync", m.cfg.Resync, m.resync); err != nil {
		return err
	}
	if err := m.addLocked(c, "compact", m.cfg.Compact, m.compact); err != nil {
		return err
	}
	c.Start()
	m.c = c
	m.log.Debug("maintenance started", logx.String("resync", m.cfg.Resync), logx.String("compact", m.cfg.Compact))
	return nil
}

func (m *Maintenance) addLocked(c *cron.Cron, name, spec string, fn func(ctx context.Context) error) error {
	spec = strings.TrimSpace(spec)
	if spec == "" || fn == nil {
		return nil
	}
	sched, err := m.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("%s: cron spec %q: %w", name, spec, err)
	}
	parent := m.ctx
	timeout := m.cfg.JobTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	c.Schedule(sched, cron.FuncJob(func() {
		if parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			m.log.Warn("maintenance job failed", logx.String("job", name), logx.Err(err))
			return
		}
		m.log.Debug("maintenance job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}))
	return nil
}

// Apply replaces the job specs, restarting the cron if it is running.
func (m *Maintenance) Apply(cfg MaintenanceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == cfg {
		return nil
	}
	m.cfg = cfg
	if m.c == nil {
		return nil
	}
	m.c.Stop()
	m.c = nil
	return m.startLocked()
}

// Stop halts triggering and waits for running jobs or ctx.
func (m *Maintenance) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs both jobs once, synchronously.
func (m *Maintenance) RunNow(ctx context.Context) error {
	if err := m.resync(ctx); err != nil {
		return err
	}
	return m.compact(ctx)
}

func (m *Maintenance) resync(ctx context.Context) error {
	if m.reg == nil {
		return nil
	}
	n, err := m.reg.StartAllKnownUsers(ctx)
	if n > 0 {
		m.log.Info("resync started loops", logx.Int("count", n))
	}
	return err
}

func (m *Maintenance) compact(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Compact(ctx)
}

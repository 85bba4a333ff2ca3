// Package scheduler runs one polling loop per logged-in user and owns the
// registry that starts and stops those loops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"shockclock/internal/alarm"
	"shockclock/internal/device"
	"shockclock/internal/eventbus"
	"shockclock/internal/storage"
	"shockclock/pkg/logx"
)

// Store is the slice of storage.Store a loop needs.
type Store interface {
	ListAlarms(ctx context.Context, user string) ([]storage.AlarmRecord, error)
	PutAlarm(ctx context.Context, user string, rec storage.AlarmRecord) error
	DeleteAlarm(ctx context.Context, user, name string) error
	GetCredential(ctx context.Context, user string) (storage.Credential, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Sender delivers one device command. *device.Client implements it.
type Sender interface {
	Send(ctx context.Context, cred device.Credential, kind device.Kind, intensity, durationMS int) error
}

// Settings are the hot-reloadable knobs shared by every loop.
type Settings struct {
	PollInterval time.Duration
	Policy       alarm.Policy
	Location     *time.Location
}

const DefaultPollInterval = 30 * time.Second

// persistTimeout bounds the state writes that follow a send. They run
// detached from the loop context: once a command went out, its alarm must
// be advanced or retired even if the loop is being stopped.
const persistTimeout = 5 * time.Second

func (s Settings) withDefaults() Settings {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.Location == nil {
		s.Location = time.Local
	}
	return s
}

// Event payloads.
type (
	Triggered struct {
		Alarm   string
		Kind    alarm.Kind
		TraceID string
	}
	DeliveryFailure struct {
		Alarm   string
		Kind    alarm.Kind
		TraceID string
		Err     string
	}
	PersistFailure struct {
		Alarm string
		Op    string
		Err   string
	}
)

// CycleReport describes one pass of a loop.
type CycleReport struct {
	TraceID       string
	At            time.Time
	Alarms        int
	Malformed     int
	NoCredential  bool
	Triggers      []alarm.Trigger
	Skipped       int // triggers not sent because ctx was canceled
	Failed        int
	Changes       int
	PersistFailed int
	Err           error
}

// Loop is the per-user scheduler. It holds no alarm state between cycles.
type Loop struct {
	user     string
	store    Store
	sender   Sender
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	settings func() Settings
}

// Deps are the collaborators shared by all loops.
type Deps struct {
	Store  Store
	Sender Sender
	Bus    eventbus.Bus
	Log    logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewLoop(user string, d Deps, settings func() Settings) *Loop {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if settings == nil {
		settings = func() Settings { return Settings{} }
	}
	return &Loop{
		user:     user,
		store:    d.Store,
		sender:   d.Sender,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "scheduler"), logx.User(user)),
		now:      d.Now,
		settings: settings,
	}
}

func (l *Loop) User() string { return l.user }

// Run polls until ctx is canceled. Cancellation is a clean exit.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("scheduler started")
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerStarted, Time: l.now(), User: l.user})
	defer func() {
		l.log.Info("scheduler stopped")
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerStopped, Time: l.now(), User: l.user})
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		rep := l.RunOnce(ctx)
		if rep.Err != nil && ctx.Err() == nil {
			l.log.Warn("cycle failed", logx.String("trace", rep.TraceID), logx.Err(rep.Err))
		}

		wait := l.settings().withDefaults().PollInterval
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// RunOnce performs a single load, evaluate, send, persist pass.
// A panic inside the pass is reported in CycleReport.Err.
func (l *Loop) RunOnce(ctx context.Context) (rep CycleReport) {
	set := l.settings().withDefaults()
	rep.TraceID = uuid.NewString()
	rep.At = l.now().In(set.Location)

	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("cycle panic: %v", r)
			l.log.Error("cycle panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	if err := ctx.Err(); err != nil {
		rep.Err = err
		return rep
	}
	recs, err := l.store.ListAlarms(ctx, l.user)
	if err != nil {
		rep.Err = fmt.Errorf("list alarms: %w", err)
		return rep
	}
	rep.Alarms = len(recs)

	cred, err := l.store.GetCredential(ctx, l.user)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rep.NoCredential = true
		return rep
	case err != nil:
		rep.Err = fmt.Errorf("get credential: %w", err)
		return rep
	case !cred.Complete():
		rep.NoCredential = true
		return rep
	}

	alarms := make([]alarm.Alarm, 0, len(recs))
	for _, rec := range recs {
		a, err := alarm.FromRecord(rec, set.Location)
		if err != nil {
			rep.Malformed++
			l.log.Warn("skipping malformed alarm", logx.String("alarm", rec.Name), logx.Err(err))
			continue
		}
		alarms = append(alarms, a)
	}

	res := alarm.Evaluate(rep.At, alarms, set.Policy)
	rep.Triggers = res.Triggers

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	// Evaluate yields at most one trigger per alarm. Alarms whose trigger was
	// not attempted keep their state for the next cycle.
	dcred := device.Credential{APIKey: cred.APIKey, DeviceID: cred.DeviceID}
	attempted := make(map[string]bool, len(res.Triggers))
	for _, tr := range res.Triggers {
		if ctx.Err() != nil {
			break
		}
		attempted[tr.Alarm] = true
		if !l.deliver(ctx, wctx, rep.TraceID, dcred, tr) {
			rep.Failed++
		}
	}

	rep.Skipped = len(res.Triggers) - len(attempted)

	for _, ch := range res.Changes {
		if !attempted[ch.Name] {
			continue
		}
		rep.Changes++
		if err := l.persist(wctx, ch); err != nil {
			rep.PersistFailed++
			l.log.Error("persist alarm failed",
				logx.String("alarm", ch.Name),
				logx.String("op", ch.Op.String()),
				logx.Err(err),
			)
			l.bus.Publish(eventbus.Event{
				Type: eventbus.TypePersistFailed,
				Time: l.now(),
				User: l.user,
				Data: PersistFailure{Alarm: ch.Name, Op: ch.Op.String(), Err: err.Error()},
			})
		}
	}
	return rep
}

// deliver sends tr with ctx and records the outcome with wctx.
func (l *Loop) deliver(ctx, wctx context.Context, trace string, cred device.Credential, tr alarm.Trigger) bool {
	start := time.Now()
	err := l.sender.Send(ctx, cred, device.Kind(tr.Kind), tr.Intensity, tr.DurationMS)
	took := time.Since(start)

	entry := storage.AuditEntry{
		At:      l.now(),
		User:    l.user,
		Action:  "trigger",
		Target:  tr.Alarm + ":" + string(tr.Kind),
		OK:      err == nil,
		TraceID: trace,
		TookMS:  took.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if aerr := l.store.AppendAudit(wctx, entry); aerr != nil {
		l.log.Debug("audit append failed", logx.Err(aerr))
	}

	if err != nil {
		l.log.Warn("device command failed",
			logx.String("alarm", tr.Alarm),
			logx.String("kind", string(tr.Kind)),
			logx.String("trace", trace),
			logx.Err(err),
		)
		l.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDeliveryFailed,
			Time: l.now(),
			User: l.user,
			Data: DeliveryFailure{Alarm: tr.Alarm, Kind: tr.Kind, TraceID: trace, Err: err.Error()},
		})
		return false
	}
	l.log.Info("alarm triggered",
		logx.String("alarm", tr.Alarm),
		logx.String("kind", string(tr.Kind)),
		logx.Int("intensity", tr.Intensity),
		logx.Int("duration_ms", tr.DurationMS),
		logx.Duration("took", took),
	)
	l.bus.Publish(eventbus.Event{
		Type: eventbus.TypeAlarmTriggered,
		Time: l.now(),
		User: l.user,
		Data: Triggered{Alarm: tr.Alarm, Kind: tr.Kind, TraceID: trace},
	})
	return true
}

func (l *Loop) persist(ctx context.Context, ch alarm.Change) error {
	switch ch.Op {
	case alarm.ChangeDelete:
		return l.store.DeleteAlarm(ctx, l.user, ch.Name)
	case alarm.ChangeUpdate:
		return l.store.PutAlarm(ctx, l.user, ch.Alarm.Record())
	default:
		return fmt.Errorf("unknown change op %d", ch.Op)
	}
}

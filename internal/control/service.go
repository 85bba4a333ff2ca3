// Package control is the trigger-submission surface: account lifecycle,
// credentials and alarm edits. Front ends call it; it drives the scheduler
// registry.
package control

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"shockclock/internal/alarm"
	"shockclock/internal/device"
	"shockclock/internal/storage"
	"shockclock/pkg/logx"
)

type Store interface {
	AddUser(ctx context.Context, user string) error
	ListUsers(ctx context.Context) ([]string, error)
	SetPaused(ctx context.Context, user string, paused bool) error
	GetCredential(ctx context.Context, user string) (storage.Credential, error)
	PutCredential(ctx context.Context, user string, cred storage.Credential) error
	ListAlarms(ctx context.Context, user string) ([]storage.AlarmRecord, error)
	PutAlarm(ctx context.Context, user string, rec storage.AlarmRecord) error
	DeleteAlarm(ctx context.Context, user, name string) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Scheduler is implemented by *scheduler.Registry.
type Scheduler interface {
	StartFor(user string) bool
	StopFor(user string) bool
	IsRunning(user string) bool
}

type Sender interface {
	Send(ctx context.Context, cred device.Credential, kind device.Kind, intensity, durationMS int) error
}

// Test pulse sent by TestDevice.
const (
	TestIntensity  = 10
	TestDurationMS = 1000
)

const maxNameLen = 64

type Service struct {
	store  Store
	sched  Scheduler
	sender Sender
	log    logx.Logger

	now func() time.Time
	loc func() *time.Location
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets where new alarms' wall times are resolved.
func WithLocation(loc func() *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(store Store, sched Scheduler, sender Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:  store,
		sched:  sched,
		sender: sender,
		log:    log.With(logx.String("comp", "control")),
		now:    time.Now,
		loc:    func() *time.Location { return time.Local },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normUser(user string) (string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "", Errorf(ErrInvalid, "user id required")
	}
	return user, nil
}

// Register adds user to the registry and starts their scheduler.
func (s *Service) Register(ctx context.Context, user string) (started bool, err error) {
	if user, err = normUser(user); err != nil {
		return false, err
	}
	if err := s.store.AddUser(ctx, user); err != nil {
		return false, wrap(ErrInternal, err, "register failed")
	}
	if err := s.store.SetPaused(ctx, user, false); err != nil {
		return false, wrap(ErrInternal, err, "register failed")
	}
	s.audit(ctx, user, "user.register", "", nil)
	return s.sched.StartFor(user), nil
}

// Login starts the scheduler of a registered user. Repeated logins are no-ops.
func (s *Service) Login(ctx context.Context, user string) (started bool, err error) {
	if user, err = normUser(user); err != nil {
		return false, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return false, wrap(ErrInternal, err, "login failed")
	}
	if !slices.Contains(users, user) {
		return false, Errorf(ErrNotFound, "not registered")
	}
	if err := s.store.SetPaused(ctx, user, false); err != nil {
		return false, wrap(ErrInternal, err, "login failed")
	}
	s.audit(ctx, user, "user.login", "", nil)
	return s.sched.StartFor(user), nil
}

// Logout stops the user's scheduler and keeps it stopped across resyncs and
// restarts until the next Login, Register or SaveCredential. Alarms stay
// stored.
func (s *Service) Logout(ctx context.Context, user string) (stopped bool, err error) {
	if user, err = normUser(user); err != nil {
		return false, err
	}
	stopped = s.sched.StopFor(user)
	if err := s.store.SetPaused(ctx, user, true); err != nil {
		s.audit(ctx, user, "user.logout", "", err)
		return stopped, wrap(ErrInternal, err, "logout not saved; alarms resume after a restart")
	}
	s.audit(ctx, user, "user.logout", "", nil)
	return stopped, nil
}

// SaveCredential stores the device pair, registers the user if needed and
// starts their scheduler.
func (s *Service) SaveCredential(ctx context.Context, user, apiKey, deviceID string) error {
	user, err := normUser(user)
	if err != nil {
		return err
	}
	cred := storage.Credential{APIKey: strings.TrimSpace(apiKey), DeviceID: strings.TrimSpace(deviceID)}
	if !cred.Complete() {
		return Errorf(ErrInvalid, "api key and device id are both required")
	}
	if err := s.store.AddUser(ctx, user); err != nil {
		return wrap(ErrInternal, err, "save credential failed")
	}
	if err := s.store.PutCredential(ctx, user, cred); err != nil {
		return wrap(ErrInternal, err, "save credential failed")
	}
	if err := s.store.SetPaused(ctx, user, false); err != nil {
		return wrap(ErrInternal, err, "save credential failed")
	}
	s.audit(ctx, user, "credential.save", "", nil)
	s.sched.StartFor(user)
	return nil
}

// Submission is an alarm as entered by a user.
type Submission struct {
	Name            string
	TimeOfDay       string // "HH:MM"
	Intensity       int
	DurationSeconds float64
	VibrateBefore   bool
	Repeat          bool
	Days            []string
}

// SetAlarm creates or replaces the named alarm. The first occurrence is the
// next TimeOfDay from now, today or later.
func (s *Service) SetAlarm(ctx context.Context, user string, sub Submission) (alarm.Alarm, error) {
	user, err := normUser(user)
	if err != nil {
		return alarm.Alarm{}, err
	}
	name := strings.TrimSpace(sub.Name)
	switch {
	case name == "":
		return alarm.Alarm{}, Errorf(ErrInvalid, "alarm name required")
	case len(name) > maxNameLen:
		return alarm.Alarm{}, Errorf(ErrInvalid, "alarm name longer than %d", maxNameLen)
	}
	hour, minute, err := alarm.ParseTimeOfDay(sub.TimeOfDay)
	if err != nil {
		return alarm.Alarm{}, Errorf(ErrInvalid, "time must be HH:MM")
	}
	days, err := alarm.ParseWeekdays(sub.Days)
	if err != nil {
		return alarm.Alarm{}, Errorf(ErrInvalid, "%s", strings.TrimPrefix(err.Error(), alarm.ErrInvalid.Error()+": "))
	}
	if math.IsNaN(sub.DurationSeconds) || sub.DurationSeconds <= 0 || sub.DurationSeconds > 3600 {
		return alarm.Alarm{}, Errorf(ErrInvalid, "duration must be a positive number of seconds")
	}

	wall, at := alarm.FirstOccurrence(s.now().In(s.loc()), hour, minute, days)
	a := alarm.Alarm{
		Name:          name,
		TriggerAt:     at,
		Wall:          wall,
		Intensity:     sub.Intensity,
		DurationMS:    int(sub.DurationSeconds * 1000),
		VibrateBefore: sub.VibrateBefore,
		Repeat:        sub.Repeat,
		Days:          days,
	}
	if err := a.Validate(); err != nil {
		return alarm.Alarm{}, Errorf(ErrInvalid, "%s", strings.TrimPrefix(err.Error(), alarm.ErrInvalid.Error()+": "))
	}
	if err := s.store.PutAlarm(ctx, user, a.Record()); err != nil {
		s.audit(ctx, user, "alarm.set", name, err)
		return alarm.Alarm{}, wrap(ErrInternal, err, "save alarm failed")
	}
	s.audit(ctx, user, "alarm.set", name, nil)
	s.log.Info("alarm saved", logx.User(user), logx.String("alarm", name), logx.Time("trigger_at", a.TriggerAt))
	return a, nil
}

// DeleteAlarm removes the named alarm.
func (s *Service) DeleteAlarm(ctx context.Context, user, name string) error {
	user, err := normUser(user)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	recs, err := s.store.ListAlarms(ctx, user)
	if err != nil {
		return wrap(ErrInternal, err, "delete alarm failed")
	}
	if !slices.ContainsFunc(recs, func(r storage.AlarmRecord) bool { return r.Name == name }) {
		return Errorf(ErrNotFound, "no alarm named %q", name)
	}
	if err := s.store.DeleteAlarm(ctx, user, name); err != nil {
		return wrap(ErrInternal, err, "delete alarm failed")
	}
	s.audit(ctx, user, "alarm.delete", name, nil)
	return nil
}

// ListAlarms returns the user's alarms by name. Unreadable records are
// logged and left out.
func (s *Service) ListAlarms(ctx context.Context, user string) ([]alarm.Alarm, error) {
	user, err := normUser(user)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListAlarms(ctx, user)
	if err != nil {
		return nil, wrap(ErrInternal, err, "list alarms failed")
	}
	out := make([]alarm.Alarm, 0, len(recs))
	for _, r := range recs {
		a, err := alarm.FromRecord(r, s.loc())
		if err != nil {
			s.log.Warn("skipping malformed alarm", logx.User(user), logx.Err(err))
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b alarm.Alarm) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Status reports whether the user's scheduler is running and whether a
// credential is stored.
type Status struct {
	Running       bool
	HasCredential bool
	Alarms        int
}

func (s *Service) Status(ctx context.Context, user string) (Status, error) {
	user, err := normUser(user)
	if err != nil {
		return Status{}, err
	}
	st := Status{Running: s.sched.IsRunning(user)}
	cred, err := s.store.GetCredential(ctx, user)
	switch {
	case err == nil:
		st.HasCredential = cred.Complete()
	case !errors.Is(err, storage.ErrNotFound):
		return Status{}, wrap(ErrInternal, err, "status failed")
	}
	recs, err := s.store.ListAlarms(ctx, user)
	if err != nil {
		return Status{}, wrap(ErrInternal, err, "status failed")
	}
	st.Alarms = len(recs)
	return st, nil
}

// TestDevice sends one low pulse of kind with the stored credential.
func (s *Service) TestDevice(ctx context.Context, user string, kind alarm.Kind) error {
	user, err := normUser(user)
	if err != nil {
		return err
	}
	if kind != alarm.KindShock && kind != alarm.KindVibrate {
		return Errorf(ErrInvalid, "kind must be Shock or Vibrate")
	}
	cred, err := s.store.GetCredential(ctx, user)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !cred.Complete()) {
		return Errorf(ErrNoDevice, "no device credential saved")
	}
	if err != nil {
		return wrap(ErrInternal, err, "test failed")
	}
	err = s.sender.Send(ctx, device.Credential{APIKey: cred.APIKey, DeviceID: cred.DeviceID}, device.Kind(kind), TestIntensity, TestDurationMS)
	s.audit(ctx, user, "device.test", string(kind), err)
	if err != nil {
		var se *device.StatusError
		if errors.As(err, &se) {
			return wrap(ErrDelivery, err, "device API answered %d", se.Code)
		}
		return wrap(ErrDelivery, err, "device API unreachable")
	}
	return nil
}

func (s *Service) audit(ctx context.Context, user, action, target string, err error) {
	e := storage.AuditEntry{
		At:      s.now(),
		User:    user,
		Action:  action,
		Target:  target,
		OK:      err == nil,
		TraceID: uuid.NewString(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		s.log.Debug("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

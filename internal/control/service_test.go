package control

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shockclock/internal/alarm"
	"shockclock/internal/device"
	"shockclock/internal/storage"
	"shockclock/pkg/logx"
)

type fakeSched struct {
	mu      sync.Mutex
	running map[string]bool
	starts  int
}

func (f *fakeSched) StartFor(user string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[user] {
		return false
	}
	f.running[user] = true
	f.starts++
	return true
}

func (f *fakeSched) StopFor(user string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.running[user]
	delete(f.running, user)
	return ok
}

func (f *fakeSched) IsRunning(user string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[user]
}

type fakeSender struct {
	kinds []device.Kind
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ device.Credential, kind device.Kind, _, _ int) error {
	f.kinds = append(f.kinds, kind)
	return f.err
}

// Wednesday 07:00 UTC.
var svcNow = time.Date(2026, time.March, 4, 7, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, storage.Store, *fakeSched, *fakeSender) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sched := &fakeSched{running: map[string]bool{}}
	sender := &fakeSender{}
	svc := New(st, sched, sender, logx.Nop(),
		WithClock(func() time.Time { return svcNow }),
		WithLocation(func() *time.Location { return time.UTC }),
	)
	return svc, st, sched, sender
}

func TestRegisterLoginLogout(t *testing.T) {
	t.Parallel()
	svc, st, sched, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "42"); ErrorCode(err) != ErrNotFound {
		t.Fatalf("login before register: %v", err)
	}
	started, err := svc.Register(ctx, "42")
	if err != nil || !started {
		t.Fatalf("Register: %v %v", started, err)
	}
	started, err = svc.Login(ctx, "42")
	if err != nil || started {
		t.Fatalf("second start should be a no-op: %v %v", started, err)
	}
	if sched.starts != 1 {
		t.Fatalf("starts = %d, want 1", sched.starts)
	}
	stopped, err := svc.Logout(ctx, "42")
	if err != nil || !stopped || sched.IsRunning("42") {
		t.Fatalf("Logout: %v %v", stopped, err)
	}
	if active, _ := st.ListActiveUsers(ctx); len(active) != 0 {
		t.Fatalf("logged out user still active: %v", active)
	}
	if started, err := svc.Login(ctx, "42"); err != nil || !started {
		t.Fatalf("Login after logout: %v %v", started, err)
	}
	if active, _ := st.ListActiveUsers(ctx); len(active) != 1 || active[0] != "42" {
		t.Fatalf("login should clear the pause: %v", active)
	}
	if _, err := svc.Register(ctx, "  "); ErrorCode(err) != ErrInvalid {
		t.Fatalf("blank user: %v", err)
	}
}

func TestSaveCredentialStartsScheduler(t *testing.T) {
	t.Parallel()
	svc, st, sched, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SaveCredential(ctx, "7", "key", ""); ErrorCode(err) != ErrInvalid {
		t.Fatalf("half credential: %v", err)
	}
	if err := svc.SaveCredential(ctx, "7", " key ", "dev"); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	cred, err := st.GetCredential(ctx, "7")
	if err != nil || cred.APIKey != "key" || cred.DeviceID != "dev" {
		t.Fatalf("stored credential: %+v %v", cred, err)
	}
	if !sched.IsRunning("7") {
		t.Fatal("scheduler not started")
	}
	users, _ := st.ListUsers(ctx)
	if len(users) != 1 || users[0] != "7" {
		t.Fatalf("users = %v", users)
	}
}

func TestSetAlarm(t *testing.T) {
	t.Parallel()
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		sub  Submission
		want time.Time
	}{
		{
			name: "later today",
			sub:  Submission{Name: "a", TimeOfDay: "08:30", Intensity: 20, DurationSeconds: 1.5},
			want: time.Date(2026, 3, 4, 8, 30, 0, 0, time.UTC),
		},
		{
			name: "passed rolls over",
			sub:  Submission{Name: "b", TimeOfDay: "06:00", Intensity: 20, DurationSeconds: 1},
			want: time.Date(2026, 3, 5, 6, 0, 0, 0, time.UTC),
		},
		{
			name: "weekday aligned",
			sub:  Submission{Name: "c", TimeOfDay: "06:00", Intensity: 20, DurationSeconds: 1, Repeat: true, Days: []string{"Monday"}},
			want: time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		a, err := svc.SetAlarm(ctx, "u", tt.sub)
		if err != nil {
			t.Fatalf("%s: SetAlarm: %v", tt.name, err)
		}
		if !a.TriggerAt.Equal(tt.want) {
			t.Fatalf("%s: TriggerAt = %v, want %v", tt.name, a.TriggerAt, tt.want)
		}
	}

	recs, err := st.ListAlarms(ctx, "u")
	if err != nil || len(recs) != 3 {
		t.Fatalf("stored: %d %v", len(recs), err)
	}
	if recs[0].DurationMS != 1500 {
		t.Fatalf("DurationMS = %d, want 1500", recs[0].DurationMS)
	}
	if recs[2].Days != "Monday" || !recs[2].Repeat {
		t.Fatalf("unexpected record: %+v", recs[2])
	}
}

func TestSetAlarmRejectsBadInput(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService(t)
	bad := []Submission{
		{Name: "", TimeOfDay: "08:00", Intensity: 10, DurationSeconds: 1},
		{Name: "x", TimeOfDay: "8am", Intensity: 10, DurationSeconds: 1},
		{Name: "x", TimeOfDay: "08:00", Intensity: 0, DurationSeconds: 1},
		{Name: "x", TimeOfDay: "08:00", Intensity: 101, DurationSeconds: 1},
		{Name: "x", TimeOfDay: "08:00", Intensity: 10, DurationSeconds: 0},
		{Name: "x", TimeOfDay: "08:00", Intensity: 10, DurationSeconds: 1, Days: []string{"Caturday"}},
	}
	for i, sub := range bad {
		if _, err := svc.SetAlarm(context.Background(), "u", sub); ErrorCode(err) != ErrInvalid {
			t.Fatalf("case %d: expected invalid, got %v", i, err)
		}
	}
}

func TestDeleteAndListAlarms(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	for _, n := range []string{"zeta", "alpha"} {
		if _, err := svc.SetAlarm(ctx, "u", Submission{Name: n, TimeOfDay: "09:00", Intensity: 5, DurationSeconds: 1}); err != nil {
			t.Fatalf("SetAlarm: %v", err)
		}
	}
	list, err := svc.ListAlarms(ctx, "u")
	if err != nil || len(list) != 2 || list[0].Name != "alpha" {
		t.Fatalf("ListAlarms: %+v %v", list, err)
	}
	if err := svc.DeleteAlarm(ctx, "u", "alpha"); err != nil {
		t.Fatalf("DeleteAlarm: %v", err)
	}
	if err := svc.DeleteAlarm(ctx, "u", "alpha"); ErrorCode(err) != ErrNotFound {
		t.Fatalf("second delete: %v", err)
	}
	list, _ = svc.ListAlarms(ctx, "u")
	if len(list) != 1 || list[0].Name != "zeta" {
		t.Fatalf("after delete: %+v", list)
	}
}

func TestTestDevice(t *testing.T) {
	t.Parallel()
	svc, _, _, sender := newTestService(t)
	ctx := context.Background()

	if err := svc.TestDevice(ctx, "u", alarm.KindVibrate); ErrorCode(err) != ErrNoDevice {
		t.Fatalf("without credential: %v", err)
	}
	if err := svc.SaveCredential(ctx, "u", "k", "d"); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	if err := svc.TestDevice(ctx, "u", alarm.KindVibrate); err != nil {
		t.Fatalf("TestDevice: %v", err)
	}
	if len(sender.kinds) != 1 || sender.kinds[0] != device.KindVibrate {
		t.Fatalf("sent %v", sender.kinds)
	}

	sender.err = &device.StatusError{Code: 401}
	err := svc.TestDevice(ctx, "u", alarm.KindShock)
	if ErrorCode(err) != ErrDelivery {
		t.Fatalf("expected delivery error, got %v", err)
	}
	var se *device.StatusError
	if !errors.As(err, &se) {
		t.Fatal("StatusError should be unwrappable")
	}
}

func TestErrorDescription(t *testing.T) {
	t.Parallel()
	if got := ErrorDescription(errors.New("boom")); got != "internal error" {
		t.Fatalf("foreign error: %q", got)
	}
	if got := ErrorDescription(Errorf(ErrInvalid, "bad %s", "thing")); got != "bad thing" {
		t.Fatalf("app error: %q", got)
	}
}

package telegram

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"shockclock/internal/alarm"
	"shockclock/internal/control"
	"shockclock/internal/eventbus"
	"shockclock/internal/scheduler"
	"shockclock/internal/transport"
	"shockclock/pkg/logx"
)

type sent struct {
	to   transport.ChatTarget
	text string
	mode string
}

type fakeOut struct {
	mu   sync.Mutex
	msgs []sent
	ch   chan sent
}

func newFakeOut() *fakeOut { return &fakeOut{ch: make(chan sent, 16)} }

func (f *fakeOut) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s := sent{to: to, text: text}
	if opt != nil {
		s.mode = opt.ParseMode
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, s)
	f.mu.Unlock()
	select {
	case f.ch <- s:
	default:
	}
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeOut) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		t.Fatal("no reply sent")
	}
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeOut) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeControl struct {
	mu       sync.Mutex
	users    map[string]bool
	creds    map[string][2]string
	subs     []control.Submission
	deleted  []string
	tested   []alarm.Kind
	alarms   []alarm.Alarm
	panicked bool
}

func newFakeControl() *fakeControl {
	return &fakeControl{users: map[string]bool{}, creds: map[string][2]string{}}
}

func (f *fakeControl) Register(_ context.Context, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user] = true
	return true, nil
}

func (f *fakeControl) Login(_ context.Context, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.users[user] {
		return false, control.Errorf(control.ErrNotFound, "unknown user")
	}
	return true, nil
}

func (f *fakeControl) Logout(context.Context, string) (bool, error) { return true, nil }

func (f *fakeControl) SaveCredential(_ context.Context, user, apiKey, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[user] = [2]string{apiKey, deviceID}
	return nil
}

func (f *fakeControl) SetAlarm(_ context.Context, _ string, sub control.Submission) (alarm.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return alarm.Alarm{
		Name:       sub.Name,
		TriggerAt:  time.Date(2026, 3, 5, 6, 30, 0, 0, time.UTC),
		Intensity:  sub.Intensity,
		DurationMS: int(sub.DurationSeconds * 1000),
		Repeat:     sub.Repeat,
	}, nil
}

func (f *fakeControl) DeleteAlarm(_ context.Context, _ string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "missing" {
		return control.Errorf(control.ErrNotFound, "no alarm named %q", name)
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeControl) ListAlarms(context.Context, string) ([]alarm.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alarms, nil
}

func (f *fakeControl) Status(context.Context, string) (control.Status, error) {
	return control.Status{Running: true, HasCredential: false, Alarms: 3}, nil
}

func (f *fakeControl) TestDevice(_ context.Context, _ string, kind alarm.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicked {
		panic("device exploded")
	}
	f.tested = append(f.tested, kind)
	return nil
}

type fakeRunning []string

func (f fakeRunning) Running() []string { return f }

func msg(text string) transport.Message {
	return transport.Message{ChatID: 42, FromID: 42, Text: text, IsPrivate: true}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "/alarm add wake 06:30", want: []string{"/alarm", "add", "wake", "06:30"}},
		{in: `/alarm add "morning run" 06:30`, want: []string{"/alarm", "add", "morning run", "06:30"}},
		{in: `a\ b 'c d'`, want: []string{"a b", "c d"}},
	}
	for _, tt := range tests {
		if got := tokenize(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("tokenize(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestParseSubmission(t *testing.T) {
	t.Parallel()
	sub, err := parseSubmission([]string{"wake", "06:30", "40", "1.5", "--vibrate", "--days", "mon,fri"})
	if err != nil {
		t.Fatalf("parseSubmission: %v", err)
	}
	want := control.Submission{
		Name: "wake", TimeOfDay: "06:30", Intensity: 40, DurationSeconds: 1.5,
		VibrateBefore: true, Days: []string{"mon", "fri"},
	}
	if !reflect.DeepEqual(sub, want) {
		t.Fatalf("got %+v, want %+v", sub, want)
	}

	sub, err = parseSubmission([]string{"gym", "07:00", "30", "2", "--repeat", "--days", "tue"})
	if err != nil {
		t.Fatalf("parseSubmission: %v", err)
	}
	if !sub.Repeat || !reflect.DeepEqual(sub.Days, []string{"tue"}) {
		t.Fatalf("repeating weekday alarm parsed as %+v", sub)
	}

	for _, args := range [][]string{
		{"wake", "06:30", "40"},
		{"wake", "06:30", "lots", "1"},
		{"wake", "06:30", "40", "long"},
	} {
		if _, err := parseSubmission(args); control.ErrorCode(err) != control.ErrInvalid {
			t.Fatalf("%v: expected invalid, got %v", args, err)
		}
	}
}

func TestRouterCommands(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		text  string
		want  string
		check func(t *testing.T, f *fakeControl)
	}{
		{name: "help", text: "/help", want: "/alarm add"},
		{name: "unknown", text: "/dance", want: "Unknown command"},
		{name: "login unregistered", text: "/login", want: "not registered"},
		{name: "register", text: "/register", want: "Registered", check: func(t *testing.T, f *fakeControl) {
			if !f.users["42"] {
				t.Fatal("user id should be the sender id")
			}
		}},
		{name: "creds", text: "/creds key-1 dev-1", want: "saved", check: func(t *testing.T, f *fakeControl) {
			if f.creds["42"] != [2]string{"key-1", "dev-1"} {
				t.Fatalf("creds = %v", f.creds)
			}
		}},
		{name: "creds usage", text: "/creds key-1", want: "Usage"},
		{name: "alarm add", text: "/alarm add wake 06:30 40 2 --repeat", want: "Saved <b>wake</b>", check: func(t *testing.T, f *fakeControl) {
			if len(f.subs) != 1 || !f.subs[0].Repeat || f.subs[0].DurationSeconds != 2 {
				t.Fatalf("subs = %+v", f.subs)
			}
		}},
		{name: "alarm add invalid", text: "/alarm add wake 06:30", want: "Error:"},
		{name: "alarm del", text: "/alarm del wake", want: "Deleted wake"},
		{name: "alarm del missing", text: "/alarm del missing", want: "Error: no alarm named"},
		{name: "alarms empty", text: "/alarms", want: "No alarms"},
		{name: "test default vibrate", text: "/test", want: "vibrate", check: func(t *testing.T, f *fakeControl) {
			if len(f.tested) != 1 || f.tested[0] != alarm.KindVibrate {
				t.Fatalf("tested = %v", f.tested)
			}
		}},
		{name: "test shock", text: "/test shock", want: "shock"},
		{name: "status", text: "/status", want: "Alarms: 3"},
		{name: "bot suffix", text: "/status@ShockClockBot", want: "Scheduler: running"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctl := newFakeControl()
			out := newFakeOut()
			r := NewRouter(RouterConfig{}, ctl, out, nil, logx.Nop())
			r.Handle(context.Background(), msg(tt.text))
			got := out.last(t)
			if got.to.ChatID != 42 || got.mode != "HTML" || !strings.Contains(got.text, tt.want) {
				t.Fatalf("reply %+v, want text containing %q", got, tt.want)
			}
			if tt.check != nil {
				ctl.mu.Lock()
				defer ctl.mu.Unlock()
				tt.check(t, ctl)
			}
		})
	}
}

func TestRouterFilters(t *testing.T) {
	t.Parallel()
	ctl := newFakeControl()
	out := newFakeOut()
	r := NewRouter(RouterConfig{AllowedUsers: []int64{42}, OperatorChat: -100}, ctl, out, fakeRunning{"7", "42"}, logx.Nop())

	stranger := msg("/status")
	stranger.FromID = 9
	r.Handle(context.Background(), stranger)
	r.Handle(context.Background(), msg("just chatting"))
	r.Handle(context.Background(), msg("/running"))
	if n := out.count(); n != 0 {
		t.Fatalf("expected no replies, got %d", n)
	}

	group := msg("/creds key dev")
	group.IsPrivate = false
	group.ChatID = -5
	r.Handle(context.Background(), group)
	if got := out.last(t); !strings.Contains(got.text, "private chat") {
		t.Fatalf("group creds reply = %q", got.text)
	}
	if len(ctl.creds) != 0 {
		t.Fatal("credentials from a group must not be saved")
	}

	op := msg("/running")
	op.ChatID = -100
	r.Handle(context.Background(), op)
	if got := out.last(t); !strings.Contains(got.text, "2 running: 7, 42") {
		t.Fatalf("operator reply = %q", got.text)
	}
}

func TestRouterRecoversPanic(t *testing.T) {
	t.Parallel()
	ctl := newFakeControl()
	ctl.panicked = true
	out := newFakeOut()
	r := NewRouter(RouterConfig{}, ctl, out, nil, logx.Nop())
	r.Handle(context.Background(), msg("/test"))
	if got := out.last(t); !strings.HasPrefix(got.text, "Error:") {
		t.Fatalf("reply = %q", got.text)
	}
}

func TestRouterEscapesUserInput(t *testing.T) {
	t.Parallel()
	ctl := newFakeControl()
	ctl.alarms = []alarm.Alarm{{
		Name:       "<wake&go>",
		TriggerAt:  time.Date(2026, 3, 5, 6, 30, 0, 0, time.UTC),
		Intensity:  20,
		DurationMS: 1500,
		Repeat:     true,
		Days:       alarm.NewWeekdays(time.Monday, time.Friday),
	}}
	out := newFakeOut()
	r := NewRouter(RouterConfig{}, ctl, out, nil, logx.Nop())
	r.Handle(context.Background(), msg("/alarms"))
	got := out.last(t).text
	want := "• <b>&lt;wake&amp;go&gt;</b>: Thu 2026-03-05 06:30, intensity 20, 1.5s, on Monday,Friday"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
}

func TestMenuCommandsHideOperator(t *testing.T) {
	t.Parallel()
	r := NewRouter(RouterConfig{}, newFakeControl(), newFakeOut(), nil, logx.Nop())
	for _, c := range r.MenuCommands() {
		if c.Command == "running" || c.Command == "start" || strings.HasPrefix(c.Command, "/") {
			t.Fatalf("unexpected menu entry %+v", c)
		}
	}
}

func TestNotifyEventsDeliveryFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	out := newFakeOut()
	r := NewRouter(RouterConfig{}, newFakeControl(), out, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.NotifyEvents(ctx, bus)
	}()

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-out.ch:
			if got.to.ChatID != 1234 || !strings.Contains(got.text, "<b>wake</b>") || got.mode != "HTML" {
				t.Fatalf("notice %+v", got)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			// Republish until the subscriber is registered.
			bus.Publish(eventbus.Event{Type: eventbus.TypeAlarmTriggered, User: "1234"})
			bus.Publish(eventbus.Event{
				Type: eventbus.TypeDeliveryFailed,
				User: "1234",
				Data: scheduler.DeliveryFailure{Alarm: "wake", Kind: alarm.KindShock, Err: "status 503"},
			})
		case <-deadline:
			t.Fatal("no delivery notice sent")
		}
	}
}

package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"shockclock/internal/alarm"
	"shockclock/internal/control"
	"shockclock/internal/eventbus"
	"shockclock/internal/scheduler"
	"shockclock/internal/transport"
	"shockclock/pkg/logx"
	"shockclock/pkg/tgui"
)

// Control is the subset of *control.Service the router drives.
type Control interface {
	Register(ctx context.Context, user string) (bool, error)
	Login(ctx context.Context, user string) (bool, error)
	Logout(ctx context.Context, user string) (bool, error)
	SaveCredential(ctx context.Context, user, apiKey, deviceID string) error
	SetAlarm(ctx context.Context, user string, sub control.Submission) (alarm.Alarm, error)
	DeleteAlarm(ctx context.Context, user, name string) error
	ListAlarms(ctx context.Context, user string) ([]alarm.Alarm, error)
	Status(ctx context.Context, user string) (control.Status, error)
	TestDevice(ctx context.Context, user string, kind alarm.Kind) error
}

// Sender is the outbound half of transport.Adapter.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// RunningLister is implemented by *scheduler.Registry.
type RunningLister interface {
	Running() []string
}

type RouterConfig struct {
	// AllowedUsers restricts who may use the bot; empty allows everyone.
	AllowedUsers []int64
	// OperatorChat may run operator commands (/running).
	OperatorChat int64
	// HandlerTimeout bounds one command. Default 20s.
	HandlerTimeout time.Duration
}

type Request struct {
	Msg     transport.Message
	User    string
	Command string
	Args    []string
	Log     logx.Logger
}

// HandlerFunc returns the reply as Telegram HTML; an empty reply sends nothing.
type HandlerFunc func(ctx context.Context, req *Request) (reply tgui.H, err error)

type Middleware func(next HandlerFunc) HandlerFunc

func chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type command struct {
	name    string
	usage   string
	help    string
	handler HandlerFunc
	private bool // carries secrets; refuse in groups
	op      bool // operator chat only
}

type Router struct {
	cfg     RouterConfig
	ctl     Control
	out     Sender
	running RunningLister
	log     logx.Logger

	cmds  []command
	index map[string]*command
}

func NewRouter(cfg RouterConfig, ctl Control, out Sender, running RunningLister, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 20 * time.Second
	}
	r := &Router{
		cfg:     cfg,
		ctl:     ctl,
		out:     out,
		running: running,
		log:     log.With(logx.String("comp", "telegram.router")),
	}
	r.cmds = []command{
		{name: "/start", help: "Introduction", handler: r.handleHelp},
		{name: "/help", help: "Show commands", handler: r.handleHelp},
		{name: "/register", help: "Create your account and start your alarm clock", handler: r.handleRegister},
		{name: "/login", help: "Resume your alarm clock", handler: r.handleLogin},
		{name: "/logout", help: "Pause your alarm clock (alarms are kept)", handler: r.handleLogout},
		{name: "/creds", usage: "<api_key> <device_id>", help: "Save your OpenShock credentials", handler: r.handleCreds, private: true},
		{name: "/alarm", usage: "add <name> <HH:MM> <intensity> <seconds> [--vibrate] [--repeat] [--days mon,fri] | del <name>", help: "Add or delete an alarm", handler: r.handleAlarm},
		{name: "/alarms", help: "List your alarms", handler: r.handleAlarms},
		{name: "/test", usage: "[vibrate|shock]", help: "Send a short test pulse", handler: r.handleTest},
		{name: "/status", help: "Show your scheduler state", handler: r.handleStatus},
		{name: "/running", help: "List active schedulers", handler: r.handleRunning, op: true},
	}
	r.index = make(map[string]*command, len(r.cmds))
	for i := range r.cmds {
		r.index[r.cmds[i].name] = &r.cmds[i]
	}
	return r
}

// MenuCommands is the public command menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.op || c.name == "/start" {
			continue
		}
		out = append(out, transport.BotCommand{Command: strings.TrimPrefix(c.name, "/"), Description: c.help})
	}
	return out
}

// Run consumes in until ctx is done or in is closed. Messages are handled
// one at a time.
func (r *Router) Run(ctx context.Context, in <-chan transport.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-in:
			if !ok {
				return nil
			}
			r.Handle(ctx, m)
		}
	}
}

// Handle dispatches one message and sends the reply, if any.
func (r *Router) Handle(ctx context.Context, m transport.Message) {
	name, args := splitCommand(m.Text)
	if name == "" {
		return
	}
	if len(r.cfg.AllowedUsers) > 0 && !slices.Contains(r.cfg.AllowedUsers, m.FromID) {
		r.log.Debug("message from user not on allow list", logx.Int64("from_id", m.FromID))
		return
	}
	cmd, ok := r.index[name]
	if !ok {
		r.reply(ctx, m, tgui.Esc("Unknown command. Try /help."))
		return
	}
	if cmd.op && m.ChatID != r.cfg.OperatorChat {
		return
	}
	if cmd.private && !m.IsPrivate {
		r.reply(ctx, m, tgui.Esc("Send that in a private chat with me, not in a group."))
		return
	}

	user := strconv.FormatInt(m.FromID, 10)
	req := &Request{
		Msg:     m,
		User:    user,
		Command: name,
		Args:    args,
		Log:     r.log.With(logx.User(user), logx.String("cmd", name)),
	}
	h := chain(cmd.handler, r.recoverMW(), r.timeoutMW(), r.logMW())
	text, err := h(ctx, req)
	if err != nil {
		text = tgui.Esc("Error: " + control.ErrorDescription(err))
	}
	if text != "" {
		r.reply(ctx, m, text)
	}
}

func (r *Router) reply(ctx context.Context, m transport.Message, text tgui.H) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	to := transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	opt := &transport.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true}
	if _, err := r.out.SendText(sctx, to, text.String(), opt); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

func (r *Router) recoverMW() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (reply tgui.H, err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Log.Error("panic recovered", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

func (r *Router) timeoutMW() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (tgui.H, error) {
			cctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func (r *Router) logMW() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (tgui.H, error) {
			start := time.Now()
			out, err := next(ctx, req)
			d := time.Since(start)
			if err != nil && control.ErrorCode(err) == control.ErrInternal {
				req.Log.Warn("request failed", logx.Duration("dur", d), logx.Err(err))
			} else {
				req.Log.Debug("request ok", logx.Duration("dur", d))
			}
			return out, err
		}
	}
}

func (r *Router) handleHelp(context.Context, *Request) (tgui.H, error) {
	var l tgui.Lines
	l.Add(tgui.B("Shock alarm clock")).Blank()
	for _, c := range r.cmds {
		if c.op || c.name == "/start" {
			continue
		}
		usage := c.name
		if c.usage != "" {
			usage += " " + c.usage
		}
		l.Add(tgui.Code(usage))
		l.Add(tgui.Esc("  " + c.help))
	}
	l.Blank().Add(tgui.I("Days: Monday..Sunday or mon..sun, comma separated."))
	return l.H(), nil
}

func (r *Router) handleRegister(ctx context.Context, req *Request) (tgui.H, error) {
	if _, err := r.ctl.Register(ctx, req.User); err != nil {
		return "", err
	}
	return tgui.Concat(
		tgui.Esc("Registered. Save your device with "),
		tgui.Code("/creds <api_key> <device_id>"),
		tgui.Esc(" in a private chat."),
	), nil
}

func (r *Router) handleLogin(ctx context.Context, req *Request) (tgui.H, error) {
	started, err := r.ctl.Login(ctx, req.User)
	if err != nil {
		if control.ErrorCode(err) == control.ErrNotFound {
			return tgui.Esc("You are not registered yet. Use /register."), nil
		}
		return "", err
	}
	if !started {
		return tgui.Esc("Your alarm clock is already running."), nil
	}
	return tgui.Esc("Alarm clock running."), nil
}

func (r *Router) handleLogout(ctx context.Context, req *Request) (tgui.H, error) {
	stopped, err := r.ctl.Logout(ctx, req.User)
	if err != nil {
		return "", err
	}
	if !stopped {
		return tgui.Esc("Your alarm clock was not running."), nil
	}
	return tgui.Esc("Alarm clock paused. Your alarms are kept; /login resumes."), nil
}

func (r *Router) handleCreds(ctx context.Context, req *Request) (tgui.H, error) {
	if len(req.Args) != 2 {
		return r.usage("/creds"), nil
	}
	if err := r.ctl.SaveCredential(ctx, req.User, req.Args[0], req.Args[1]); err != nil {
		return "", err
	}
	return tgui.Esc("Credentials saved. Try /test vibrate."), nil
}

func (r *Router) handleAlarm(ctx context.Context, req *Request) (tgui.H, error) {
	if len(req.Args) == 0 {
		return r.usage("/alarm"), nil
	}
	switch strings.ToLower(req.Args[0]) {
	case "add", "set":
		sub, err := parseSubmission(req.Args[1:])
		if err != nil {
			return "", err
		}
		a, err := r.ctl.SetAlarm(ctx, req.User, sub)
		if err != nil {
			return "", err
		}
		return tgui.Concat(tgui.Esc("Saved "), formatAlarm(a)), nil
	case "del", "delete", "rm":
		if len(req.Args) != 2 {
			return tgui.Concat(tgui.Esc("Usage: "), tgui.Code("/alarm del <name>")), nil
		}
		if err := r.ctl.DeleteAlarm(ctx, req.User, req.Args[1]); err != nil {
			return "", err
		}
		return tgui.Esc("Deleted " + req.Args[1] + "."), nil
	default:
		return r.usage("/alarm"), nil
	}
}

func (r *Router) usage(name string) tgui.H {
	c := r.index[name]
	return tgui.Concat(tgui.Esc("Usage: "), tgui.Code(c.name+" "+c.usage))
}

// parseSubmission reads: <name> <HH:MM> <intensity> <seconds> [--vibrate] [--repeat] [--days a,b].
// --days without --repeat is a one-shot alarm on the first listed weekday.
func parseSubmission(args []string) (control.Submission, error) {
	pos, flags, bools := parseFlags(args)
	if len(pos) != 4 {
		return control.Submission{}, control.Errorf(control.ErrInvalid, "need <name> <HH:MM> <intensity> <seconds>")
	}
	intensity, err := strconv.Atoi(pos[2])
	if err != nil {
		return control.Submission{}, control.Errorf(control.ErrInvalid, "intensity must be a whole number")
	}
	secs, err := strconv.ParseFloat(pos[3], 64)
	if err != nil {
		return control.Submission{}, control.Errorf(control.ErrInvalid, "duration must be a number of seconds")
	}
	sub := control.Submission{
		Name:            pos[0],
		TimeOfDay:       pos[1],
		Intensity:       intensity,
		DurationSeconds: secs,
		VibrateBefore:   bools["vibrate"],
		Repeat:          bools["repeat"] || bools["daily"],
	}
	if d := strings.TrimSpace(flags["days"]); d != "" {
		sub.Days = strings.Split(d, ",")
	}
	return sub, nil
}

func formatAlarm(a alarm.Alarm) tgui.H {
	details := []string{
		a.WallTime().Format("Mon 2006-01-02 15:04"),
		fmt.Sprintf("intensity %d", a.Intensity),
		fmt.Sprintf("%.1fs", float64(a.DurationMS)/1000),
	}
	switch {
	case a.Repeat && a.Days.Empty():
		details = append(details, "daily")
	case a.Repeat:
		details = append(details, "on "+a.Days.String())
	}
	if a.VibrateBefore {
		details = append(details, "vibrates first")
	}
	return tgui.Concat(tgui.B(a.Name), tgui.Esc(": "+strings.Join(details, ", ")))
}

func (r *Router) handleAlarms(ctx context.Context, req *Request) (tgui.H, error) {
	list, err := r.ctl.ListAlarms(ctx, req.User)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return tgui.Esc("No alarms. Add one with /alarm add."), nil
	}
	var l tgui.Lines
	for _, a := range list {
		l.Bullet(formatAlarm(a))
	}
	return l.H(), nil
}

func (r *Router) handleTest(ctx context.Context, req *Request) (tgui.H, error) {
	kind := alarm.KindVibrate
	if len(req.Args) > 0 {
		switch strings.ToLower(req.Args[0]) {
		case "vibrate":
		case "shock":
			kind = alarm.KindShock
		default:
			return r.usage("/test"), nil
		}
	}
	if err := r.ctl.TestDevice(ctx, req.User, kind); err != nil {
		return "", err
	}
	return tgui.Esc("Sent a short " + strings.ToLower(string(kind)) + "."), nil
}

func (r *Router) handleStatus(ctx context.Context, req *Request) (tgui.H, error) {
	st, err := r.ctl.Status(ctx, req.User)
	if err != nil {
		return "", err
	}
	state := "paused"
	if st.Running {
		state = "running"
	}
	cred := "missing"
	if st.HasCredential {
		cred = "saved"
	}
	var l tgui.Lines
	l.Add(tgui.Esc("Scheduler: " + state))
	l.Add(tgui.Esc("Credentials: " + cred))
	l.Add(tgui.Escf("Alarms: %d", st.Alarms))
	return l.H(), nil
}

func (r *Router) handleRunning(context.Context, *Request) (tgui.H, error) {
	if r.running == nil {
		return tgui.Esc("registry unavailable"), nil
	}
	users := r.running.Running()
	if len(users) == 0 {
		return tgui.Esc("No schedulers running."), nil
	}
	return tgui.Escf("%d running: %s", len(users), strings.Join(users, ", ")), nil
}

// NotifyEvents tells users about failed deliveries until ctx is done.
func (r *Router) NotifyEvents(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.TypeDeliveryFailed {
				continue
			}
			df, ok := ev.Data.(scheduler.DeliveryFailure)
			if !ok {
				continue
			}
			chatID, err := strconv.ParseInt(ev.User, 10, 64)
			if err != nil {
				continue
			}
			text := tgui.Concat(
				tgui.Esc("Alarm "), tgui.B(df.Alarm),
				tgui.Escf(": the %s could not be delivered to your device (%s).", strings.ToLower(string(df.Kind)), tgui.TruncRunes(df.Err, 200)),
			)
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err = r.out.SendText(sctx, transport.ChatTarget{ChatID: chatID}, text.String(), &transport.SendOptions{ParseMode: tgui.ParseMode})
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("delivery notice failed", logx.User(ev.User), logx.Err(err))
			}
		}
	}
}

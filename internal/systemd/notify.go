// Package systemd speaks the sd_notify protocol: readiness, stopping and
// watchdog keepalives. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"shockclock/pkg/logx"
)

type Notifier struct {
	enabled  bool
	watchdog bool
	log      logx.Logger

	// swapped in tests
	notify     func(state string) (bool, error)
	wdInterval func() (time.Duration, error)
}

func New(notify, watchdog bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled:  notify,
		watchdog: watchdog,
		log:      log.With(logx.String("comp", "systemd")),
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		wdInterval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *Notifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the free-form STATUS= line shown by systemctl status.
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }

// Watchdog pings WATCHDOG=1 at half the unit's WatchdogSec until ctx is done.
// It returns immediately when the unit has no watchdog configured.
func (n *Notifier) Watchdog(ctx context.Context) error {
	if n == nil || !n.enabled || !n.watchdog {
		return nil
	}
	every, err := n.wdInterval()
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	every /= 2
	n.log.Info("watchdog keepalive enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

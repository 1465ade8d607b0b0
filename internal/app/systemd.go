package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "modbot/pkg/logx"
)

// notifier speaks the sd_notify protocol. Every call is a no-op outside
// systemd (NOTIFY_SOCKET unset).
type notifier struct {
	enabled bool
	log     logx.Logger
}

func (n notifier) send(state string) {
	if !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n notifier) ready()    { n.send(daemon.SdNotifyReady) }
func (n notifier) stopping() { n.send(daemon.SdNotifyStopping) }

func (n notifier) status(s string) { n.send("STATUS=" + s) }

// watchdog pings at half the configured WatchdogSec until ctx ends.
// Returns immediately when the unit has no watchdog.
func (n notifier) watchdog(ctx context.Context) {
	if !n.enabled {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

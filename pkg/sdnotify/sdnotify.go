// Package sdnotify reports daemon state to systemd over NOTIFY_SOCKET. Every
// call is a no-op when the process is not running under a notify-type unit.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "comparium/pkg/logx"
)

func Ready(log logx.Logger) { send(log, daemon.SdNotifyReady) }

func Stopping(log logx.Logger) { send(log, daemon.SdNotifyStopping) }

func Status(log logx.Logger, msg string) { send(log, "STATUS="+msg) }

func send(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Watchdog pings systemd at half the unit's WatchdogSec until ctx ends or
// alive reports false. It returns at once when no watchdog is configured.
func Watchdog(ctx context.Context, log logx.Logger, alive func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if alive != nil && !alive() {
				log.Warn("skipping watchdog ping; app unhealthy")
				continue
			}
			send(log, daemon.SdNotifyWatchdog)
		}
	}
}

// Package systemd reports service state to systemd through sd_notify.
// Every call is a no-op when the process is not run under a notify unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports READY=1 with an optional status line.
func Ready(status string) (bool, error) {
	return notify(daemon.SdNotifyReady, status)
}

// Stopping reports STOPPING=1.
func Stopping(status string) (bool, error) {
	return notify(daemon.SdNotifyStopping, status)
}

// Status updates the free-form status line shown by systemctl.
func Status(status string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+status)
}

func notify(state, status string) (bool, error) {
	if status != "" {
		state += "\nSTATUS=" + status
	}
	return daemon.SdNotify(false, state)
}

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx is done. It returns immediately when WatchdogSec is not set.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

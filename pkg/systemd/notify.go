// Package systemd reports service state to systemd through sd_notify.
//
// Every call is a no-op when the process was not started by systemd
// (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value uses daemon.SdNotify.
type Notifier struct {
	send func(state string) (bool, error)
}

func New() *Notifier { return &Notifier{} }

func (n *Notifier) notify(state string) (bool, error) {
	if n != nil && n.send != nil {
		return n.send(state)
	}
	return daemon.SdNotify(false, state)
}

func (n *Notifier) Ready() (bool, error)     { return n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() (bool, error)  { return n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() (bool, error) { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) (bool, error) {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings the systemd watchdog at half its interval until ctx is done.
// It returns immediately when the unit has no WatchdogSec.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	return n.watchdogLoop(ctx, interval/2)
}

func (n *Notifier) watchdogLoop(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}

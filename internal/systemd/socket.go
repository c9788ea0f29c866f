package systemd

import (
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Listeners holds the systemd-activated sockets the server understands.
type Listeners struct {
	API       net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves socket-activated listeners by name. The unit file
// names them with FileDescriptorName=api and FileDescriptorName=metrics.
// Returns empty listeners when not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	if fds := activation.Files(false); len(fds) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := named["api"]; ok && len(lns) > 0 {
		listeners.API = lns[0]
	}
	if lns, ok := named["metrics"]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners, nil
}

// NotifyReady tells systemd the service has finished starting up.
// Not running under systemd is not an error.
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping tells systemd the service is shutting down.
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyWatchdog pings the systemd watchdog.
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// WatchdogInterval returns how often NotifyWatchdog should be called, or
// zero when the watchdog is disabled.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

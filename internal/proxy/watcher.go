package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/loykin/proxyfetch/internal/common"
)

// Fingerprint summarises the host's network interfaces.
type Fingerprint func() (string, error)

// InterfaceFingerprint hashes every interface name, flag set and address.
func InterfaceFingerprint() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(ifaces))
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		line := ifc.Name + "|" + ifc.Flags.String()
		for _, a := range addrs {
			line += "|" + a.String()
		}
		lines = append(lines, line)
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// InterfaceWatcher polls the interface fingerprint and calls onChange when it differs.
type InterfaceWatcher struct {
	clock       clock.Clock
	fingerprint Fingerprint
	onChange    func()

	mu       sync.Mutex
	interval time.Duration
	last     string
	timer    clock.Timer
	running  bool
}

func NewInterfaceWatcher(clk clock.Clock, fp Fingerprint, onChange func()) *InterfaceWatcher {
	if clk == nil {
		clk = clock.WallClock
	}
	if fp == nil {
		fp = InterfaceFingerprint
	}
	return &InterfaceWatcher{clock: clk, fingerprint: fp, onChange: onChange}
}

// Start polls every interval. A non-positive interval stops polling.
func (w *InterfaceWatcher) Start(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.interval = interval
	if interval <= 0 {
		return
	}
	if fp, err := w.fingerprint(); err == nil {
		w.last = fp
	}
	w.running = true
	w.timer = w.clock.AfterFunc(interval, w.check)
}

func (w *InterfaceWatcher) Stop() {
	w.mu.Lock()
	w.stopLocked()
	w.mu.Unlock()
}

func (w *InterfaceWatcher) stopLocked() {
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *InterfaceWatcher) check() {
	fp, err := w.fingerprint()

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	changed := false
	if err != nil {
		common.GetLogger().WithComponent("proxy").Debug("network interface check failed", "error", err)
	} else if fp != w.last {
		changed = w.last != ""
		w.last = fp
	}
	w.timer = w.clock.AfterFunc(w.interval, w.check)
	w.mu.Unlock()

	if changed && w.onChange != nil {
		common.GetLogger().WithComponent("proxy").Info("network interfaces changed, clearing proxy decisions")
		w.onChange()
	}
}

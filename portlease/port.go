// Package portlease allocates TCP ports to engine processes under an
// exclusive file lock, so multiple pool-manager processes on the same host
// never race over the same port (§4.8).
package portlease

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

const (
	defaultRangeStart = 30000
	defaultRangeEnd   = 32767
)

// Allocator leases ports from a range, recording ownership in a JSON ledger
// guarded by an OS-level advisory lock (§3 Port lease record, §4.8).
type Allocator struct {
	dir        string
	ledgerPath string
	lockPath   string
	rangeStart int
	rangeEnd   int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRange overrides the default [30000, 32767] port range.
func WithRange(start, end int) Option {
	return func(a *Allocator) {
		a.rangeStart = start
		a.rangeEnd = end
	}
}

// New returns an Allocator rooted at ~/.neutree/ports (§6 Persistent state).
func New(opts ...Option) (*Allocator, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("portlease: resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".neutree", "ports")
	a := &Allocator{
		dir:        dir,
		ledgerPath: filepath.Join(dir, "allocated_ports.json"),
		lockPath:   filepath.Join(dir, "port_lock"),
		rangeStart: defaultRangeStart,
		rangeEnd:   defaultRangeEnd,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, fmt.Errorf("portlease: create %s: %w", a.dir, err)
	}
	return a, nil
}

type ledger map[string]int // port string -> owning pid

// Acquire returns a free port in the configured range, recording the current
// process's pid as its owner. Ports already owned by the current pid are
// returned again idempotently, matching the source behavior of retrying a
// leaked lease from the same process.
func (a *Allocator) Acquire() (int, error) {
	fl := flock.New(a.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return 0, fmt.Errorf("portlease: lock %s: %w", a.lockPath, err)
	}
	if !locked {
		return 0, fmt.Errorf("portlease: %s is held by another process", a.lockPath)
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			logrus.Warnf("portlease: unlock %s: %v", a.lockPath, err)
		}
	}()

	ledger, err := a.readLedger()
	if err != nil {
		return 0, err
	}

	pid := os.Getpid()
	pruneDead(ledger)

	for port := a.rangeStart; port <= a.rangeEnd; port++ {
		key := strconv.Itoa(port)
		if owner, ok := ledger[key]; ok && owner == pid {
			return port, nil
		}
		if _, taken := ledger[key]; taken {
			continue
		}
		if !isPortAvailable(port) {
			continue
		}
		ledger[key] = pid
		if err := a.writeLedger(ledger); err != nil {
			return 0, err
		}
		return port, nil
	}
	return 0, fmt.Errorf("portlease: no available ports in range %d-%d", a.rangeStart, a.rangeEnd)
}

// pruneDead drops ledger entries whose pid is no longer running.
func pruneDead(l ledger) {
	for port, pid := range l {
		if !processAlive(pid) {
			delete(l, port)
		}
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness without
	// actually sending a signal (mirrors the source's os.kill(pid, 0)).
	return proc.Signal(syscall.Signal(0)) == nil
}

// isPortAvailable does a real bind probe in addition to consulting the
// ledger, guarding against ports held by processes outside it (§4
// Supplemented features, original_source's is_port_available).
func isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func (a *Allocator) readLedger() (ledger, error) {
	data, err := os.ReadFile(a.ledgerPath)
	if os.IsNotExist(err) {
		return ledger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("portlease: read %s: %w", a.ledgerPath, err)
	}
	var l ledger
	if err := json.Unmarshal(data, &l); err != nil {
		// A corrupt ledger is treated as empty rather than fatal, matching
		// the source's (json.JSONDecodeError, FileNotFoundError) fallback.
		logrus.Warnf("portlease: ignoring unparsable ledger %s: %v", a.ledgerPath, err)
		return ledger{}, nil
	}
	if l == nil {
		l = ledger{}
	}
	return l, nil
}

func (a *Allocator) writeLedger(l ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("portlease: marshal ledger: %w", err)
	}
	if err := os.WriteFile(a.ledgerPath, data, 0o644); err != nil {
		return fmt.Errorf("portlease: write %s: %w", a.ledgerPath, err)
	}
	return nil
}

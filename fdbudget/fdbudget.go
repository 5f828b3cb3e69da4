// Package fdbudget computes how many concurrent sessions the process can host
// given the descriptor table size, and checks live descriptor headroom before
// each accept.
package fdbudget

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mjl-/smtpfront/mlog"
)

var pkglog = mlog.New("fdbudget", nil)

// Reserve is the number of descriptors kept available for logging, control
// sockets and other transient use outside of sessions.
const Reserve = 5

// Probe samples the descriptor state of the process.
type Probe interface {
	TableSize() (int, error) // Maximum number of open descriptors.
	OpenCount() (int, error) // Currently open descriptors.
}

// OSProbe reads the descriptor state of the running process: the soft
// RLIMIT_NOFILE, and the entries in /dev/fd.
type OSProbe struct{}

func (OSProbe) TableSize() (int, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("getrlimit nofile: %w", err)
	}
	if rl.Cur > 1<<30 {
		return 1 << 30, nil
	}
	return int(rl.Cur), nil
}

func (OSProbe) OpenCount() (int, error) {
	entries, err := os.ReadDir("/dev/fd")
	if err != nil {
		return 0, fmt.Errorf("listing open descriptors: %w", err)
	}
	// Reading the directory used a descriptor, which is closed again.
	return len(entries) - 1, nil
}

// Budget tracks the maximum number of sessions.
type Budget struct {
	Probe Probe
	Max   int // Set by Compute.
}

// New returns a budget using the probe. Max is 0 until Compute is called.
func New(probe Probe) *Budget {
	return &Budget{Probe: probe}
}

// Compute sets and returns the maximum number of sessions. Each session is
// given two descriptors, one for the connection and one for ancillary use such
// as a temporary file. A result of 0 means no session can be accepted.
// Compute is called once, after all listeners are bound.
func (b *Budget) Compute() (int, error) {
	size, err := b.Probe.TableSize()
	if err != nil {
		return 0, err
	}
	open, err := b.Probe.OpenCount()
	if err != nil {
		return 0, err
	}
	max := (size-open)/2 - Reserve
	if max < 0 {
		max = 0
	}
	b.Max = max
	pkglog.Debug("will accept at most sessions",
		slog.Int("max", max),
		slog.Int("tablesize", size),
		slog.Int("open", open))
	return max, nil
}

// CanAccept returns whether another session can be admitted when active
// sessions are live. Besides the session count, the live descriptor headroom is
// sampled, because descriptors are also used outside of session accounting.
func (b *Budget) CanAccept(active int) bool {
	if active >= b.Max {
		return false
	}
	size, err := b.Probe.TableSize()
	if err != nil {
		pkglog.Errorx("probing descriptor table size", err)
		return false
	}
	open, err := b.Probe.OpenCount()
	if err != nil {
		pkglog.Errorx("probing open descriptors", err)
		return false
	}
	return size-open-Reserve >= 2
}

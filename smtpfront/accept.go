package smtpfront

import (
	"errors"
	"log/slog"
	"os"
	"runtime/debug"

	"golang.org/x/sys/unix"

	"github.com/mjl-/smtpfront/admission"
	"github.com/mjl-/smtpfront/metrics"
)

// serve is the accept loop of a listener. It waits while the listener is
// disarmed, and otherwise for readiness of the socket.
func (s *Server) serve(l *Listener) {
	defer func() {
		x := recover()
		if x != nil {
			s.log.Error("accept loop panic", slog.Any("panic", x), slog.String("listener", l.Name))
			debug.PrintStack()
			metrics.PanicInc(metrics.Smtpfront)
		}
	}()

	for {
		s.Lock()
		armed, closed := l.armed, l.closed
		s.Unlock()
		if closed {
			return
		}
		if !armed {
			select {
			case <-l.wake:
			case <-l.done:
				return
			}
			continue
		}

		fd, fatal, err := s.acceptReady(l)
		if fatal != nil {
			s.fatal("accepting connection", fatal, slog.String("listener", l.Name), slog.String("addr", l.Addr))
			return
		}
		if fd >= 0 {
			go s.handoff(l, fd)
			continue
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			s.Lock()
			closed := l.closed
			s.Unlock()
			if closed {
				return
			}
			s.fatal("waiting for connection", err, slog.String("listener", l.Name), slog.String("addr", l.Addr))
			return
		}
		// Deadline exceeded: disarmed while waiting.
	}
}

// acceptReady waits for a connection on the listener and accepts it. The
// returned fd is -1 if nothing was accepted, e.g. because accepting was
// paused. A non-nil fatal error means the process cannot continue.
func (s *Server) acceptReady(l *Listener) (nfd int, fatal, rerr error) {
	nfd = -1
	// The runtime poller is edge-triggered, so the callback must accept until
	// nothing is pending before it may wait.
	rerr = l.raw.Read(func(fd uintptr) bool {
		s.Lock()
		defer s.Unlock()

		if !l.armed {
			return true
		}
		if !connPending(int(fd)) {
			return false
		}

		action, err := s.state.Ready()
		switch action {
		case admission.ActionFatal:
			fatal = err
			return true
		case admission.ActionPause:
			s.exhausted(l, nil)
			return true
		}

		for {
			cfd, _, err := unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if err == nil {
				s.state.Reserve()
				s.pending++
				nfd = cfd
				return true
			}
			action, xerr := s.state.AcceptFailed(err)
			switch action {
			case admission.ActionRetry:
				if errors.Is(err, unix.EAGAIN) {
					return false
				}
				s.log.Debugx("transient accept error", err, slog.String("listener", l.Name))
				continue
			case admission.ActionPause:
				s.exhausted(l, err)
				return true
			default:
				fatal = xerr
				return true
			}
		}
	})
	return
}

// connPending returns whether a connection is waiting to be accepted.
func connPending(fd int) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		// Let accept find out.
		return true
	}
	return n > 0
}

// exhausted disarms all listeners after running out of descriptors. Must be
// called with lock held.
func (s *Server) exhausted(l *Listener, err error) {
	s.log.Errorx("no descriptors available for new sessions, pausing accept", err,
		slog.String("listener", l.Name),
		slog.Int("active", s.state.Active))
	s.reconcile()
}

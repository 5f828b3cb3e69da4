package smtpfront

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mjl-/smtpfront/admission"
	"github.com/mjl-/smtpfront/front-"
	"github.com/mjl-/smtpfront/metrics"
)

// Session is a connection handed to the session layer.
type Session struct {
	ID       int64     // Unique cid.
	Listener *Listener // Pseudo listener "local" for local sessions.
	Conn     net.Conn  // As accepted. The session layer owns it.
	Decoded  net.Conn  // After the PROXY header, nil without PROXY protocol. Read from this one if set.
	Peer     net.Addr  // From the PROXY header if present.
	Family   string
	Local    bool
	Start    time.Time

	server *Server
	once   sync.Once

	// Protected by Server lock.
	live  bool // Accepted by the session layer, in the session table.
	ended bool // End called before the session became live.
}

// End must be called by the session layer when the session is over. It can be
// called multiple times. The connection is not closed.
func (sess *Session) End() {
	sess.once.Do(func() {
		sess.server.end(sess)
	})
}

func (s *Server) end(sess *Session) {
	s.Lock()
	defer s.Unlock()
	if !sess.live {
		// Still in CreateSession, finished by created.
		sess.ended = true
		return
	}
	s.finish(sess)
}

// finish removes a live session and accounts for its end. Must be called with
// lock held.
func (s *Server) finish(sess *Session) {
	delete(s.sessions, sess.ID)
	metrics.SessionEnd(sess.Family)
	if s.state.End(sess.Family) {
		s.log.Print("descriptors available again, resuming accept", slog.Int("active", s.state.Active))
		s.reconcile()
	}
	s.checkDone()
}

// release undoes the reservation for an accepted connection that did not
// become a session.
func (s *Server) release() {
	s.Lock()
	defer s.Unlock()
	s.pending--
	if s.state.Release() {
		s.log.Print("descriptors available again, resuming accept", slog.Int("active", s.state.Active))
		s.reconcile()
	}
	s.checkDone()
}

// checkDone signals waiters of Done if no sessions are left, live or pending.
// Must be called with lock held.
func (s *Server) checkDone() {
	if len(s.sessions) > 0 || s.pending > 0 {
		return
	}
	for _, done := range s.dones {
		done <- struct{}{}
	}
	s.dones = nil
}

// handoff turns an accepted socket into a session. The connection already
// reserved a slot in the admission state.
func (s *Server) handoff(l *Listener, fd int) {
	cid := front.Cid()
	log := s.log.WithCid(cid)

	defer func() {
		x := recover()
		if x != nil {
			log.Error("handoff panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Session)
		}
	}()

	f := os.NewFile(uintptr(fd), "smtp")
	conn, err := net.FileConn(f)
	if xerr := f.Close(); xerr != nil {
		log.Errorx("closing accepted socket after dup", xerr)
	}
	if err != nil {
		log.Errorx("making connection from accepted socket", err, slog.String("listener", l.Name))
		s.release()
		return
	}

	peer := conn.RemoteAddr()
	var decoded net.Conn
	if l.Proxy {
		if s.decoder == nil {
			log.Error("no proxy protocol decoder, dropping connection", slog.String("listener", l.Name))
			conn.Close()
			s.release()
			return
		}
		ctx, cancel := context.WithTimeout(front.Context, s.ProxyTimeout)
		decoded, err = s.decoder.Decode(ctx, conn)
		cancel()
		if err != nil {
			log.Infox("reading proxy protocol header, dropping connection", err,
				slog.String("listener", l.Name),
				slog.Any("remote", peer))
			metrics.AcceptError("proxy")
			err := conn.Close()
			log.Check(err, "closing connection")
			s.release()
			return
		}
		peer = decoded.RemoteAddr()
	}

	sess := &Session{
		ID:       cid,
		Listener: l,
		Conn:     conn,
		Decoded:  decoded,
		Peer:     peer,
		Family:   l.Family,
		Start:    time.Now(),
		server:   s,
	}
	s.Lock()
	s.state.Commit(sess.Family)
	s.Unlock()

	log.Debug("new session", slog.String("listener", l.Name), slog.Any("remote", peer))
	err = s.layer.CreateSession(sess)
	if err != nil {
		log.Infox("session layer rejected session", err, slog.String("listener", l.Name), slog.Any("remote", peer))
		metrics.AcceptError("rejected")
		xerr := conn.Close()
		log.Check(xerr, "closing connection")
	}
	s.created(sess, err == nil)
}

// created makes a session live after CreateSession or CreateLocalSession. A
// session the session layer refused never becomes live and is not counted as a
// session, its accounting is undone.
func (s *Server) created(sess *Session, ok bool) {
	s.Lock()
	defer s.Unlock()
	s.pending--
	if !ok {
		if s.state.End(sess.Family) {
			s.log.Print("descriptors available again, resuming accept", slog.Int("active", s.state.Active))
			s.reconcile()
		}
		s.checkDone()
		return
	}
	sess.live = true
	s.sessions[sess.ID] = sess
	metrics.SessionStart(sess.Family)
	if sess.ended {
		s.finish(sess)
	}
}

// Enqueue creates a local session, for a submission that does not come in
// through a listener. The session layer gets one end of a socketpair, the
// other end is returned. Local sessions are refused while smtp is disabled or
// paused, with ErrPaused, and without descriptor budget, with ErrNoBudget.
func (s *Server) Enqueue() (*os.File, error) {
	s.Lock()
	if err := s.state.Local(); err != nil {
		s.Unlock()
		return nil, err
	}
	sess, peer, err := s.localSession()
	if err != nil {
		if s.state.End(admission.FamilyLocal) {
			s.reconcile()
		}
		s.Unlock()
		return nil, err
	}
	s.pending++
	s.Unlock()

	log := s.log.WithCid(sess.ID)
	log.Debug("new local session")
	err = s.layer.CreateLocalSession(sess)
	if err != nil {
		log.Infox("session layer rejected local session", err)
		xerr := sess.Conn.Close()
		log.Check(xerr, "closing local connection")
		xerr = peer.Close()
		log.Check(xerr, "closing local peer")
	}
	s.created(sess, err == nil)
	if err != nil {
		return nil, fmt.Errorf("creating local session: %w", err)
	}
	return peer, nil
}

// For local sessions, replaced in tests.
var socketpair = unix.Socketpair

// localSession makes a socketpair for a local session. Must be called with
// lock held.
func (s *Server) localSession() (*Session, *os.File, error) {
	fds, err := socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("set nonblocking: %w", err)
	}
	f := os.NewFile(uintptr(fds[0]), "local")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("making connection from socketpair: %w", err)
	}
	sess := &Session{
		ID:       front.Cid(),
		Listener: s.local,
		Conn:     conn,
		Peer:     conn.RemoteAddr(),
		Family:   admission.FamilyLocal,
		Local:    true,
		Start:    time.Now(),
		server:   s,
	}
	return sess, os.NewFile(uintptr(fds[1]), "local-peer"), nil
}

// errClosed reports whether err is about a closed connection.
func errClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}

// Package smtpfront owns the SMTP listening sockets, admits connections within
// the descriptor budget, and hands them to the session layer.
//
// Listeners are bound at startup (by the privileged parent, or in-process) and
// registered with a Server. Each registered listener has a goroutine waiting
// for incoming connections. Accepting is paused by disarming listeners, the
// sockets stay open. All admission state and the listener registry are
// protected by a single mutex in the Server.
package smtpfront

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/mjl-/smtpfront/admission"
	"github.com/mjl-/smtpfront/mlog"
)

var (
	ErrPaused            = admission.ErrPaused
	ErrNoBudget          = admission.ErrNoBudget
	ErrUnexpectedMessage = errors.New("unexpected message type")
)

// SessionLayer runs SMTP sessions. It takes ownership of the connection of a
// session, and must call Session.End when the session is over.
type SessionLayer interface {
	// CreateSession starts a session for a connection from a listener. An
	// error rejects the session, the connection is closed.
	CreateSession(s *Session) error

	// CreateLocalSession starts a session for a local submission.
	CreateLocalSession(s *Session) error

	// HandleMessage handles protocol messages passed through Dispatch.
	HandleMessage(msg Message) error
}

// ProxyDecoder reads the PROXY protocol header from a new connection.
// Implemented by proxyproto.Decoder.
type ProxyDecoder interface {
	Decode(ctx context.Context, conn net.Conn) (net.Conn, error)
}

// Server is the listener registry and admission controller.
type Server struct {
	log     mlog.Log
	layer   SessionLayer
	decoder ProxyDecoder

	// Maximum duration for reading a PROXY header.
	ProxyTimeout time.Duration

	// Called on unrecoverable errors from accept loops. Default logs at fatal
	// level, which exits the process.
	fatal func(msg string, err error, attrs ...slog.Attr)

	sync.Mutex
	state     *admission.State
	listeners []*Listener
	local     *Listener // Pseudo listener for local sessions.
	sessions  map[int64]*Session // Live sessions.
	pending   int                // Accepted connections and sessions not yet live.
	dones     []chan struct{}
}

// NewServer returns a server for the admission state. decoder may be nil if no
// listener uses the PROXY protocol.
func NewServer(log mlog.Log, state *admission.State, layer SessionLayer, decoder ProxyDecoder) *Server {
	return &Server{
		log:          log,
		layer:        layer,
		decoder:      decoder,
		ProxyTimeout: 30 * time.Second,
		fatal:        log.Fatalx,
		state:        state,
		local:        &Listener{Name: "local", Addr: "local", Family: admission.FamilyLocal},
		sessions:     map[int64]*Session{},
	}
}

// Pause stops accepting connections and local submissions on administrative
// request. Sockets stay open.
func (s *Server) Pause() error {
	s.Lock()
	defer s.Unlock()
	if err := s.state.Pause(); err != nil {
		return err
	}
	s.log.Print("smtp paused")
	s.reconcile()
	return nil
}

// Resume lifts an administrative pause. Listeners stay disarmed while there is
// no descriptor budget.
func (s *Server) Resume() error {
	s.Lock()
	defer s.Unlock()
	arm, err := s.state.Resume()
	if err != nil {
		return err
	}
	s.log.Print("smtp resumed", slog.Bool("accepting", arm))
	s.reconcile()
	return nil
}

// reconcile arms or disarms each listener to match the admission state.
// Listeners already in the right state are left alone. Must be called with
// lock held.
func (s *Server) reconcile() {
	accepting := s.state.Accepting()
	for _, l := range s.listeners {
		if l.closed || l.armed == accepting {
			continue
		}
		if accepting {
			s.arm(l)
		} else {
			s.disarm(l)
		}
	}
}

func (s *Server) arm(l *Listener) {
	if err := l.file.SetReadDeadline(time.Time{}); err != nil {
		s.log.Errorx("clearing read deadline on listener", err, slog.String("listener", l.Name), slog.String("addr", l.Addr))
	}
	l.armed = true
	select {
	case l.wake <- struct{}{}:
	default:
	}
	s.log.Debug("listener armed", slog.String("listener", l.Name), slog.String("addr", l.Addr))
}

// disarm makes the accept loop of the listener stop waiting. The accept
// callback checks the armed flag under the lock, so no connection is accepted
// after disarm returns.
func (s *Server) disarm(l *Listener) {
	l.armed = false
	if err := l.file.SetReadDeadline(time.Now()); err != nil {
		s.log.Errorx("setting read deadline on listener", err, slog.String("listener", l.Name), slog.String("addr", l.Addr))
	}
	s.log.Debug("listener disarmed", slog.String("listener", l.Name), slog.String("addr", l.Addr))
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID       int64
	Listener string
	Family   string
	Peer     string
	Local    bool
	Start    time.Time
}

// Sessions returns the live sessions, ordered by id.
func (s *Server) Sessions() []SessionInfo {
	s.Lock()
	defer s.Unlock()
	l := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		var peer string
		if sess.Peer != nil {
			peer = sess.Peer.String()
		}
		l = append(l, SessionInfo{sess.ID, sess.Listener.Name, sess.Family, peer, sess.Local, sess.Start})
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].ID < l[j].ID
	})
	return l
}

// Counts returns the number of active sessions, and per address family.
func (s *Server) Counts() (int, map[string]int) {
	s.Lock()
	defer s.Unlock()
	m := map[string]int{}
	for k, v := range s.state.Families {
		m[k] = v
	}
	return s.state.Active, m
}

// Close closes all listeners. Sessions are not affected.
func (s *Server) Close() {
	s.Lock()
	var closing []*Listener
	for _, l := range s.listeners {
		if l.closed {
			continue
		}
		l.closed = true
		l.armed = false
		close(l.done)
		closing = append(closing, l)
	}
	s.Unlock()

	// Closing waits for an accept callback in progress, which needs the lock.
	for _, l := range closing {
		err := l.file.Close()
		s.log.Check(err, "closing listener", slog.String("listener", l.Name), slog.String("addr", l.Addr))
	}
}

// Shutdown sets an immediate i/o deadline on the connections of all sessions,
// causing the session layer to end them.
func (s *Server) Shutdown() {
	now := time.Now()
	s.Lock()
	defer s.Unlock()
	for _, sess := range s.sessions {
		if err := sess.Conn.SetDeadline(now); err != nil && !errClosed(err) {
			s.log.Errorx("setting immediate deadline for shutdown", err, slog.Int64("cid", sess.ID))
		}
	}
}

// Done returns a new channel on which a value is sent when no sessions are
// left, which could be immediate. Accepted connections still reading a PROXY
// header or being handed to the session layer count as sessions.
func (s *Server) Done() chan struct{} {
	s.Lock()
	defer s.Unlock()
	done := make(chan struct{}, 1)
	if len(s.sessions) == 0 && s.pending == 0 {
		done <- struct{}{}
		return done
	}
	s.dones = append(s.dones, done)
	return done
}

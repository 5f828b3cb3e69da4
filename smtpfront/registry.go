package smtpfront

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"syscall"

	"golang.org/x/exp/maps"
	"golang.org/x/sys/unix"

	"github.com/mjl-/smtpfront/admission"
	"github.com/mjl-/smtpfront/config"
	"github.com/mjl-/smtpfront/front-"
	"github.com/mjl-/smtpfront/mlog"
	"github.com/mjl-/smtpfront/tlsctx"
)

// Listener is a socket for one address of a configured listener.
type Listener struct {
	Name     string // Name of listener in config.
	Addr     string // host:port, or path for unix domain sockets.
	Family   string // admission.FamilyLocal, FamilyInet4 or FamilyInet6.
	Hostname string // ASCII, from listener or global config.
	Proxy    bool   // Connections start with a PROXY protocol header.
	TLS      *tlsctx.Context
	Implicit bool // TLS from the start, instead of STARTTLS.

	key      string        // For passing the socket to the unprivileged process.
	domain   int           // unix.AF_*.
	sockaddr unix.Sockaddr // For bind.

	// Bound socket, until Register. Never rebound.
	sock *os.File

	// After Register, protected by Server lock.
	file   *os.File // Nonblocking, registered with the runtime poller.
	raw    syscall.RawConn
	armed  bool
	closed bool
	wake   chan struct{} // Signaled when armed.
	done   chan struct{} // Closed when listener is closed.
}

// Key identifies the socket between the privileged and unprivileged process.
func (l *Listener) Key() string {
	return l.key
}

// File returns the bound socket, for passing to the unprivileged process. The
// caller must not close it.
func (l *Listener) File() *os.File {
	return l.sock
}

// Listeners returns the listeners for the config, in order of name. The TLS
// context for a listener is taken from contexts. A nil contexts is for binding
// only, in the privileged process, and leaves TLS unset.
func Listeners(static *config.Static, contexts map[string]*tlsctx.Context) ([]*Listener, error) {
	names := maps.Keys(static.Listeners)
	sort.Strings(names)
	var l []*Listener
	for _, name := range names {
		cl := static.Listeners[name]
		hostname := static.HostnameASCII
		if cl.HostnameASCII != "" {
			hostname = cl.HostnameASCII
		}
		var tlsc *tlsctx.Context
		implicit := cl.TLS != nil && cl.TLS.Implicit
		if cl.TLS != nil && contexts != nil {
			tlsc = contexts[name]
			if tlsc == nil {
				return nil, fmt.Errorf("listener %q: missing tls context", name)
			}
		}
		if cl.Path != "" {
			l = append(l, &Listener{
				Name:     name,
				Addr:     cl.Path,
				Family:   admission.FamilyLocal,
				Hostname: hostname,
				Proxy:    cl.ProxyProtocol,
				TLS:      tlsc,
				Implicit: implicit,
				key:      name + "/" + cl.Path,
				domain:   unix.AF_UNIX,
				sockaddr: &unix.SockaddrUnix{Name: cl.Path},
			})
			continue
		}
		defport := 25
		if cl.TLS != nil && cl.TLS.Implicit {
			defport = 465
		}
		port := config.Port(cl.Port, defport)
		for _, ip := range cl.IPs {
			xl, err := newListener(name, ip, port)
			if err != nil {
				return nil, err
			}
			xl.Hostname = hostname
			xl.Proxy = cl.ProxyProtocol
			xl.TLS = tlsc
			xl.Implicit = implicit
			l = append(l, xl)
		}
	}
	return l, nil
}

func newListener(name, ipstr string, port int) (*Listener, error) {
	ip := net.ParseIP(ipstr)
	if ip == nil {
		return nil, fmt.Errorf("listener %q: invalid ip %q", name, ipstr)
	}
	addr := net.JoinHostPort(ipstr, strconv.Itoa(port))
	l := &Listener{
		Name: name,
		Addr: addr,
		key:  name + "/" + addr,
	}
	if ip4 := ip.To4(); ip4 != nil {
		l.Family = admission.FamilyInet4
		l.domain = unix.AF_INET
		l.sockaddr = &unix.SockaddrInet4{Port: port, Addr: [4]byte(ip4)}
	} else {
		l.Family = admission.FamilyInet6
		l.domain = unix.AF_INET6
		l.sockaddr = &unix.SockaddrInet6{Port: port, Addr: [16]byte(ip.To16())}
	}
	return l, nil
}

// For creating sockets, replaced in tests.
var socket = unix.Socket

// BindAll binds the sockets of the listeners, or takes them from the
// privileged parent process. Listeners for an address family not supported by
// the system are skipped with a warning, and not in the returned list. The
// privileged parent registers them with front.SkipSocket, and the unprivileged
// child skips them as well. Any other error is returned and should be treated
// as fatal.
func BindAll(log mlog.Log, listeners []*Listener) ([]*Listener, error) {
	var bound []*Listener
	for _, l := range listeners {
		if f := front.PassedSocket(l.key); f != nil {
			l.sock = f
			bound = append(bound, l)
			continue
		}
		if front.SkippedSocket(l.key) {
			log.Error("address family not supported, skipping listener", slog.String("listener", l.Name), slog.String("addr", l.Addr))
			continue
		}
		if !front.Privileged() {
			return nil, fmt.Errorf("no socket passed for listener %q address %s", l.Name, l.Addr)
		}

		err := bind(l)
		if errors.Is(err, unix.EAFNOSUPPORT) {
			log.Errorx("address family not supported, skipping listener", err, slog.String("listener", l.Name), slog.String("addr", l.Addr))
			front.SkipSocket(l.key)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("listener %q address %s: %w", l.Name, l.Addr, err)
		}
		log.Print("bound socket for smtp", slog.String("listener", l.Name), slog.String("addr", l.Addr))
		bound = append(bound, l)
	}
	return bound, nil
}

// bind creates a socket for the listener and binds it. For port 0 the address
// of the listener is updated with the port chosen by the system.
func bind(l *Listener) (rerr error) {
	fd, err := socket(l.domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	defer func() {
		if rerr != nil {
			unix.Close(fd)
		}
	}()

	switch l.domain {
	case unix.AF_UNIX:
		// Remove a socket left behind by a previous instance.
		if fi, err := os.Lstat(l.Addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
			if err := os.Remove(l.Addr); err != nil {
				return fmt.Errorf("removing stale socket: %w", err)
			}
		}
	case unix.AF_INET6:
		// So "::" and "0.0.0.0" can both be bound.
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fmt.Errorf("setsockopt ipv6only: %w", err)
		}
		fallthrough
	default:
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("setsockopt reuseaddr: %w", err)
		}
	}

	if err := unix.Bind(fd, l.sockaddr); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if sa, err := unix.Getsockname(fd); err != nil {
		return fmt.Errorf("getsockname: %w", err)
	} else if a := sockaddrString(sa); a != "" {
		l.Addr = a
	}
	l.sock = os.NewFile(uintptr(fd), l.key)
	return nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return ""
}

// Register starts listening on the bound socket of l, and starts its accept
// loop. The listener is armed unless accepting is disabled or paused. An error
// should be treated as fatal.
func (s *Server) Register(l *Listener) error {
	if l.sock == nil {
		return fmt.Errorf("listener %q address %s: not bound", l.Name, l.Addr)
	}

	// The socket may be in blocking mode, e.g. when passed by the parent. A
	// nonblocking duplicate is registered with the runtime poller.
	fd, err := unix.FcntlInt(l.sock.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("listener %q: dup socket: %w", l.Name, err)
	}
	if err := l.sock.Close(); err != nil {
		s.log.Errorx("closing bound socket after dup", err)
	}
	l.sock = nil
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listener %q: set nonblocking: %w", l.Name, err)
	}
	if err := unix.Listen(fd, config.Backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listener %q address %s: listen: %w", l.Name, l.Addr, err)
	}
	f := os.NewFile(uintptr(fd), l.key)
	raw, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return fmt.Errorf("listener %q: raw conn: %w", l.Name, err)
	}

	s.Lock()
	defer s.Unlock()
	l.file = f
	l.raw = raw
	l.wake = make(chan struct{}, 1)
	l.done = make(chan struct{})
	s.listeners = append(s.listeners, l)
	if s.state.Accepting() {
		s.arm(l)
	} else {
		s.disarm(l)
	}
	s.log.Print("listening for smtp",
		slog.String("listener", l.Name),
		slog.String("addr", l.Addr),
		slog.String("family", l.Family),
		slog.Bool("tls", l.TLS != nil),
		slog.Bool("proxy", l.Proxy),
		slog.Bool("armed", l.armed))
	go s.serve(l)
	return nil
}

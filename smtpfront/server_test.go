package smtpfront

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/mjl-/smtpfront/admission"
	"github.com/mjl-/smtpfront/config"
	"github.com/mjl-/smtpfront/front-"
	"github.com/mjl-/smtpfront/mlog"
	"github.com/mjl-/smtpfront/proxyproto"
	"github.com/mjl-/smtpfront/tlsctx"
)

var pkglog = mlog.New("smtpfront", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func waitFor(t *testing.T, what string, fn func() bool) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// counter is a budget with a fixed maximum and unlimited live headroom.
type counter struct {
	max int
}

func (c *counter) CanAccept(active int) bool {
	return active < c.max
}

// testLayer is a session layer that keeps sessions until told to end them.
type testLayer struct {
	sync.Mutex
	sessions []*Session
	msgs     []Message
	reject   error
}

func (tl *testLayer) CreateSession(s *Session) error {
	tl.Lock()
	defer tl.Unlock()
	if tl.reject != nil {
		return tl.reject
	}
	tl.sessions = append(tl.sessions, s)
	return nil
}

func (tl *testLayer) CreateLocalSession(s *Session) error {
	return tl.CreateSession(s)
}

func (tl *testLayer) HandleMessage(msg Message) error {
	tl.Lock()
	defer tl.Unlock()
	tl.msgs = append(tl.msgs, msg)
	return nil
}

func (tl *testLayer) count() int {
	tl.Lock()
	defer tl.Unlock()
	return len(tl.sessions)
}

func (tl *testLayer) session(i int) *Session {
	tl.Lock()
	defer tl.Unlock()
	return tl.sessions[i]
}

func (tl *testLayer) close() {
	tl.Lock()
	defer tl.Unlock()
	for _, s := range tl.sessions {
		s.Conn.Close()
		s.End()
	}
}

type testServer struct {
	*Server
	layer *testLayer
	l     *Listener
}

func newTestServer(t *testing.T, max int, disabled, proxy bool) *testServer {
	t.Helper()
	state := admission.New(&counter{max}, disabled)
	layer := &testLayer{}
	s := NewServer(pkglog, state, layer, proxyproto.Decoder{})
	s.ProxyTimeout = 5 * time.Second
	s.fatal = func(msg string, err error, attrs ...slog.Attr) {
		t.Errorf("fatal: %s: %v", msg, err)
	}

	l, err := newListener("test", "127.0.0.1", 0)
	tcheck(t, err, "new listener")
	l.Proxy = proxy
	err = bind(l)
	tcheck(t, err, "bind")
	err = s.Register(l)
	tcheck(t, err, "register")

	t.Cleanup(func() {
		s.Close()
		layer.close()
	})
	return &testServer{s, layer, l}
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.l.Addr)
	tcheck(t, err, "dial")
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func (ts *testServer) armed() bool {
	ts.Lock()
	defer ts.Unlock()
	return ts.l.armed
}

func (ts *testServer) active() int {
	n, _ := ts.Counts()
	return n
}

// expectClosed reads from conn until EOF, the server closing the connection.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf, err := io.ReadAll(conn)
	if err != nil && !errors.Is(err, unix.ECONNRESET) {
		t.Fatalf("read until close: %v", err)
	}
	tcompare(t, len(buf), 0)
}

func TestExhaustion(t *testing.T) {
	ts := newTestServer(t, 3, false, false)

	for i := 0; i < 3; i++ {
		ts.dial(t)
	}
	waitFor(t, "three sessions", func() bool { return ts.layer.count() == 3 })
	tcompare(t, ts.active(), 3)
	tcompare(t, ts.armed(), true)

	// Fourth connection stays in the backlog, accepting is paused.
	ts.dial(t)
	waitFor(t, "exhaustion pause", func() bool {
		ts.Lock()
		defer ts.Unlock()
		return ts.state.PausedByExhaustion && !ts.l.armed
	})
	time.Sleep(50 * time.Millisecond)
	tcompare(t, ts.layer.count(), 3)
	tcompare(t, ts.active(), 3)

	// A session ends, accepting resumes and picks up the waiting connection.
	ts.layer.session(0).End()
	waitFor(t, "fourth session", func() bool { return ts.layer.count() == 4 })
	tcompare(t, ts.active(), 3)
	ts.Lock()
	tcompare(t, ts.state.PausedByExhaustion, false)
	ts.Unlock()

	_, families := ts.Counts()
	tcompare(t, families, map[string]int{admission.FamilyInet4: 3})
}

func TestPauseResume(t *testing.T) {
	ts := newTestServer(t, 10, false, false)

	// Round trip without accepts leaves the listener as it was.
	before := ts.armed()
	tcheck(t, ts.Pause(), "pause")
	tcompare(t, ts.armed(), false)
	tcheck(t, ts.Resume(), "resume")
	tcompare(t, ts.armed(), before)

	_, err := ts.Dispatch(Message{Type: MsgPause})
	tcheck(t, err, "dispatch pause")
	tcompare(t, ts.armed(), false)
	tcompare(t, ts.Pause(), admission.ErrAlreadyPaused)

	ts.dial(t)
	time.Sleep(100 * time.Millisecond)
	tcompare(t, ts.layer.count(), 0)
	tcompare(t, ts.active(), 0)

	_, err = ts.Dispatch(Message{Type: MsgResume})
	tcheck(t, err, "dispatch resume")
	waitFor(t, "session after resume", func() bool { return ts.layer.count() == 1 })
	tcompare(t, ts.armed(), true)

	_, err = ts.Dispatch(Message{Type: MsgResume})
	tcompare(t, err, admission.ErrNotPaused)
}

func TestAdminPauseWins(t *testing.T) {
	ts := newTestServer(t, 1, false, false)

	ts.dial(t)
	waitFor(t, "session", func() bool { return ts.layer.count() == 1 })
	ts.dial(t)
	waitFor(t, "exhaustion pause", func() bool { return !ts.armed() })

	tcheck(t, ts.Pause(), "pause")
	ts.layer.session(0).End()
	time.Sleep(50 * time.Millisecond)
	tcompare(t, ts.armed(), false)
	tcompare(t, ts.layer.count(), 1)

	tcheck(t, ts.Resume(), "resume")
	waitFor(t, "second session", func() bool { return ts.layer.count() == 2 })
}

func TestProxy(t *testing.T) {
	ts := newTestServer(t, 10, false, true)

	// Bad header, connection is dropped without a session.
	conn := ts.dial(t)
	_, err := conn.Write([]byte("EHLO localhost\r\n"))
	tcheck(t, err, "write")
	expectClosed(t, conn)
	waitFor(t, "release", func() bool { return ts.active() == 0 })
	tcompare(t, ts.layer.count(), 0)
	tcompare(t, ts.armed(), true)

	conn = ts.dial(t)
	_, err = conn.Write([]byte("PROXY TCP4 192.0.2.1 198.51.100.1 56324 25\r\n"))
	tcheck(t, err, "write")
	waitFor(t, "session", func() bool { return ts.layer.count() == 1 })
	sess := ts.layer.session(0)
	tcompare(t, sess.Peer.String(), "192.0.2.1:56324")
	if sess.Decoded == nil {
		t.Fatalf("missing decoded connection")
	}
	tcompare(t, ts.active(), 1)
}

// sessionsTotal returns the smtpfront_sessions_total counter for family.
func sessionsTotal(t *testing.T, family string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	tcheck(t, err, "gather metrics")
	for _, mf := range mfs {
		if mf.GetName() != "smtpfront_sessions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "family" && lp.GetValue() == family {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRejected(t *testing.T) {
	ts := newTestServer(t, 10, false, false)
	ts.layer.reject = errors.New("not now")
	before := sessionsTotal(t, admission.FamilyInet4)

	conn := ts.dial(t)
	expectClosed(t, conn)
	waitFor(t, "session end", func() bool { return ts.active() == 0 })
	_, families := ts.Counts()
	tcompare(t, families[admission.FamilyInet4], 0)
	tcompare(t, len(ts.Sessions()), 0)
	tcompare(t, sessionsTotal(t, admission.FamilyInet4), before)
	tcompare(t, ts.armed(), true)

	// Accepted sessions are counted.
	ts.layer.Lock()
	ts.layer.reject = nil
	ts.layer.Unlock()
	ts.dial(t)
	waitFor(t, "session", func() bool { return ts.layer.count() == 1 })
	tcompare(t, sessionsTotal(t, admission.FamilyInet4), before+1)
}

func TestZeroBudget(t *testing.T) {
	ts := newTestServer(t, 0, false, false)
	ts.Lock()
	tcompare(t, ts.state.PausedByExhaustion, true)
	ts.Unlock()
	tcompare(t, ts.armed(), false)

	ts.dial(t)
	time.Sleep(100 * time.Millisecond)
	tcompare(t, ts.layer.count(), 0)
	tcompare(t, ts.active(), 0)

	_, err := ts.Enqueue()
	tcompare(t, err, ErrNoBudget)
}

func TestDonePending(t *testing.T) {
	ts := newTestServer(t, 10, false, true)

	// Connection waiting for its PROXY header is not done.
	conn := ts.dial(t)
	waitFor(t, "reserved connection", func() bool { return ts.active() == 1 })
	done := ts.Done()
	select {
	case <-done:
		t.Fatalf("done while connection is being handed off")
	case <-time.After(100 * time.Millisecond):
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("not done after connection was dropped")
	}
	tcompare(t, ts.active(), 0)
}

func TestEnqueueFailureResumes(t *testing.T) {
	ts := newTestServer(t, 1, false, false)

	ts.dial(t)
	waitFor(t, "session", func() bool { return ts.layer.count() == 1 })
	ts.dial(t)
	waitFor(t, "exhaustion pause", func() bool { return !ts.armed() })

	// Headroom for another session, but making the local session fails.
	ts.Lock()
	ts.state.Budget = &counter{2}
	ts.Unlock()
	socketpair = func(domain, typ, proto int) ([2]int, error) {
		return [2]int{-1, -1}, unix.EMFILE
	}
	defer func() {
		socketpair = unix.Socketpair
	}()
	_, err := ts.Enqueue()
	if !errors.Is(err, unix.EMFILE) {
		t.Fatalf("got err %v, expected %v", err, unix.EMFILE)
	}

	// Accepting resumed, the waiting connection becomes a session.
	waitFor(t, "second session", func() bool { return ts.layer.count() == 2 })
	_, families := ts.Counts()
	tcompare(t, families[admission.FamilyLocal], 0)
}

func TestEnqueue(t *testing.T) {
	ts := newTestServer(t, 2, false, false)

	tcheck(t, ts.Pause(), "pause")
	_, err := ts.Enqueue()
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("enqueue while paused, got err %v, expected %v", err, ErrPaused)
	}
	_, err = ts.Dispatch(Message{Type: MsgQueueSession})
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("dispatch enqueue while paused, got err %v, expected %v", err, ErrPaused)
	}
	tcompare(t, ts.active(), 0)
	tcheck(t, ts.Resume(), "resume")

	reply, err := ts.Dispatch(Message{Type: MsgCtlSession})
	tcheck(t, err, "enqueue")
	defer reply.File.Close()
	tcompare(t, ts.layer.count(), 1)
	sess := ts.layer.session(0)
	tcompare(t, sess.Local, true)
	tcompare(t, sess.Family, admission.FamilyLocal)

	_, err = reply.File.Write([]byte("EHLO\r\n"))
	tcheck(t, err, "write to local session")
	buf := make([]byte, 6)
	_, err = io.ReadFull(sess.Conn, buf)
	tcheck(t, err, "read in local session")
	tcompare(t, string(buf), "EHLO\r\n")

	infos := ts.Sessions()
	tcompare(t, len(infos), 1)
	tcompare(t, infos[0].Listener, "local")
	tcompare(t, infos[0].Local, true)

	// Second local session fills the budget.
	f, err := ts.Enqueue()
	tcheck(t, err, "second enqueue")
	defer f.Close()
	_, err = ts.Enqueue()
	if !errors.Is(err, ErrNoBudget) {
		t.Fatalf("enqueue without budget, got err %v, expected %v", err, ErrNoBudget)
	}

	sess.End()
	sess.End()
	tcompare(t, ts.active(), 1)
}

func TestDisabled(t *testing.T) {
	ts := newTestServer(t, 10, true, false)
	tcompare(t, ts.armed(), false)

	_, err := ts.Enqueue()
	if !errors.Is(err, ErrPaused) {
		t.Fatalf("enqueue while disabled, got err %v, expected %v", err, ErrPaused)
	}
	ts.dial(t)
	time.Sleep(100 * time.Millisecond)
	tcompare(t, ts.layer.count(), 0)
}

func TestDispatch(t *testing.T) {
	ts := newTestServer(t, 10, false, false)

	msg := Message{Type: MsgCheckSender, Session: 1, Payload: []byte("mjl@example.org")}
	_, err := ts.Dispatch(msg)
	tcheck(t, err, "dispatch protocol message")
	for _, typ := range []MsgType{MsgExpandRcpt, MsgLookupHelo, MsgAuthenticate, MsgFilterProtocol, MsgFilterDataBegin, MsgMessageCommit, MsgMessageCreate, MsgMessageOpen, MsgEnvelopeSubmit, MsgEnvelopeCommit} {
		_, err := ts.Dispatch(Message{Type: typ})
		tcheck(t, err, "dispatch "+string(typ))
	}
	ts.layer.Lock()
	tcompare(t, len(ts.layer.msgs), 11)
	tcompare(t, ts.layer.msgs[0], msg)
	ts.layer.Unlock()

	_, err = ts.Dispatch(Message{Type: "bogus"})
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("got err %v, expected %v", err, ErrUnexpectedMessage)
	}

	ts.dial(t)
	waitFor(t, "session", func() bool { return ts.layer.count() == 1 })
	reply, err := ts.Dispatch(Message{Type: MsgSessions})
	tcheck(t, err, "dispatch sessions")
	tcompare(t, len(reply.Sessions), 1)
	tcompare(t, reply.Sessions[0].Listener, "test")
	tcompare(t, reply.Sessions[0].Family, admission.FamilyInet4)
	if !strings.HasPrefix(reply.Sessions[0].Peer, "127.0.0.1:") {
		t.Fatalf("unexpected peer %q", reply.Sessions[0].Peer)
	}
}

func TestListeners(t *testing.T) {
	static := &config.Static{
		HostnameASCII: "mail.example.org",
		Listeners: map[string]config.Listener{
			"public": {
				IPs:           []string{"127.0.0.1", "::1"},
				ProxyProtocol: true,
			},
			"smtps": {
				IPs:           []string{"127.0.0.1"},
				HostnameASCII: "smtps.example.org",
				TLS:           &config.ListenerTLS{Implicit: true},
			},
			"socket": {
				Path: "/var/run/smtpfront/smtp.sock",
			},
		},
	}
	tlsc := &tlsctx.Context{Listener: "smtps", PKI: "*"}
	l, err := Listeners(static, map[string]*tlsctx.Context{"smtps": tlsc})
	tcheck(t, err, "listeners")
	tcompare(t, len(l), 4)

	tcompare(t, l[0].Addr, "127.0.0.1:25")
	tcompare(t, l[0].Family, admission.FamilyInet4)
	tcompare(t, l[0].Key(), "public/127.0.0.1:25")
	tcompare(t, l[0].Proxy, true)
	tcompare(t, l[0].Hostname, "mail.example.org")
	tcompare(t, l[1].Addr, "[::1]:25")
	tcompare(t, l[1].Family, admission.FamilyInet6)
	tcompare(t, l[2].Addr, "127.0.0.1:465")
	tcompare(t, l[2].TLS, tlsc)
	tcompare(t, l[2].Implicit, true)
	tcompare(t, l[2].Hostname, "smtps.example.org")
	tcompare(t, l[3].Family, admission.FamilyLocal)
	tcompare(t, l[3].Addr, "/var/run/smtpfront/smtp.sock")

	// Binding only.
	l, err = Listeners(static, nil)
	tcheck(t, err, "listeners for binding")
	tcompare(t, l[2].Key(), "smtps/127.0.0.1:465")
	if l[2].TLS != nil {
		t.Fatalf("tls context for binding only")
	}

	// A TLS listener never becomes a plain listener.
	_, err = Listeners(static, map[string]*tlsctx.Context{})
	if err == nil {
		t.Fatalf("expected error for missing tls context")
	}

	static.Listeners["bad"] = config.Listener{IPs: []string{"localhost"}}
	_, err = Listeners(static, map[string]*tlsctx.Context{"smtps": tlsc})
	if err == nil {
		t.Fatalf("expected error for invalid ip")
	}
}

func TestBindAll(t *testing.T) {
	front.ListenImmediate = true
	defer func() {
		front.ListenImmediate = false
	}()

	inet, err := newListener("inet", "127.0.0.1", 0)
	tcheck(t, err, "new listener")
	sockPath := filepath.Join(t.TempDir(), "smtp.sock")
	local := &Listener{
		Name:     "local",
		Addr:     sockPath,
		Family:   admission.FamilyLocal,
		key:      "local/" + sockPath,
		domain:   unix.AF_UNIX,
		sockaddr: &unix.SockaddrUnix{Name: sockPath},
	}

	bound, err := BindAll(pkglog, []*Listener{inet, local})
	tcheck(t, err, "bind all")
	tcompare(t, len(bound), 2)
	if strings.HasSuffix(inet.Addr, ":0") {
		t.Fatalf("address not updated after bind, %s", inet.Addr)
	}
	if inet.File() == nil || local.File() == nil {
		t.Fatalf("missing bound socket")
	}
	fi, err := os.Stat(sockPath)
	tcheck(t, err, "stat unix socket")
	if fi.Mode()&os.ModeSocket == 0 {
		t.Fatalf("not a socket: %s", fi.Mode())
	}

	// Stale unix domain socket is replaced.
	local.File().Close()
	local.sock = nil
	bound, err = BindAll(pkglog, []*Listener{local})
	tcheck(t, err, "bind with stale socket")
	tcompare(t, len(bound), 1)
	local.File().Close()

	// Address in use.
	_, port, err := net.SplitHostPort(inet.Addr)
	tcheck(t, err, "parse address")
	nport, err := strconv.Atoi(port)
	tcheck(t, err, "parse port")
	other, err := newListener("other", "127.0.0.1", nport)
	tcheck(t, err, "new listener")
	state := admission.New(&counter{10}, false)
	s := NewServer(pkglog, state, &testLayer{}, nil)
	tcheck(t, s.Register(inet), "register")
	defer s.Close()
	_, err = BindAll(pkglog, []*Listener{other})
	if err == nil {
		t.Fatalf("expected error binding address in use")
	}
}

func TestBindUnsupportedFamily(t *testing.T) {
	front.ListenImmediate = true
	socket = func(domain, typ, proto int) (int, error) {
		if domain == unix.AF_INET6 {
			return -1, unix.EAFNOSUPPORT
		}
		return unix.Socket(domain, typ, proto)
	}
	defer func() {
		front.ListenImmediate = false
		socket = unix.Socket
	}()

	// Privileged process skips the listener, and binds the others.
	v4, err := newListener("ok", "127.0.0.1", 0)
	tcheck(t, err, "new listener")
	v6, err := newListener("v6", "::1", 0)
	tcheck(t, err, "new listener")
	bound, err := BindAll(pkglog, []*Listener{v4, v6})
	tcheck(t, err, "bind all")
	tcompare(t, len(bound), 1)
	tcompare(t, bound[0], v4)
	tcheck(t, front.PassSocket(v4.Key(), v4.File()), "pass socket")

	// Unprivileged process gets the bound socket, skips the same listener, and
	// creates no sockets.
	front.ListenImmediate = false
	socket = func(domain, typ, proto int) (int, error) {
		return -1, unix.EPERM
	}
	c4, err := newListener("ok", "127.0.0.1", 0)
	tcheck(t, err, "new listener")
	c6, err := newListener("v6", "::1", 0)
	tcheck(t, err, "new listener")
	bound, err = BindAll(pkglog, []*Listener{c4, c6})
	tcheck(t, err, "bind all in unprivileged process")
	tcompare(t, len(bound), 1)
	tcompare(t, bound[0], c4)

	// A socket that was neither passed nor skipped is an error.
	missing, err := newListener("missing", "127.0.0.1", 0)
	tcheck(t, err, "new listener")
	_, err = BindAll(pkglog, []*Listener{missing})
	if err == nil {
		t.Fatalf("expected error for listener without socket")
	}

	// Startup continues with the remaining listener.
	layer := &testLayer{}
	s := NewServer(pkglog, admission.New(&counter{10}, false), layer, nil)
	tcheck(t, s.Register(c4), "register")
	defer func() {
		s.Close()
		layer.close()
	}()
	conn, err := net.Dial("tcp", v4.Addr)
	tcheck(t, err, "dial")
	defer conn.Close()
	waitFor(t, "session", func() bool { return layer.count() == 1 })
}

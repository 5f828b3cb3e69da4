package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/sys/unix"

	"github.com/mjl-/smtpfront/front-"
	"github.com/mjl-/smtpfront/metrics"
	"github.com/mjl-/smtpfront/mlog"
	"github.com/mjl-/smtpfront/smtpfront"
)

// ctl represents a connection to the ctl unix domain socket of a running smtpfront instance.
// ctl provides functions to read/write commands/responses/data streams.
type ctl struct {
	cmd  string // Set for server-side of commands.
	conn net.Conn
	r    *bufio.Reader // Set for first reader.
	x    any           // If set, errors are handled by calling panic(x) instead of log.Fatal.
	log  mlog.Log      // If set, along with x, logging is done here.
}

// xctl opens a ctl connection.
func xctl() *ctl {
	p := front.DataDirPath("ctl")
	conn, err := net.Dial("unix", p)
	if err != nil {
		log.Fatalf("connecting to control socket at %q: %v", p, err)
	}
	ctl := &ctl{conn: conn}
	version := ctl.xread()
	if version != "ctlv0" {
		log.Fatalf("ctl protocol mismatch, got %q, expected ctlv0", version)
	}
	return ctl
}

// Interpret msg as an error.
// If ctl.x is set, the string is also written to the ctl to be interpreted as error by the other party.
func (c *ctl) xerror(msg string) {
	if c.x == nil {
		log.Fatalln(msg)
	}
	c.log.Debugx("ctl error", fmt.Errorf("%s", msg), slog.String("cmd", c.cmd))
	c.xwrite(msg)
	panic(c.x)
}

// Check if err is not nil. If so, handle error through ctl.x or log.Fatal. If
// ctl.x is set, the error string is written to ctl, to be interpreted as an error
// by the command reading from ctl.
func (c *ctl) xcheck(err error, msg string) {
	if err == nil {
		return
	}
	if c.x == nil {
		log.Fatalf("%s: %s", msg, err)
	}
	c.log.Debugx(msg, err, slog.String("cmd", c.cmd))
	fmt.Fprintf(c.conn, "%s: %s\n", msg, err)
	panic(c.x)
}

// Read a line and return it without trailing newline.
func (c *ctl) xread() string {
	if c.r == nil {
		c.r = bufio.NewReader(c.conn)
	}
	line, err := c.r.ReadString('\n')
	c.xcheck(err, "read from ctl")
	return strings.TrimSuffix(line, "\n")
}

// Read a line. If not "ok", the string is interpreted as an error.
func (c *ctl) xreadok() {
	line := c.xread()
	if line != "ok" {
		c.xerror(line)
	}
}

// Write a string, typically a command or parameter.
func (c *ctl) xwrite(text string) {
	_, err := fmt.Fprintln(c.conn, text)
	c.xcheck(err, "write")
}

// Write "ok" to indicate success.
func (c *ctl) xwriteok() {
	c.xwrite("ok")
}

// Copy data from a stream from ctl to dst.
func (c *ctl) xstreamto(dst io.Writer) {
	_, err := io.Copy(dst, c.reader())
	c.xcheck(err, "reading stream")
}

// Copy data from src to a stream to ctl.
func (c *ctl) xstreamfrom(src io.Reader) {
	xw := c.writer()
	_, err := io.Copy(xw, src)
	c.xcheck(err, "copying")
	xw.xclose()
}

// Write "ok" along with a file descriptor. Only possible on unix domain sockets.
func (c *ctl) xwriteokfd(f *os.File) {
	uc, ok := c.conn.(*net.UnixConn)
	if !ok {
		c.xerror("cannot pass file descriptor over this connection")
	}
	_, _, err := uc.WriteMsgUnix([]byte("ok\n"), unix.UnixRights(int(f.Fd())), nil)
	c.xcheck(err, "writing file descriptor")
}

// Read "ok" along with a file descriptor. Anything else is interpreted as an
// error. The buffered reader must not hold data, the protocol guarantees the
// line with the file descriptor is the first data after our command.
func (c *ctl) xreadokfd() *os.File {
	uc, ok := c.conn.(*net.UnixConn)
	if !ok {
		c.xerror("cannot receive file descriptor over this connection")
	}
	if c.r != nil && c.r.Buffered() > 0 {
		c.xerror("unexpected buffered data before file descriptor")
	}
	buf := make([]byte, 512)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	c.xcheck(err, "reading file descriptor")
	line := strings.TrimSuffix(string(buf[:n]), "\n")
	var fds []int
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		c.xcheck(err, "parsing control message")
		for _, m := range msgs {
			l, err := unix.ParseUnixRights(&m)
			c.xcheck(err, "parsing unix rights")
			fds = append(fds, l...)
		}
	}
	if line != "ok" || len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		if line == "ok" {
			line = fmt.Sprintf("expected 1 file descriptor, got %d", len(fds))
		}
		c.xerror(line)
	}
	return os.NewFile(uintptr(fds[0]), "session")
}

// Writer returns an io.Writer for a data stream to ctl.
// When done writing, caller must call xclose to signal the end of the stream.
// Behaviour of "x" is copied from ctl.
func (c *ctl) writer() *ctlwriter {
	return &ctlwriter{cmd: c.cmd, conn: c.conn, x: c.x, log: c.log}
}

// Reader returns an io.Reader for a data stream from ctl.
// Behaviour of "x" is copied from ctl.
func (c *ctl) reader() *ctlreader {
	if c.r == nil {
		c.r = bufio.NewReader(c.conn)
	}
	return &ctlreader{cmd: c.cmd, conn: c.conn, r: c.r, x: c.x, log: c.log}
}

/*
Ctlwriter and ctlreader implement the writing and reading a data stream. They
implement the io.Writer and io.Reader interface. In the protocol below each
non-data message ends with a newline that is typically stripped when
interpreting.

Zero or more data transactions:

	> "123" (for data size) or an error message
	> data, 123 bytes
	< "ok" or an error message

Followed by a end of stream indicated by zero data bytes message:

	> "0"
*/

type ctlwriter struct {
	cmd  string   // Set for server-side of commands.
	conn net.Conn // Ctl socket from which messages are read.
	buf  []byte   // Scratch buffer, for reading response.
	x    any      // If not nil, errors in Write and xcheckf are handled with panic(x), otherwise with a log.Fatal.
	log  mlog.Log
}

// Write implements io.Writer. Errors other than EOF are handled through behaviour
// for s.x, either a panic or log.Fatal.
func (s *ctlwriter) Write(buf []byte) (int, error) {
	_, err := fmt.Fprintf(s.conn, "%d\n", len(buf))
	s.xcheck(err, "write count")
	_, err = s.conn.Write(buf)
	s.xcheck(err, "write data")
	if s.buf == nil {
		s.buf = make([]byte, 512)
	}
	n, err := s.conn.Read(s.buf)
	s.xcheck(err, "reading response to write")
	line := strings.TrimSuffix(string(s.buf[:n]), "\n")
	if line != "ok" {
		s.xerror(line)
	}
	return len(buf), nil
}

func (s *ctlwriter) xerror(msg string) {
	if s.x == nil {
		log.Fatalln(msg)
	} else {
		s.log.Debugx("error", fmt.Errorf("%s", msg), slog.String("cmd", s.cmd))
		panic(s.x)
	}
}

func (s *ctlwriter) xcheck(err error, msg string) {
	if err == nil {
		return
	}
	if s.x == nil {
		log.Fatalf("%s: %s", msg, err)
	} else {
		s.log.Debugx(msg, err, slog.String("cmd", s.cmd))
		panic(s.x)
	}
}

func (s *ctlwriter) xclose() {
	_, err := fmt.Fprintf(s.conn, "0\n")
	s.xcheck(err, "write eof")
}

type ctlreader struct {
	cmd      string        // Set for server-side of command.
	conn     net.Conn      // For writing "ok" after reading.
	r        *bufio.Reader // Buffered ctl socket.
	err      error         // If set, returned for each read. can also be io.EOF.
	npending int           // Number of bytes that can still be read until a new count line must be read.
	x        any           // If set, errors are handled with panic(x) instead of log.Fatal.
	log      mlog.Log      // If x is set, logging goes to log.
}

// Read implements io.Reader. Errors other than EOF are handled through behaviour
// for s.x, either a panic or log.Fatal.
func (s *ctlreader) Read(buf []byte) (N int, Err error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.npending == 0 {
		line, err := s.r.ReadString('\n')
		s.xcheck(err, "reading count")
		line = strings.TrimSuffix(line, "\n")
		n, err := strconv.ParseInt(line, 10, 32)
		if err != nil {
			s.xerror(line)
		}
		if n == 0 {
			s.err = io.EOF
			return 0, s.err
		}
		s.npending = int(n)
	}
	rn := min(len(buf), s.npending)
	n, err := s.r.Read(buf[:rn])
	s.xcheck(err, "read from ctl")
	s.npending -= n
	if s.npending == 0 {
		_, err = fmt.Fprintln(s.conn, "ok")
		s.xcheck(err, "writing ok after reading")
	}
	return n, err
}

func (s *ctlreader) xerror(msg string) {
	if s.x == nil {
		log.Fatalln(msg)
	} else {
		s.log.Debugx("error", fmt.Errorf("%s", msg), slog.String("cmd", s.cmd))
		panic(s.x)
	}
}

func (s *ctlreader) xcheck(err error, msg string) {
	if err == nil {
		return
	}
	if s.x == nil {
		log.Fatalf("%s: %s", msg, err)
	} else {
		s.log.Debugx(msg, err, slog.String("cmd", s.cmd))
		panic(s.x)
	}
}

// servectl handles requests on the unix domain socket "ctl", e.g. for graceful
// shutdown, pausing smtp and local sessions.
func servectl(ctx context.Context, log mlog.Log, conn net.Conn, srv *smtpfront.Server, shutdown func()) {
	log.Debug("ctl connection")

	var stop = struct{}{} // Sentinel value for panic and recover.
	xctl := &ctl{conn: conn, x: stop, log: log}
	defer func() {
		x := recover()
		if x == nil || x == stop {
			return
		}
		log.Error("servectl panic", slog.Any("err", x), slog.String("cmd", xctl.cmd))
		debug.PrintStack()
		metrics.PanicInc(metrics.Ctl)
	}()

	defer func() {
		err := conn.Close()
		log.Check(err, "close ctl connection")
	}()

	xctl.xwrite("ctlv0")
	for {
		servectlcmd(ctx, xctl, srv, shutdown)
	}
}

func servectlcmd(ctx context.Context, xctl *ctl, srv *smtpfront.Server, shutdown func()) {
	log := xctl.log
	cmd := xctl.xread()
	xctl.cmd = cmd
	log.Info("ctl command", slog.String("cmd", cmd))
	switch cmd {
	case "stop":
		shutdown()
		os.Exit(0)

	case "pause", "resume":
		/* protocol:
		> "pause" or "resume"
		< "ok" or error
		*/
		t := smtpfront.MsgPause
		if cmd == "resume" {
			t = smtpfront.MsgResume
		}
		_, err := srv.Dispatch(smtpfront.Message{Type: t})
		xctl.xcheck(err, cmd)
		xctl.xwriteok()

	case "sessions":
		/* protocol:
		> "sessions"
		< "ok"
		< stream
		*/
		reply, err := srv.Dispatch(smtpfront.Message{Type: smtpfront.MsgSessions})
		xctl.xcheck(err, "listing sessions")
		xctl.xwriteok()
		var b strings.Builder
		now := time.Now()
		for _, si := range reply.Sessions {
			fmt.Fprintf(&b, "%x\t%s\t%s\t%s\t%s\n", si.ID, si.Listener, si.Family, si.Peer, now.Sub(si.Start).Round(time.Second))
		}
		active, families := srv.Counts()
		fmt.Fprintf(&b, "active %d", active)
		for _, k := range sortedKeys(families) {
			fmt.Fprintf(&b, ", %s %d", k, families[k])
		}
		b.WriteString("\n")
		xctl.xstreamfrom(strings.NewReader(b.String()))

	case "enqueue":
		/* protocol:
		> "enqueue"
		< "ok" with file descriptor of session, or error
		*/
		reply, err := srv.Dispatch(smtpfront.Message{Type: smtpfront.MsgCtlSession})
		xctl.xcheck(err, "enqueue")
		defer func() {
			err := reply.File.Close()
			log.Check(err, "closing our end of local session")
		}()
		xctl.xwriteokfd(reply.File)

	case "loglevels":
		/* protocol:
		> "loglevels"
		< "ok"
		< stream
		*/
		xctl.xwriteok()
		l := front.Conf.LogLevels()
		keys := maps.Keys(l)
		slices.Sort(keys)
		s := ""
		for _, k := range keys {
			ks := k
			if ks == "" {
				ks = "(default)"
			}
			s += ks + ": " + mlog.LevelStrings[l[k]] + "\n"
		}
		xctl.xstreamfrom(strings.NewReader(s))

	case "setloglevels":
		/* protocol:
		> "setloglevels"
		> pkg
		> level (if empty, log level for pkg will be unset)
		< "ok" or error
		*/
		pkg := xctl.xread()
		levelstr := xctl.xread()
		if levelstr == "" {
			front.Conf.LogLevelRemove(log, pkg)
		} else {
			level, ok := mlog.Levels[levelstr]
			if !ok {
				xctl.xerror("bad level")
			}
			front.Conf.LogLevelSet(log, pkg, level)
		}
		xctl.xwriteok()

	default:
		log.Info("unrecognized command", slog.String("cmd", cmd))
		xctl.xwrite("unrecognized command")
		return
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

func ctlcmdPause(ctl *ctl) {
	ctl.xwrite("pause")
	ctl.xreadok()
}

func ctlcmdResume(ctl *ctl) {
	ctl.xwrite("resume")
	ctl.xreadok()
}

func ctlcmdSessions(ctl *ctl, w io.Writer) {
	ctl.xwrite("sessions")
	ctl.xreadok()
	ctl.xstreamto(w)
}

func ctlcmdEnqueue(ctl *ctl) *os.File {
	ctl.xwrite("enqueue")
	return ctl.xreadokfd()
}

func ctlcmdLoglevels(ctl *ctl, w io.Writer) {
	ctl.xwrite("loglevels")
	ctl.xreadok()
	ctl.xstreamto(w)
}

func ctlcmdSetLoglevels(ctl *ctl, pkg, level string) {
	ctl.xwrite("setloglevels")
	ctl.xwrite(pkg)
	ctl.xwrite(level)
	ctl.xreadok()
}

func cmdStop(c *cmd) {
	c.help = `Shut smtpfront down, giving sessions maximum 3 seconds to stop before closing them.

Listeners are closed immediately. Existing sessions get a 3 second period to
finish before their connections get an immediate deadline.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	xctl := xctl()
	xctl.xwrite("stop")
	// Read will hang until remote has shut down.
	buf := make([]byte, 128)
	n, err := xctl.conn.Read(buf)
	if err == nil {
		log.Fatalf("expected eof after graceful shutdown, got data %q", buf[:n])
	} else if err != io.EOF {
		log.Fatalf("expected eof after graceful shutdown, got error %v", err)
	}
	fmt.Println("smtpfront stopped")
}

func cmdPause(c *cmd) {
	c.help = `Pause accepting SMTP connections and local sessions.

Listening sockets stay open, new connections wait in the backlog. Existing
sessions are not affected. Accepting continues after "smtpfront resume".
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdPause(xctl())
	fmt.Println("smtp paused")
}

func cmdResume(c *cmd) {
	c.help = `Resume accepting SMTP connections after "smtpfront pause".

If no file descriptors are available, accepting resumes automatically when
sessions end.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdResume(xctl())
	fmt.Println("smtp resumed")
}

func cmdSessions(c *cmd) {
	c.help = `List active sessions.

For each session, its id, listener, address family, peer and age are printed,
followed by the active session counts.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdSessions(xctl(), os.Stdout)
}

func cmdEnqueue(c *cmd) {
	c.help = `Start a local SMTP session, connected to stdin and stdout.

The session is handled like a connection from a listener, but is not subject to
network access. It is refused while smtp is disabled or paused, and when no
file descriptors are available.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	f := ctlcmdEnqueue(xctl())
	conn, err := net.FileConn(f)
	xcheckf(err, "connection for local session")
	f.Close()

	done := make(chan struct{})
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("reading from session: %v", err)
		}
		close(done)
	}()
	_, err = io.Copy(conn, os.Stdin)
	xcheckf(err, "writing to session")
	if uc, ok := conn.(*net.UnixConn); ok {
		err := uc.CloseWrite()
		xcheckf(err, "closing session for writing")
	}
	<-done
	conn.Close()
}

func cmdLoglevels(c *cmd) {
	c.help = `Print the log levels.

By default, a single log level applies to all logging in smtpfront. But for
each "pkg", an overriding log level can be configured. Examples of packages:
smtpfront, admission, fdbudget, keyproxy, tlsctx, proxyproto.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	ctlcmdLoglevels(xctl(), os.Stdout)
}

func cmdSetLoglevels(c *cmd) {
	c.params = "[level [pkg]]"
	c.help = `Set a new default log level, or a level for the given package.

Specify a pkg and an empty level to clear the configured level for a package.

Valid labels: error, info, debug, trace.
`
	args := c.Parse()
	if len(args) < 1 || len(args) > 2 {
		c.Usage()
	}
	mustLoadConfig()

	var pkg string
	if len(args) == 2 {
		pkg = args[1]
	}
	ctlcmdSetLoglevels(xctl(), pkg, args[0])
}

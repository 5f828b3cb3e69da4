//go:build unix

package main

import (
	"context"
	"crypto"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/mjl-/smtpfront/admission"
	"github.com/mjl-/smtpfront/fdbudget"
	"github.com/mjl-/smtpfront/front-"
	"github.com/mjl-/smtpfront/keyproxy"
	"github.com/mjl-/smtpfront/metrics"
	"github.com/mjl-/smtpfront/mlog"
	"github.com/mjl-/smtpfront/proxyproto"
	"github.com/mjl-/smtpfront/smtpfront"
	"github.com/mjl-/smtpfront/tlsctx"
)

func cmdServe(c *cmd) {
	c.help = `Start smtpfront, accepting SMTP connections on the configured listeners.

When started as root, all listening sockets are bound, and smtpfront is started
again as the unprivileged user, with the bound sockets passed in. The root
process keeps the private keys of the PKIs, and signs TLS handshakes on behalf
of the unprivileged process.

With -nofork, sockets are bound and keys are held by a single unprivileged
process. Only for testing and development.
`
	c.flag.BoolVar(&front.ListenImmediate, "nofork", false, "run as a single process, binding sockets and holding private keys itself")
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	// Set debug logging until config is fully loaded.
	mlog.Logfmt = true
	front.Conf.Log[""] = mlog.LevelDebug
	mlog.SetConfig(front.Conf.Log)

	log := c.log

	var kpconn net.Conn
	if os.Getuid() == 0 && !front.ListenImmediate {
		front.MustLoadConfig(true)

		// No need to potentially start and keep multiple processes. As root, we just need
		// to start the child process and sign for it.
		runtime.GOMAXPROCS(1)

		conf, err := filepath.Abs(front.ConfigStaticPath)
		log.Check(err, "finding absolute smtpfront.conf path")
		log.Print("starting as root, binding smtp listeners",
			slog.String("version", version),
			slog.Any("pid", os.Getpid()),
			slog.String("config", conf))
		if os.Getenv("SMTPFRONT_SOCKETS") != "" || os.Getenv("SMTPFRONT_SKIPPED") != "" || os.Getenv("SMTPFRONT_KEYPROXY") != "" {
			log.Fatal("refusing to start as root with $SMTPFRONT_SOCKETS, $SMTPFRONT_SKIPPED or $SMTPFRONT_KEYPROXY set")
		}

		listeners, err := smtpfront.Listeners(&front.Conf.Static, nil)
		if err != nil {
			log.Fatalx("listeners", err)
		}
		bound, err := smtpfront.BindAll(log, listeners)
		if err != nil {
			log.Fatalx("binding listeners", err)
		}
		for _, l := range bound {
			if err := front.PassSocket(l.Key(), l.File()); err != nil {
				log.Fatalx("passing socket", err)
			}
		}

		child := startKeyProxy(log)
		front.ForkExecUnprivileged(child)
		panic("cannot happen")
	} else if front.ListenImmediate {
		front.MustLoadConfig(true)
		log.Print("starting as single process",
			slog.String("version", version),
			slog.Any("pid", os.Getpid()))
		child := startKeyProxy(log)
		var err error
		kpconn, err = net.FileConn(child)
		if err != nil {
			log.Fatalx("key proxy connection", err)
		}
		child.Close()
	} else {
		front.RestorePassedFiles()
		front.MustLoadConfig(false)
		log.Print("starting as unprivileged user",
			slog.String("user", front.Conf.Static.User),
			slog.Any("uid", front.Conf.Static.UID),
			slog.Any("gid", front.Conf.Static.GID),
			slog.Any("pid", os.Getpid()))
		f := front.PassedKeyProxy()
		var err error
		kpconn, err = net.FileConn(f)
		if err != nil {
			log.Fatalx("key proxy connection", err)
		}
		f.Close()
	}

	syscall.Umask(syscall.Umask(007) | 007)

	srv, err := start(log, kpconn)
	if err != nil {
		log.Fatalx("start", err)
	}
	log.Print("ready to serve")

	if addr := front.Conf.Static.MetricsHTTP; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalx("listen for metrics", err, slog.String("addr", addr))
		}
		log.Print("serving metrics", slog.String("addr", addr))
		metrics.Serve(ln)
	}

	// The ctl socket is removed before listening, it may not have been cleaned up
	// after an unexpected shutdown. Only done after binding the smtp sockets, an
	// already running instance would have made that fail.
	ctlpath := front.DataDirPath("ctl")
	_ = os.Remove(ctlpath)
	ctl, err := net.Listen("unix", ctlpath)
	if err != nil {
		log.Fatalx("listen on ctl unix domain socket", err)
	}
	go func() {
		for {
			conn, err := ctl.Accept()
			if err != nil {
				log.Printx("accept for ctl", err)
				continue
			}
			cid := front.Cid()
			ctx := context.WithValue(front.Context, mlog.CidKey, cid)
			go servectl(ctx, log.WithCid(cid), conn, srv, func() { shutdown(log, srv) })
		}
	}()

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for existing sessions", slog.Any("signal", sig))
	shutdown(log, srv)
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}

// startKeyProxy starts serving the private keys of the PKIs on one end of a
// new socketpair. The other end is returned, for the process holding the TLS
// contexts.
func startKeyProxy(log mlog.Log) *os.File {
	server, client, err := keyproxy.Socketpair()
	if err != nil {
		log.Fatalx("key proxy socketpair", err)
	}
	conn, err := net.FileConn(server)
	if err != nil {
		log.Fatalx("key proxy server connection", err)
	}
	server.Close()

	var keys []crypto.Signer
	for _, name := range sortedKeys(front.Conf.Static.PKIs) {
		keys = append(keys, front.Conf.Static.PKIs[name].Key)
	}
	s := keyproxy.NewServer(log.WithPkg("keyproxy"), keys)
	go s.Serve(conn)
	return client
}

// start provisions the TLS contexts, registers the listeners and starts
// accepting.
func start(log mlog.Log, kpconn net.Conn) (*smtpfront.Server, error) {
	static := &front.Conf.Static

	client := keyproxy.NewClient(kpconn)
	ctx, cancel := context.WithTimeout(front.Context, time.Minute)
	contexts, err := tlsctx.Provision(ctx, log.WithPkg("tlsctx"), static, client)
	cancel()
	if err != nil {
		return nil, err
	}

	listeners, err := smtpfront.Listeners(static, contexts)
	if err != nil {
		return nil, err
	}
	bound, err := smtpfront.BindAll(log, listeners)
	if err != nil {
		return nil, err
	}
	front.CleanupPassedFiles()

	budget := fdbudget.New(fdbudget.OSProbe{})
	max, err := budget.Compute()
	if err != nil {
		return nil, err
	}
	if max == 0 {
		log.Error("no file descriptors available for sessions, raise the open files limit, accepting is paused")
	}
	log.Print("descriptor budget", slog.Int("maxsessions", max))
	if static.SMTPDisabled {
		log.Print("smtp disabled in config, not accepting connections")
	}

	state := admission.New(budget, static.SMTPDisabled)
	layer := newStubLayer(mlog.New("session", nil), static.HostnameASCII)
	srv := smtpfront.NewServer(log.WithPkg("smtpfront"), state, layer, proxyproto.Decoder{Timeout: 30 * time.Second})
	for _, l := range bound {
		if err := srv.Register(l); err != nil {
			return nil, err
		}
	}
	return srv, nil
}

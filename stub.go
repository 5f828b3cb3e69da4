package main

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mjl-/smtpfront/front-"
	"github.com/mjl-/smtpfront/metrics"
	"github.com/mjl-/smtpfront/mlog"
	"github.com/mjl-/smtpfront/smtpfront"
)

// stubLayer is a minimal session layer, so smtpfront can be run on its own. It
// greets, handles NOOP, STARTTLS (on listeners with TLS) and QUIT, and refuses
// all other commands. Protocol messages are logged and dropped.
type stubLayer struct {
	log      mlog.Log
	hostname string

	// Maximum time between commands.
	timeout time.Duration
}

func newStubLayer(log mlog.Log, hostname string) *stubLayer {
	return &stubLayer{log, hostname, 5 * time.Minute}
}

func (sl *stubLayer) CreateSession(s *smtpfront.Session) error {
	if front.Shutdown.Err() != nil {
		return errors.New("shutting down")
	}
	go sl.serve(s)
	return nil
}

func (sl *stubLayer) CreateLocalSession(s *smtpfront.Session) error {
	go sl.serve(s)
	return nil
}

func (sl *stubLayer) HandleMessage(msg smtpfront.Message) error {
	sl.log.Debug("dropping protocol message", slog.String("type", string(msg.Type)), slog.Int64("cid", msg.Session))
	if msg.File != nil {
		err := msg.File.Close()
		sl.log.Check(err, "closing file of protocol message")
	}
	return nil
}

func (sl *stubLayer) serve(s *smtpfront.Session) {
	log := sl.log.WithCid(s.ID)
	defer func() {
		x := recover()
		if x != nil {
			log.Error("session panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Session)
		}
	}()
	defer s.End()
	defer func() {
		err := s.Conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Check(err, "closing session connection")
		}
	}()

	conn := s.Conn
	if s.Decoded != nil {
		conn = s.Decoded
	}
	var tlsConfig *tls.Config
	if s.Listener.TLS != nil {
		tlsConfig = s.Listener.TLS.Config
	}
	hostname := s.Listener.Hostname
	if hostname == "" {
		hostname = sl.hostname
	}

	if tlsConfig != nil && s.Listener.Implicit {
		conn = tls.Server(conn, tlsConfig)
		tlsConfig = nil
	}

	log.Debug("session start", slog.Any("remote", s.Peer), slog.String("listener", s.Listener.Name), slog.Bool("local", s.Local))
	err := sl.converse(conn, hostname, tlsConfig)
	if err != nil && !errors.Is(err, io.EOF) {
		log.Debugx("session ended with error", err)
	} else {
		log.Debug("session end")
	}
}

// converse runs the command loop. A non-nil tlsConfig enables STARTTLS.
func (sl *stubLayer) converse(conn net.Conn, hostname string, tlsConfig *tls.Config) error {
	r := bufio.NewReader(conn)
	writef := func(format string, args ...any) error {
		_, err := fmt.Fprintf(conn, format+"\r\n", args...)
		return err
	}

	if err := writef("220 %s ESMTP smtpfront", hostname); err != nil {
		return err
	}
	for {
		if front.Shutdown.Err() != nil {
			return writef("421 4.3.2 %s shutting down", hostname)
		}
		if err := conn.SetReadDeadline(time.Now().Add(sl.timeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return err
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		verb, _, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		switch strings.ToUpper(verb) {
		case "QUIT":
			return writef("221 2.0.0 %s closing connection", hostname)
		case "NOOP":
			err = writef("250 2.0.0 ok")
		case "STARTTLS":
			if tlsConfig == nil {
				err = writef("502 5.5.1 starttls not available")
				break
			}
			if err := writef("220 2.0.0 ready to start tls"); err != nil {
				return err
			}
			tc := tls.Server(conn, tlsConfig)
			if err := tc.Handshake(); err != nil {
				return fmt.Errorf("tls handshake: %w", err)
			}
			conn = tc
			r = bufio.NewReader(conn)
			tlsConfig = nil
		default:
			err = writef("502 5.5.2 command not implemented")
		}
		if err != nil {
			return err
		}
	}
}

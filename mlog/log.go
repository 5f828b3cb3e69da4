// Package mlog provides logging with log levels and fields, on top of log/slog.
//
// Each log level has a function to log with and without error.
// Each such function takes a varargs list of attributes to log.
// Variable data should be in attributes. Logging strings themselves should be
// constant, for easier log processing (e.g. building metrics based on log
// messages).
//
// The log levels can be configured per originating package, e.g. smtpfront,
// keyproxy. The configuration is application-global, so each Log instance
// uses the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Logfmt selects logfmt output (key=value) instead of the human-friendlier
// "level: msg (key: value; ...)" format.
var Logfmt bool

// Log levels, in addition to the slog levels. LevelPrint and LevelFatal are
// always printed.
const (
	LevelPrint = slog.Level(12)
	LevelFatal = slog.Level(10)
	LevelError = slog.LevelError
	LevelInfo  = slog.LevelInfo
	LevelDebug = slog.LevelDebug
	LevelTrace = slog.Level(-8)
)

var LevelStrings = map[slog.Level]string{
	LevelPrint: "print",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

var Levels = map[string]slog.Level{
	"print": LevelPrint,
	"fatal": LevelFatal,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
type key string

var CidKey key = "cid"

// Log wraps a slog.Logger, with helpers for logging errors.
type Log struct {
	*slog.Logger
}

// New returns a Log for a package. If logger is nil, a logger is created that
// writes to stderr. Otherwise the attributes of logger are kept, and "pkg" is
// set.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{w: os.Stderr, mu: &sync.Mutex{}})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithPkg returns a new Log logging for package pkg.
func (l Log) WithPkg(pkg string) Log {
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

// WithCid adds attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

// WithContext adds cid from context, if present. Contexts are often passed to
// functions, especially between packages, to pass a "cid" for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With returns a Log with additional attributes.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttrs(err error, attrs []slog.Attr) []slog.Attr {
	if err == nil {
		return attrs
	}
	return append([]slog.Attr{slog.String("err", err.Error())}, attrs...)
}

func (l Log) log(level slog.Level, msg string, err error, attrs ...slog.Attr) bool {
	ctx := context.Background()
	if !l.Logger.Enabled(ctx, level) {
		return false
	}
	l.Logger.LogAttrs(ctx, level, msg, errAttrs(err, attrs)...)
	return true
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.log(LevelFatal, msg, err, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) bool { return l.log(LevelPrint, msg, nil, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) bool {
	return l.log(LevelPrint, msg, err, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) bool { return l.log(LevelError, msg, nil, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) bool {
	return l.log(LevelError, msg, err, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) bool { return l.log(LevelInfo, msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) bool {
	return l.log(LevelInfo, msg, err, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) bool { return l.log(LevelDebug, msg, nil, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) bool {
	return l.log(LevelDebug, msg, err, attrs...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) bool { return l.log(LevelTrace, msg, nil, attrs...) }

// handler is a slog.Handler that filters on the per-package log level and
// writes a single line per record.
type handler struct {
	w     io.Writer
	mu    *sync.Mutex // Shared between handlers derived with WithAttrs.
	pkg   string
	attrs []slog.Attr
	group string
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	if v, ok := cl[h.pkg]; ok {
		return level >= v
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == "pkg" {
			// Most specific package wins for level matching, all are logged.
			nh.pkg = a.Value.String()
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := *h
	if nh.group != "" {
		name = nh.group + "." + name
	}
	nh.group = name
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := append([]slog.Attr{}, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})

	level, ok := LevelStrings[r.Level]
	if !ok {
		level = r.Level.String()
	}

	// We build up a buffer so we can do a single atomic write of the data.
	// Otherwise partial log lines may interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", level, logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", level, logfmtValue(r.Message))
		if len(attrs) > 0 {
			b.WriteString(" (")
			for i, a := range attrs {
				if i > 0 {
					b.WriteString("; ")
				}
				fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a)))
			}
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(a slog.Attr) string {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		if a.Key == "cid" {
			return fmt.Sprintf("%x", v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case []byte:
			return base64.RawURLEncoding.EncodeToString(x)
		case []string:
			return "[" + strings.Join(x, ",") + "]"
		case error:
			return x.Error()
		}
	}
	return v.String()
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	w.log.log(w.level, w.msg, fmt.Errorf("%s", strings.TrimSpace(string(buf))))
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}

package front

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
)

// We start up as root, bind to sockets, and fork and exec as unprivileged user.
// During startup as root, we gather the fd's for the bound sockets in
// passedSockets, and pass their keys in an environment variable to the new
// process. The socket for the key proxy is always passed as fd 3, the bound
// sockets follow. Keys of sockets the parent could not create because the
// system does not support their address family are passed in another
// environment variable, so the child skips them too.
var passedSockets = map[string]*os.File{}
var skippedSockets = map[string]bool{}
var passedKeyProxy *os.File

// ListenImmediate makes the process bind sockets itself and run the key proxy
// in-process, instead of expecting them from a privileged parent. For tests and
// for running without privilege separation.
var ListenImmediate bool

// Privileged returns whether this process binds sockets and holds private keys
// itself, i.e. runs as root or with ListenImmediate.
func Privileged() bool {
	return os.Getuid() == 0 || ListenImmediate
}

// RestorePassedFiles reads the socket keys from $SMTPFRONT_SOCKETS and
// prepares an os.File for each file descriptor, for use by PassedSocket, and
// for the key proxy socket for PassedKeyProxy. Keys in $SMTPFRONT_SKIPPED are
// made available to SkippedSocket.
func RestorePassedFiles() {
	restoreSkipped(os.Getenv("SMTPFRONT_SKIPPED"))
	s := os.Getenv("SMTPFRONT_SOCKETS")
	if os.Getenv("SMTPFRONT_KEYPROXY") == "" {
		var linuxhint string
		if runtime.GOOS == "linux" {
			linuxhint = " Start through the systemd service as root, privileges are dropped after binding."
		}
		pkglog.Fatal("smtpfront must be started as root, and will drop privileges after binding required sockets (missing environment variable SMTPFRONT_KEYPROXY)." + linuxhint)
	}
	passedKeyProxy = os.NewFile(3, "keyproxy")
	if s == "" {
		return
	}
	for i, key := range strings.Split(s, ",") {
		passedSockets[key] = os.NewFile(4+uintptr(i), key)
	}
}

// PassSocket registers a bound socket to be passed to the unprivileged child.
func PassSocket(key string, f *os.File) error {
	if _, ok := passedSockets[key]; ok {
		return fmt.Errorf("duplicate socket %s", key)
	}
	passedSockets[key] = f
	return nil
}

// SkipSocket registers that the socket for key was not created, to be passed to
// the unprivileged child.
func SkipSocket(key string) {
	skippedSockets[key] = true
}

// SkippedSocket returns whether the privileged parent skipped the socket for
// key.
func SkippedSocket(key string) bool {
	skipped := skippedSockets[key]
	delete(skippedSockets, key)
	return skipped
}

func skippedEnv() string {
	keys := make([]string, 0, len(skippedSockets))
	for key := range skippedSockets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return "SMTPFRONT_SKIPPED=" + strings.Join(keys, ",")
}

func restoreSkipped(s string) {
	if s == "" {
		return
	}
	for _, key := range strings.Split(s, ",") {
		skippedSockets[key] = true
	}
}

// PassedSocket returns the socket for key that was passed in by the privileged
// parent, or nil. The caller takes ownership.
func PassedSocket(key string) *os.File {
	f := passedSockets[key]
	delete(passedSockets, key)
	return f
}

// PassedKeyProxy returns the key proxy socket passed in by the privileged parent.
func PassedKeyProxy() *os.File {
	f := passedKeyProxy
	passedKeyProxy = nil
	return f
}

// CleanupPassedFiles closes the file descriptors passed in by the parent
// process that have not been claimed.
func CleanupPassedFiles() {
	for key, f := range passedSockets {
		err := f.Close()
		pkglog.Check(err, "closing passed socket file descriptor")
		delete(passedSockets, key)
	}
}

// Shutdown is canceled when a graceful shutdown is initiated. New connections
// and local submissions should not be started anymore.
var Shutdown context.Context
var ShutdownCancel func()

// This context should be used as parent by most operations. It is canceled 1
// second after graceful shutdown was initiated with the cancelation of the
// Shutdown context. This should abort active operations.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

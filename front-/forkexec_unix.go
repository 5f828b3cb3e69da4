//go:build unix

package front

import (
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// ForkExecUnprivileged starts this program again as the unprivileged user,
// passing the key proxy socket and the bound sockets, then waits for the child
// to exit and exits with its exit code. The caller keeps serving the key proxy
// in a goroutine.
//
// We don't use just setuid because it is hard to guarantee that no other
// privileged go worker processes have been started before we get here. E.g. init
// functions in packages can start goroutines.
func ForkExecUnprivileged(keyproxy *os.File) {
	prog, err := os.Executable()
	if err != nil {
		pkglog.Fatalx("finding executable for exec", err)
	}

	files := []*os.File{os.Stdin, os.Stdout, os.Stderr, keyproxy}
	var keys []string
	for key, f := range passedSockets {
		files = append(files, f)
		keys = append(keys, key)
	}
	env := os.Environ()
	env = append(env, "SMTPFRONT_KEYPROXY=3", "SMTPFRONT_SOCKETS="+strings.Join(keys, ","), skippedEnv())

	p, err := os.StartProcess(prog, os.Args, &os.ProcAttr{
		Env:   env,
		Files: files,
		Sys: &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid: Conf.Static.UID,
				Gid: Conf.Static.GID,
			},
		},
	})
	if err != nil {
		pkglog.Fatalx("fork and exec", err)
	}
	CleanupPassedFiles()
	err = keyproxy.Close()
	pkglog.Check(err, "closing child end of key proxy socket")

	// If we get a interrupt/terminate signal, pass it on to the child. For interrupt,
	// the child probably already got it.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		p.Signal(sig)
	}()

	st, err := p.Wait()
	if err != nil {
		pkglog.Fatalx("wait", err)
	}
	code := st.ExitCode()
	pkglog.Print("stopping after child exit", slog.Int("exitcode", code))
	os.Exit(code)
}

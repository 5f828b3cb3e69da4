package main

import (
	"os"
	"time"

	"github.com/mjl-/smtpfront/front-"
	"github.com/mjl-/smtpfront/mlog"
	"github.com/mjl-/smtpfront/smtpfront"
)

func shutdown(log mlog.Log, srv *smtpfront.Server) {
	// We indicate we are shutting down. Causes the stub session layer to end
	// sessions at the next command. Listeners stop accepting.
	front.ShutdownCancel()
	srv.Close()

	// Now we are going to wait for all sessions to be gone, up to a timeout.
	done := srv.Done()
	second := time.Tick(time.Second)
	select {
	case <-done:
		log.Print("sessions shutdown, waiting until 1 second passed")
		<-second

	case <-time.Tick(3 * time.Second):
		// We now cancel all pending operations, and set an immediate deadline on sockets.
		// Should get us a clean shutdown relatively quickly.
		front.ContextCancel()
		srv.Shutdown()

		second := time.Tick(time.Second)
		select {
		case <-done:
			log.Print("no more sessions, shutdown is clean, waiting until 1 second passed")
			<-second
		case <-second:
			log.Print("shutting down with pending sessions")
		}
	}
	err := os.Remove(front.DataDirPath("ctl"))
	log.Check(err, "removing ctl unix domain socket during shutdown")
}

// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/smtpfront/mlog"
)

var pkglog = mlog.New("metrics", nil)

// Handler returns the HTTP handler for the prometheus metrics.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve serves the metrics on ln in a new goroutine.
func Serve(ln net.Listener) {
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          log.New(mlog.ErrWriter(pkglog, mlog.LevelInfo, "metrics http server error"), "", 0),
	}
	go func() {
		err := srv.Serve(ln)
		pkglog.Errorx("serving metrics", err, slog.String("address", ln.Addr().String()))
	}()
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// adminServer exposes /healthz and /metrics on a listener separate from
// the TCP matching port, so a slow scrape can never contend with the
// order book beyond an atomic load inside the metrics themselves.
type adminServer struct {
	http *http.Server
	log  *logrus.Entry
}

func newAdminServer(addr string, reg *prometheus.Registry, log *logrus.Entry) *adminServer {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &adminServer{
		http: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: log.WithField("component", "adminhttp"),
	}
}

func (a *adminServer) start() {
	go func() {
		a.log.WithField("addr", a.http.Addr).Info("admin http listening")
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Warn("admin http server stopped unexpectedly")
		}
	}()
}

func (a *adminServer) shutdown(ctx context.Context) error {
	return a.http.Shutdown(ctx)
}

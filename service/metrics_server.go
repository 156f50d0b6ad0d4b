package service

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes the prometheus registry for scraping
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
}

// Start listens on addr and serves /metrics in the background
func (m *MetricsServer) Start(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	ln, err := listen(ctx, addr)
	if err != nil {
		return err
	}
	m.listener = ln
	m.server = &http.Server{Handler: router}
	go serve(m.server, ln, "metrics")
	return nil
}

// Addr returns the address the server listens on
func (m *MetricsServer) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

package service

import (
	"context"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-conform/metrics"
)

// HealthzServer answers liveness probes while a run is in progress
type HealthzServer struct {
	server   *http.Server
	listener net.Listener
}

// Start listens on addr and serves in the background
func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := mux.NewRouter()
	hdlr.HandleFunc("/healthz", h.Handle).Methods(http.MethodGet, http.MethodHead)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	ln, err := listen(ctx, addr)
	if err != nil {
		return err
	}
	h.listener = ln
	h.server = &http.Server{Handler: c.Handler(hdlr)}
	go serve(h.server, ln, "healthz")
	return nil
}

// Addr returns the address the server listens on
func (h *HealthzServer) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *HealthzServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	metrics.RecordHealthzRequest()
	log.Debug("Received health check request", "path", r.URL.Path)
	w.Write([]byte("OK")) //nolint:errcheck
}

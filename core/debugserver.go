package core

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugServer is the optional HTTP surface enabled by Config.DebugAddr:
// a gorilla/mux router on a plain http.Server. No TLS termination here,
// it is an operator-local diagnostic endpoint, not a public API.
type DebugServer struct {
	client *Client
	addr   string
	srv    *http.Server
}

// NewDebugServer builds a server exposing /healthz and /metrics for c,
// bound to addr. It is not started until Start is called.
func NewDebugServer(c *Client, addr string) *DebugServer {
	r := mux.NewRouter()
	d := &DebugServer{client: c, addr: addr}
	r.HandleFunc("/healthz", d.handleHealthz).Methods(http.MethodGet)
	if c.cfg.Registerer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(c.cfg.Registerer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	} else {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	d.srv = &http.Server{Addr: addr, Handler: r}
	return d
}

type healthzTable struct {
	Table string `json:"table"`
	State string `json:"state"`
	Rows  int    `json:"rows"`
}

type healthzResponse struct {
	Connection string          `json:"connection"`
	Tables     []healthzTable  `json:"tables,omitempty"`
	Pending    []PendingReducer `json:"pending_reducers,omitempty"`
}

func (d *DebugServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{Connection: "unknown"}
	if d.client.scope != nil {
		resp.Connection = string(d.client.scope.Manager().State())
	}
	if d.client.dispatcher != nil {
		resp.Pending = d.client.dispatcher.Pending()
	}
	if d.client.subs != nil {
		for _, table := range d.client.subs.Tables() {
			resp.Tables = append(resp.Tables, healthzTable{
				Table: table,
				State: string(d.client.subs.State(table)),
				Rows:  len(d.client.subs.GetAll(table)),
			})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Start begins serving in the background. A listener failure is logged
// rather than crashing the process over a debug endpoint.
func (d *DebugServer) Start() {
	go func() {
		if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			packageLogger.WithError(err).Error("debug server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (d *DebugServer) Stop(ctx context.Context) error {
	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return d.srv.Shutdown(shutdownCtx)
}

// Package diagnostics serves a loopback-only HTTP API exposing the
// registry snapshot and gossip peer table for operator inspection,
// registered as a plain net/http handler alongside the Prometheus
// handler.
package diagnostics

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/gluedns/pkg/gossip"
	"github.com/cuemby/gluedns/pkg/metrics"
	"github.com/cuemby/gluedns/pkg/registry"
)

// Handler returns an http.Handler exposing /registry, /peers and
// /metrics.
func Handler(reg *registry.Registry, adapter *gossip.Adapter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/registry", registryHandler(reg))
	mux.HandleFunc("/peers", peersHandler(adapter))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func registryHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, reg.Snapshot())
	}
}

type peerView struct {
	Addr  string `json:"addr"`
	State string `json:"state"`
	ID    string `json:"id,omitempty"`
}

func peersHandler(adapter *gossip.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peers := adapter.Peers()
		views := make([]peerView, 0, len(peers))
		for _, p := range peers {
			v := peerView{Addr: string(p.Addr), State: p.State.String()}
			if p.State == gossip.Ready {
				v.ID = p.ID.String()
			}
			views = append(views, v)
		}
		writeJSON(w, views)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

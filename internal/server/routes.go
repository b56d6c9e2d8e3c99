// Package server wires HTTP handlers into a ServeMux for the relaychat
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes. metrics is mounted at the configured metrics path when non-nil.
func SetupRoutes(g *Gateway, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.HealthHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	mux.HandleFunc("/test", g.TestPageHandler)
	if metrics != nil {
		mux.Handle(g.cfg.MetricsPath, metrics)
	}
	return mux
}

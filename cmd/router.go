package main

import (
	"net/http"

	"github.com/angeloszaimis/evproxy/internal/handler"
	"github.com/angeloszaimis/evproxy/internal/metrics"
)

func setupRouter(admin *handler.AdminHandler, metricsCollector *metrics.Collector, strategy string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", admin.Status)
	mux.HandleFunc("/health", admin.Health)
	mux.HandleFunc("/metrics", metricsCollector.Handler(strategy))

	return mux
}

// Backend is a throwaway origin server for trying evproxy by hand. Every
// response carries the backend's own address so the proxy's choice is
// visible.
//
// Usage:
//
//	go run ./scripts/backend -port 8081
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/angeloszaimis/evproxy/pkg/logger"
)

func main() {
	port := flag.Int("port", 8081, "port to listen on")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	addr := fmt.Sprintf(":%d", *port)
	log := logger.New(*level, false, "dev").With(slog.String("backend", addr))

	mux := http.NewServeMux()

	// echo answers with the request line, the headers the proxy added and
	// the body it relayed.
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("from", r.RemoteAddr),
			slog.String("xff", r.Header.Get("X-Forwarded-For")),
			slog.Int("body", len(body)))

		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s %s %s\n", r.Method, r.URL.RequestURI(), r.Proto)
		fmt.Fprintf(w, "backend: %s\n", addr)
		fmt.Fprintf(w, "x-forwarded-for: %s\n", r.Header.Get("X-Forwarded-For"))
		fmt.Fprintf(w, "x-real-ip: %s\n", r.Header.Get("X-Real-IP"))
		w.Write(body)
	})

	// slow sleeps before answering, ?d=2s, to trip the read timeout.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		d, err := time.ParseDuration(r.URL.Query().Get("d"))
		if err != nil {
			d = 2 * time.Second
		}
		time.Sleep(d)
		fmt.Fprintf(w, "slept %v on %s\n", d, addr)
	})

	// chunked streams ?n= lines without a Content-Length.
	mux.HandleFunc("/chunked", func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get("n"))
		if err != nil || n <= 0 {
			n = 10
		}
		f, _ := w.(http.Flusher)
		for i := 0; i < n; i++ {
			fmt.Fprintf(w, "line %d from %s\n", i, addr)
			if f != nil {
				f.Flush()
			}
		}
	})

	// big sends ?kb= kilobytes with a Content-Length.
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		kb, err := strconv.Atoi(r.URL.Query().Get("kb"))
		if err != nil || kb <= 0 {
			kb = 256
		}
		w.Header().Set("Content-Length", strconv.Itoa(kb*1024))
		line := strings.Repeat("x", 1023) + "\n"
		for i := 0; i < kb; i++ {
			io.WriteString(w, line)
		}
	})

	// fail answers with ?code=, 502 by default, for next-upstream tests.
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.URL.Query().Get("code"))
		if err != nil {
			code = http.StatusBadGateway
		}
		http.Error(w, "failing on purpose", code)
	})

	// redirect points back at this backend so the proxy can rewrite it.
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://"+r.Host+"/echo", http.StatusFound)
	})

	// health is probed by the proxy's health checker.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	log.Info("Starting backend")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"net/http"
	"time"
)

// A toy upstream for exercising the gateway: /health answers probes, and
// every other path echoes the request. Latency and failure injection make
// the balancer, breaker and health monitor observable.
func main() {
	var addr string
	var name string
	var latency time.Duration
	var failRate float64
	flag.StringVar(&addr, "addr", ":9001", "listen address")
	flag.StringVar(&name, "name", "upstream", "service name")
	flag.DurationVar(&latency, "latency", 0, "artificial latency per request")
	flag.Float64Var(&failRate, "fail-rate", 0, "probability in [0,1] of answering 500")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "service": name})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if latency > 0 {
			time.Sleep(latency)
		}
		if failRate > 0 && rand.Float64() < failRate {
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service": name,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": r.Header,
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	_ = srv.ListenAndServe()
}

// internal/daemon/http.go
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/colebrumley/fsstream/internal/checkpoint"
)

// startHTTPServer serves the status API until ctx is done. A listen failure
// is logged and does not stop the daemon.
func (d *Daemon) startHTTPServer(ctx context.Context) error {
	addr := d.ListenAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d",
			d.config.Daemon.StatusListenAddress,
			d.config.Daemon.StatusListenPort,
		)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		d.logger.Error("HTTP server error", "error", err, "address", addr)
		return nil
	}

	d.mu.Lock()
	d.httpServer = &http.Server{Handler: d.Handler()}
	d.listenAddr = ln.Addr().String()
	srv := d.httpServer
	d.mu.Unlock()

	d.logger.Info("starting HTTP server", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			d.logger.Error("HTTP server error", "error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Handler returns the status API.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", rateLimitHandler(60, d.handleHealth))
	mux.HandleFunc("/api/streams", rateLimitHandler(30, d.handleAPIStreams))
	mux.HandleFunc("/api/checkpoints", rateLimitHandler(30, d.handleAPICheckpoints))
	return mux
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	Source        string `json:"source"`
	Streams       int    `json:"streams"`
	StreamsActive int    `json:"streams_active"`
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(d.startTime).Truncate(time.Second).String(),
		Source:  d.sourceKind,
		Streams: len(d.watches),
	}
	for _, w := range d.watches {
		if w.stream.State().Active() {
			resp.StreamsActive++
		}
	}
	if resp.StreamsActive < resp.Streams {
		resp.Status = "degraded"
	}

	writeJSON(w, resp)
}

func (d *Daemon) handleAPIStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streams := make([]watchStatus, 0, len(d.watches))
	for _, wt := range d.watches {
		streams = append(streams, wt.status())
	}
	writeJSON(w, streams)
}

func (d *Daemon) handleAPICheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := d.store.List()
	if err != nil {
		http.Error(w, fmt.Sprintf("listing checkpoints: %v", err), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []checkpoint.Record{}
	}
	writeJSON(w, records)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// rateLimitHandler wraps an HTTP handler with a simple token-bucket rate limiter.
func rateLimitHandler(requestsPerMinute int, handler http.HandlerFunc) http.HandlerFunc {
	var mu sync.Mutex
	tokens := requestsPerMinute
	lastRefill := time.Now()

	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		now := time.Now()
		refill := int(now.Sub(lastRefill).Minutes() * float64(requestsPerMinute))
		if refill > 0 {
			tokens = min(tokens+refill, requestsPerMinute)
			lastRefill = now
		}

		if tokens <= 0 {
			mu.Unlock()
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		tokens--
		mu.Unlock()

		handler(w, r)
	}
}

// Addr returns the status server's listen address once it is serving.
func (d *Daemon) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listenAddr
}

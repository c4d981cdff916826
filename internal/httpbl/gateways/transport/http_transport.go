package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/httpbl-authd/internal/httpbl/common/log"
	"github.com/haukened/httpbl-authd/internal/httpbl/services/reputation"
)

const (
	// CheckPath is the authorization subrequest endpoint.
	CheckPath   = "/check-ip"
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"

	bodyDenied       = "Access denied."
	bodyAllowed      = "Access allowed."
	bodyInvalidIPFmt = "Invalid or missing client IP header (%s)"

	readHeaderTimeout = 5 * time.Second
)

// Options configures an HTTPTransport.
type Options struct {
	// Address is the host:port to listen on. Port 0 picks a free port.
	Address string
	// ClientIPHeader names the header carrying the original client IP.
	ClientIPHeader string
	Checker        reputation.Checker
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   log.Logger
}

// HTTPTransport serves the authorization endpoint for a reverse proxy's
// auth subrequest, along with health and metrics endpoints.
type HTTPTransport struct {
	addr    string
	header  string
	checker reputation.Checker
	handler http.Handler
	logger  log.Logger

	mu      sync.Mutex
	running bool
	ln      net.Listener
	server  *http.Server
	errCh   chan error
}

// NewHTTPTransport creates a new HTTP transport instance.
func NewHTTPTransport(opts Options) (*HTTPTransport, error) {
	if opts.Checker == nil {
		return nil, errors.New("reputation checker is required")
	}
	if opts.ClientIPHeader == "" {
		return nil, errors.New("client IP header name is required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	initMetrics()

	t := &HTTPTransport{
		addr:    opts.Address,
		header:  opts.ClientIPHeader,
		checker: opts.Checker,
		logger:  opts.Logger.With(map[string]any{"transport": "http"}),
	}

	router := mux.NewRouter()
	router.HandleFunc(CheckPath, t.handleCheckIP).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc(HealthPath, handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.Handle(MetricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	t.handler = t.withRequestMetrics(router)
	return t, nil
}

// ServeHTTP dispatches to the transport's router.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.handler.ServeHTTP(w, r)
}

// Start binds the listener and serves requests in the background.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return errors.New("HTTP transport already running")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.addr, err)
	}

	srv := &http.Server{
		Handler:           t.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)

	t.ln = ln
	t.server = srv
	t.errCh = errCh
	t.running = true

	go func() {
		defer close(errCh)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error(map[string]any{"error": err}, "HTTP server failed")
			errCh <- err
		}
	}()

	t.logger.Info(map[string]any{
		"address":          ln.Addr().String(),
		"client_ip_header": t.header,
	}, "HTTP transport started")

	return nil
}

// Stop shuts the server down gracefully, waiting for in-flight requests until ctx ends.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}

	err := t.server.Shutdown(ctx)
	if err != nil {
		t.logger.Warn(map[string]any{"error": err}, "Error shutting down HTTP server")
	}
	t.running = false

	t.logger.Info(map[string]any{"address": t.ln.Addr().String()}, "HTTP transport stopped")
	return err
}

// Address returns the bound address once started, otherwise the configured one.
func (t *HTTPTransport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return t.ln.Addr().String()
	}
	return t.addr
}

// Errors reports a fatal serve error. The channel is closed when the server exits.
func (t *HTTPTransport) Errors() <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errCh
}

func (t *HTTPTransport) handleCheckIP(w http.ResponseWriter, r *http.Request) {
	ip, ok := clientIP(r.Header.Get(t.header))
	if !ok {
		t.logger.Warn(map[string]any{
			"header": t.header,
			"value":  r.Header.Get(t.header),
		}, "Invalid or missing client IP")
		writeText(w, http.StatusForbidden, fmt.Sprintf(bodyInvalidIPFmt, t.header))
		return
	}

	if t.checker.Check(r.Context(), ip) {
		writeText(w, http.StatusForbidden, bodyDenied)
		return
	}
	writeText(w, http.StatusOK, bodyAllowed)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// clientIP parses the first comma separated entry of a header value.
func clientIP(value string) (netip.Addr, bool) {
	first, _, _ := strings.Cut(value, ",")
	first = strings.TrimSpace(first)
	if first == "" {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(first)
	if err != nil || ip.Zone() != "" {
		return netip.Addr{}, false
	}
	return ip, true
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func (t *HTTPTransport) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		incRequest(m.Code)
		t.logger.Debug(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      m.Code,
			"duration_ms": m.Duration.Milliseconds(),
			"user_agent":  r.UserAgent(),
		}, "HTTP request")
	})
}

var _ ServerTransport = (*HTTPTransport)(nil)

package api

import (
	"net"
	"net/http"
	"net/http/pprof"
	"os"

	"grid-clash/internal/config"
	"grid-clash/internal/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DebugHandler serves pprof, /metrics and /health, behind basic auth when
// credentials are configured.
func DebugHandler(cfg config.ObservabilityConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

// debugAddr forces the debug listener onto loopback unless
// ALLOW_DEBUG_EXTERNAL=true.
func debugAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1:6060"
	}
	if host == "127.0.0.1" || host == "localhost" || host == "::1" {
		return addr
	}
	if os.Getenv("ALLOW_DEBUG_EXTERNAL") == "true" {
		return addr
	}
	logger.Log.Warn("⚠️ Debug server forced to localhost for security")
	return net.JoinHostPort("127.0.0.1", port)
}

// StartDebugServer starts the internal observability server in the
// background.
func StartDebugServer(cfg config.ObservabilityConfig) {
	if !cfg.DebugEnabled {
		logger.Log.Info("📊 Debug server disabled")
		return
	}
	addr := debugAddr(cfg.DebugAddr)
	handler := DebugHandler(cfg)

	go func() {
		logger.Log.WithField("addr", addr).Info("📊 Debug server starting (pprof, /metrics)")
		if err := http.ListenAndServe(addr, handler); err != nil {
			logger.Log.WithError(err).Warn("⚠️ Debug server error")
		}
	}()
}

func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

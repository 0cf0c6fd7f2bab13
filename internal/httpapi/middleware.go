package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Logging on the ops port stays at debug for successful probes so scrapers
// and kubelet checks do not flood the log. Failures are logged at warn.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		if strings.HasPrefix(r.URL.Path, "/metrics") && sw.status < 400 {
			return
		}
		lvl := slog.LevelDebug
		if sw.status >= 400 {
			lvl = slog.LevelWarn
		}
		slog.Log(r.Context(), lvl, "ops request",
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ReadyzCheck is a named dependency probe. The name shows up in the readiness
// log line when the probe fails.
type ReadyzCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}
}

// Readyz runs every probe under a shared timeout and reports 503 on the first
// failure. Probes run sequentially; there are at most a couple of them.
func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, check := range checks {
			if err := check.Probe(ctx); err != nil {
				slog.Warn("readiness probe failed", "check", check.Name, "err", err)
				http.Error(w, "not ready: "+check.Name, http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Package api serves the read-only HTTP views of the plan log and the monitor
// rows.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kilianp07/peakshave/infra/logger"
)

// Config enables the HTTP API when Address is set.
type Config struct {
	Address string `json:"address"`
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string `json:"token"`
}

// RequireToken rejects requests without the bearer token. An empty token
// disables the check.
func RequireToken(token string, h http.Handler) http.Handler {
	if token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Serve exposes routes on cfg.Address until ctx is canceled.
func Serve(ctx context.Context, cfg Config, routes map[string]http.Handler) error {
	log := logger.New("api")
	mux := http.NewServeMux()
	for path, h := range routes {
		mux.Handle(path, RequireToken(cfg.Token, h))
	}
	srv := &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("api shutdown: %v", err)
		}
	}()
	log.Infof("serving api on %s", cfg.Address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ParseTime reads an optional RFC3339 query parameter.
func ParseTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

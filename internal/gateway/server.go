package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// startHTTP brings up the gateway's HTTP surface: health endpoint plus the
// webchat WebSocket endpoint when that channel is enabled.
func (s *Service) startHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	if s.webchat != nil {
		wsPath := s.cfg.Channels.WebChat.Path
		if wsPath == "" {
			wsPath = "/ws"
		}
		mux.Handle(wsPath, s.webchat.Handler())
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server exited", "error", err)
		}
	}()

	s.httpShutdown = srv.Shutdown
	slog.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"channels": s.manager.Names(),
	})
}
